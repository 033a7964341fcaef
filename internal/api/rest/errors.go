package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

// errorResponse 统一的错误响应体
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorTable = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{model.ErrNotFound, http.StatusNotFound, "NotFound", "Poll not found"},
	{model.ErrInvalidOption, http.StatusBadRequest, "InvalidOption", "Option does not belong to this poll"},
	{model.ErrInvalidPollID, http.StatusBadRequest, "InvalidPollId", "Invalid poll ID"},
	{model.ErrInvalidInput, http.StatusBadRequest, "InvalidInput", "Invalid input"},
	{model.ErrDuplicateVote, http.StatusConflict, "DuplicateVote", "You have already voted on this poll!"},
	{model.ErrForbidden, http.StatusForbidden, "Forbidden", "Only the poll owner can modify this poll"},
	{model.ErrUnauthenticated, http.StatusUnauthorized, "Unauthenticated", "Authentication required"},
}

// classify 错误到HTTP状态的唯一映射
func classify(err error) (int, errorResponse) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, errorResponse{Error: e.code, Message: e.message}
		}
	}
	return http.StatusInternalServerError, errorResponse{Error: "VoteProcessingFailed", Message: "Failed to process vote"}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) writeValidationError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "ValidationError", Message: err.Error()})
}
