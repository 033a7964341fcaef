package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

type createPollRequest struct {
	Title   string   `json:"title" binding:"required"`
	Options []string `json:"options" binding:"required,min=2,dive,required"`
}

type updatePollRequest struct {
	Title   *string  `json:"title"`
	Options []string `json:"options" binding:"omitempty,min=2,dive,required"`
}

type castVoteRequest struct {
	PollOptionID string `json:"pollOptionId" binding:"required,uuid"`
}

func pollIDParam(c *gin.Context) (string, error) {
	pollID := strings.TrimSpace(c.Param("pollId"))
	if _, err := uuid.Parse(pollID); err != nil {
		return "", fmt.Errorf("%q: %w", pollID, model.ErrInvalidPollID)
	}
	return pollID, nil
}

func currentUserID(c *gin.Context) string {
	if id, ok := auth.IdentityFrom(c); ok && id.User != nil {
		return id.User.ID
	}
	return ""
}

func (s *Server) listPolls(c *gin.Context) {
	polls, err := s.polls.ListPolls(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(polls))
}

func (s *Server) myPolls(c *gin.Context) {
	polls, err := s.polls.ListPollsByOwner(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(polls))
}

func nonNil(polls []*model.Poll) []*model.Poll {
	if polls == nil {
		return []*model.Poll{}
	}
	return polls
}

func (s *Server) getPoll(c *gin.Context) {
	pollID, err := pollIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	view, err := s.polls.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.PollSnapshotMessage{Poll: *view})
}

func (s *Server) createPoll(c *gin.Context) {
	var req createPollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeValidationError(c, err)
		return
	}

	poll, err := s.polls.CreatePoll(c.Request.Context(), currentUserID(c), req.Title, req.Options)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pollId": poll.ID})
}

func (s *Server) updatePoll(c *gin.Context) {
	pollID, err := pollIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req updatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeValidationError(c, err)
		return
	}

	poll, err := s.polls.UpdatePoll(c.Request.Context(), currentUserID(c), pollID, req.Title, req.Options)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pollId": poll.ID})
}

func (s *Server) deletePoll(c *gin.Context) {
	pollID, err := pollIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.polls.DeletePoll(c.Request.Context(), currentUserID(c), pollID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Poll deleted successfully"})
}

// castVote 成功时返回201，无响应体
func (s *Server) castVote(c *gin.Context) {
	pollID, err := pollIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeValidationError(c, err)
		return
	}

	id, _ := auth.IdentityFrom(c)
	if _, err := s.votes.CastVote(c.Request.Context(), id.Voter, pollID, strings.ToLower(req.PollOptionID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) recount(c *gin.Context) {
	pollID, err := pollIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	counts, err := s.votes.Reconcile(c.Request.Context(), pollID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pollId": pollID, "tally": counts, "total": counts.Total()})
}
