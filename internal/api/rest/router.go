// Package rest HTTP接口
package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"go.uber.org/zap"
)

// Server 路由依赖
type Server struct {
	votes  *service.VoteService
	polls  *service.PollService
	auth   *auth.Authenticator
	logger *zap.Logger
}

// Options 可选挂载的处理器
type Options struct {
	LiveHandler    gin.HandlerFunc
	GraphQLHandler http.Handler
	GraphQLPath    string
}

func NewServer(votes *service.VoteService, polls *service.PollService, authenticator *auth.Authenticator, logger *zap.Logger) *Server {
	return &Server{
		votes:  votes,
		polls:  polls,
		auth:   authenticator,
		logger: logging.OrNop(logger),
	}
}

// Router 注册所有路由
func (s *Server) Router(cfg config.ServerConfig, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(s.logger), gin.Recovery(), cors(cfg.AllowedOrigins), s.auth.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	polls := r.Group("/polls")
	{
		polls.GET("", s.listPolls)
		polls.GET("/my", auth.RequireUser(), s.myPolls)
		polls.GET("/:pollId", s.getPoll)
		polls.POST("", auth.RequireUser(), s.createPoll)
		polls.PUT("/:pollId", auth.RequireUser(), s.updatePoll)
		polls.DELETE("/:pollId", auth.RequireUser(), s.deletePoll)
		polls.POST("/:pollId/votes", auth.RequireVoter(), s.castVote)
	}

	admin := r.Group("/admin", s.auth.AdminOnly())
	{
		admin.POST("/polls/:pollId/recount", s.recount)
	}

	if opts.LiveHandler != nil {
		r.GET("/ws", auth.RequireVoter(), opts.LiveHandler)
	}
	if opts.GraphQLHandler != nil {
		path := opts.GraphQLPath
		if path == "" {
			path = "/graphql"
		}
		r.POST(path, gin.WrapH(opts.GraphQLHandler))
	}

	return r
}
