// Package ws 直播投票的WebSocket接入
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/session"
	"go.uber.org/zap"
)

const (
	EventJoinPoll = "joinPoll"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Joiner 连接加入投票
type Joiner interface {
	Join(ctx context.Context, conn session.Conn, pollID string) error
	Leave(connID string)
}

type Handler struct {
	joiner   Joiner
	upgrader websocket.Upgrader
	logger   *zap.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

// inbound 客户端帧，也接受只有pollId的简写
type inbound struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	PollID string          `json:"pollId"`
}

type joinPayload struct {
	PollID string `json:"pollId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func NewHandler(joiner Joiner, allowedOrigins []string, logger *zap.Logger) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Handler{
		joiner: joiner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		logger:     logging.OrNop(logger),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// Serve 升级连接并处理直到断开
func (h *Handler) Serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("升级WebSocket失败", zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), ws, writeWait)
	log := h.logger.With(zap.String("conn", conn.ID()))
	log.Debug("直播连接建立")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		conn.close()
		h.joiner.Leave(conn.ID())
		log.Debug("直播连接关闭")
	}()

	go h.keepAlive(conn)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("读取直播连接失败", zap.Error(err))
			}
			return
		}
		h.handleMessage(ctx, conn, data, log)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *conn, data []byte, log *zap.Logger) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, "Malformed message", log)
		return
	}

	var pollID string
	switch msg.Event {
	case EventJoinPoll:
		var p joinPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				h.sendError(conn, "Malformed joinPoll payload", log)
				return
			}
		}
		pollID = p.PollID
	case "":
		pollID = msg.PollID
	default:
		h.sendError(conn, "Unknown event "+msg.Event, log)
		return
	}

	if err := h.joiner.Join(ctx, conn, pollID); err != nil {
		log.Info("加入投票失败", zap.String("pollId", pollID), zap.Error(err))
		h.sendError(conn, joinErrorMessage(err), log)
	}
}

func (h *Handler) sendError(conn *conn, message string, log *zap.Logger) {
	if err := conn.Send(session.EventError, errorPayload{Message: message}); err != nil {
		log.Debug("发送错误帧失败", zap.Error(err))
	}
}

func (h *Handler) keepAlive(conn *conn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close()
				return
			}
		}
	}
}
