package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("连接已关闭")

// frame 收发的JSON帧
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// conn 把websocket连接适配为 session.Conn
type conn struct {
	id        string
	ws        *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newConn(id string, ws *websocket.Conn, writeWait time.Duration) *conn {
	return &conn{id: id, ws: ws, writeWait: writeWait, done: make(chan struct{})}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Done() <-chan struct{} { return c.done }

// Send 写一帧，多个goroutine并发调用时串行写入
func (c *conn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteJSON(frame{Event: event, Data: data})
}

func (c *conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// close 读循环退出时调用一次
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.ws.Close()
}
