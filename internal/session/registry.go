// Package session 直播连接与投票订阅的绑定
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
	"go.uber.org/zap"
)

const (
	EventPollUpdate = "pollUpdate"
	EventVoteUpdate = "voteUpdate"
	EventError      = "error"
)

// Conn 一个直播连接
type Conn interface {
	ID() string
	// Send 发送一帧，实现需要保证并发安全
	Send(event string, data any) error
	// Done 连接关闭后关闭
	Done() <-chan struct{}
}

// PollViewer 提供加入时的初始快照
type PollViewer interface {
	GetPoll(ctx context.Context, pollID string) (*model.PollView, error)
}

type session struct {
	pollID string
	sub    pubsub.Subscription
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// Registry 每个连接最多加入一个投票，连接关闭时恰好取消一次订阅
type Registry struct {
	bus    pubsub.Bus
	polls  PollViewer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(bus pubsub.Bus, polls PollViewer, logger *zap.Logger) *Registry {
	return &Registry{
		bus:      bus,
		polls:    polls,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*session),
	}
}

// Join 先订阅再发送快照，快照发出前收到的事件排队，快照之后按序转发
func (r *Registry) Join(ctx context.Context, conn Conn, pollID string) error {
	pollID = strings.TrimSpace(pollID)
	if _, err := uuid.Parse(pollID); err != nil {
		return fmt.Errorf("%q: %w", pollID, model.ErrInvalidPollID)
	}

	select {
	case <-conn.Done():
		return fmt.Errorf("连接 %s 已关闭: %w", conn.ID(), model.ErrInvalidConnectionState)
	default:
	}

	connID := conn.ID()
	sess := &session{pollID: pollID, done: make(chan struct{})}

	r.mu.Lock()
	if existing, ok := r.sessions[connID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("连接 %s 已加入投票 %s: %w", connID, existing.pollID, model.ErrInvalidConnectionState)
	}
	r.sessions[connID] = sess
	r.mu.Unlock()

	log := r.logger.With(zap.String("conn", connID), zap.String("pollId", pollID))

	ready := make(chan struct{})
	handler := func(evt model.DeltaEvent) {
		select {
		case <-ready:
		case <-sess.done:
			return
		}
		if err := conn.Send(EventVoteUpdate, evt); err != nil {
			log.Warn("转发票数事件失败，关闭订阅", zap.Error(err))
			r.Leave(connID)
		}
	}

	sub, err := r.bus.Subscribe(ctx, pollID, handler)
	if err != nil {
		r.abort(connID, sess)
		return fmt.Errorf("订阅投票失败: %w", err)
	}

	r.mu.Lock()
	if r.sessions[connID] != sess {
		// 订阅期间连接已离开
		r.mu.Unlock()
		sub.Unsubscribe()
		return fmt.Errorf("连接 %s 已关闭: %w", connID, model.ErrInvalidConnectionState)
	}
	sess.sub = sub
	r.mu.Unlock()

	view, err := r.polls.GetPoll(ctx, pollID)
	if err != nil {
		r.abort(connID, sess)
		return err
	}
	if err := conn.Send(EventPollUpdate, model.PollSnapshotMessage{Poll: *view}); err != nil {
		r.abort(connID, sess)
		return fmt.Errorf("发送初始快照失败: %w", err)
	}
	close(ready)

	go func() {
		select {
		case <-conn.Done():
			r.Leave(connID)
		case <-sess.done:
		}
	}()

	log.Debug("连接加入投票")
	return nil
}

// abort 加入失败时撤销，连接可以重试
func (r *Registry) abort(connID string, sess *session) {
	r.mu.Lock()
	if r.sessions[connID] != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	sub := sess.sub
	r.mu.Unlock()

	sess.close()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Leave 可重复调用，也可以与事件投递并发
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	sub := sess.sub
	r.mu.Unlock()

	sess.close()
	if sub != nil {
		sub.Unsubscribe()
	}
	r.logger.Debug("连接离开投票", zap.String("conn", connID), zap.String("pollId", sess.pollID))
}

// Viewers 当前实例观看某个投票的连接数
func (r *Registry) Viewers(pollID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if s.pollID == pollID {
			n++
		}
	}
	return n
}

// Close 关闭所有连接的订阅
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Leave(id)
	}
}
