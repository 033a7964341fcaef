package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

// RedisBus 基于Redis PUBLISH/SUBSCRIBE，每个实例每个投票只占一个订阅连接，
// 本地订阅者从该连接扇出
type RedisBus struct {
	client     *redis.Client
	prefix     string
	bufferSize int
	logger     *zap.Logger

	mu     sync.Mutex
	topics map[string]*redisTopic
	nextID uint64
	closed bool
}

type redisTopic struct {
	ready chan struct{} // 订阅建立(或失败)后关闭
	err   error
	ps    *redis.PubSub
	subs  map[uint64]*subscriber
}

func NewRedisBus(client *redis.Client, keyPrefix string, bufferSize int, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		client:     client,
		prefix:     keyPrefix,
		bufferSize: bufferSize,
		logger:     logging.OrNop(logger),
		topics:     make(map[string]*redisTopic),
	}
}

// Channel 投票对应的频道名
func (b *RedisBus) Channel(pollID string) string {
	return b.prefix + "poll:" + pollID + ":deltas"
}

func (b *RedisBus) Publish(ctx context.Context, pollID string, evt model.DeltaEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化票数事件失败: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(pollID), data).Err(); err != nil {
		return fmt.Errorf("发布票数事件失败: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, pollID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	t, ok := b.topics[pollID]
	creator := !ok
	if creator {
		t = &redisTopic{
			ready: make(chan struct{}),
			subs:  make(map[uint64]*subscriber),
		}
		b.topics[pollID] = t
	}
	b.nextID++
	sub := newSubscriber(b.nextID, pollID, handler, b.bufferSize, b.logger)
	t.subs[sub.id] = sub
	b.mu.Unlock()

	if creator {
		b.open(ctx, pollID, t)
	} else {
		select {
		case <-t.ready:
		case <-ctx.Done():
			b.detach(pollID, t, sub)
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	err := t.err
	b.mu.Unlock()
	if err != nil {
		b.detach(pollID, t, sub)
		return nil, err
	}

	return &subscription{cancel: func() { b.detach(pollID, t, sub) }}, nil
}

// open 在不持有锁的情况下建立订阅连接
func (b *RedisBus) open(ctx context.Context, pollID string, t *redisTopic) {
	defer close(t.ready)

	ps := b.client.Subscribe(ctx, b.Channel(pollID))
	_, err := ps.Receive(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		ps.Close()
		t.err = fmt.Errorf("订阅频道失败: %w", err)
		if b.topics[pollID] == t {
			delete(b.topics, pollID)
		}
		return
	}
	if b.closed {
		ps.Close()
		t.err = ErrBusClosed
		return
	}

	t.ps = ps
	go b.pump(pollID, t, ps.Channel())
}

func (b *RedisBus) pump(pollID string, t *redisTopic, ch <-chan *redis.Message) {
	for msg := range ch {
		var evt model.DeltaEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.Warn("解析票数事件失败", zap.String("pollId", pollID), zap.Error(err))
			continue
		}

		b.mu.Lock()
		subs := make([]*subscriber, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, s := range subs {
			s.deliver(evt)
		}
	}
}

// detach 移除订阅者，最后一个订阅者离开时关闭订阅连接
func (b *RedisBus) detach(pollID string, t *redisTopic, sub *subscriber) {
	sub.stop()

	b.mu.Lock()
	delete(t.subs, sub.id)
	var ps *redis.PubSub
	if len(t.subs) == 0 {
		if b.topics[pollID] == t {
			delete(b.topics, pollID)
		}
		ps = t.ps
		t.ps = nil
	}
	b.mu.Unlock()

	if ps != nil {
		if err := ps.Close(); err != nil {
			b.logger.Warn("关闭订阅连接失败", zap.String("pollId", pollID), zap.Error(err))
		}
	}
}

// Subscribers 当前实例订阅某个投票的数量
func (b *RedisBus) Subscribers(pollID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[pollID]; ok {
		return len(t.subs)
	}
	return 0
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var conns []*redis.PubSub
	for pollID, t := range b.topics {
		for _, s := range t.subs {
			s.stop()
		}
		if t.ps != nil {
			conns = append(conns, t.ps)
			t.ps = nil
		}
		delete(b.topics, pollID)
	}
	b.mu.Unlock()

	for _, ps := range conns {
		ps.Close()
	}
	return nil
}
