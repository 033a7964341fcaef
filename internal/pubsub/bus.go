// Package pubsub 按投票分组的票数变化广播
package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("广播总线已关闭")

// Handler 处理一条票数变化，每个订阅者的回调串行执行
type Handler func(evt model.DeltaEvent)

// Subscription 订阅句柄，Unsubscribe可重复调用
type Subscription interface {
	Unsubscribe()
}

// Bus 票数变化广播总线
type Bus interface {
	Publish(ctx context.Context, pollID string, evt model.DeltaEvent) error
	Subscribe(ctx context.Context, pollID string, handler Handler) (Subscription, error)
	Close() error
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// subscriber 每个订阅者一个有界队列和一个投递goroutine，
// 队列满时丢弃事件，发布方不会被慢订阅者阻塞
type subscriber struct {
	id      uint64
	pollID  string
	handler Handler
	queue   chan model.DeltaEvent
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

func newSubscriber(id uint64, pollID string, handler Handler, bufferSize int, logger *zap.Logger) *subscriber {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &subscriber{
		id:      id,
		pollID:  pollID,
		handler: handler,
		queue:   make(chan model.DeltaEvent, bufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go s.run()
	return s
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.queue:
			// 取消订阅后不再回调
			select {
			case <-s.done:
				return
			default:
			}
			s.invoke(evt)
		}
	}
}

func (s *subscriber) invoke(evt model.DeltaEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("订阅回调panic", zap.String("pollId", s.pollID), zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}

// deliver 非阻塞入队
func (s *subscriber) deliver(evt model.DeltaEvent) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- evt:
	default:
		s.logger.Warn("订阅者队列已满，丢弃事件",
			zap.String("pollId", s.pollID),
			zap.Uint64("subscriber", s.id),
			zap.String("pollOptionId", evt.PollOptionID))
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// hub 进程内的订阅表，MemoryBus和KafkaBus共用
type hub struct {
	mu         sync.RWMutex
	topics     map[string]map[uint64]*subscriber
	nextID     uint64
	bufferSize int
	closed     bool
	logger     *zap.Logger
}

func newHub(bufferSize int, logger *zap.Logger) *hub {
	return &hub{
		topics:     make(map[string]map[uint64]*subscriber),
		bufferSize: bufferSize,
		logger:     logging.OrNop(logger),
	}
}

func (h *hub) add(pollID string, handler Handler) (*subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrBusClosed
	}

	h.nextID++
	sub := newSubscriber(h.nextID, pollID, handler, h.bufferSize, h.logger)
	subs, ok := h.topics[pollID]
	if !ok {
		subs = make(map[uint64]*subscriber)
		h.topics[pollID] = subs
	}
	subs[sub.id] = sub

	return &subscription{cancel: func() { h.remove(sub) }}, nil
}

func (h *hub) remove(sub *subscriber) {
	sub.stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.pollID]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.topics, sub.pollID)
	}
}

func (h *hub) dispatch(pollID string, evt model.DeltaEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.topics[pollID] {
		sub.deliver(evt)
	}
}

func (h *hub) count(pollID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[pollID])
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for pollID, subs := range h.topics {
		for _, sub := range subs {
			sub.stop()
		}
		delete(h.topics, pollID)
	}
}
