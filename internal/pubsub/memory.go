package pubsub

import (
	"context"

	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

// MemoryBus 进程内广播，只适用于单实例部署和测试
type MemoryBus struct {
	hub *hub
}

func NewMemoryBus(bufferSize int, logger *zap.Logger) *MemoryBus {
	return &MemoryBus{hub: newHub(bufferSize, logging.OrNop(logger))}
}

func (b *MemoryBus) Publish(ctx context.Context, pollID string, evt model.DeltaEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.dispatch(pollID, evt)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pollID string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.hub.add(pollID, handler)
}

// Subscribers 当前订阅某个投票的数量
func (b *MemoryBus) Subscribers(pollID string) int {
	return b.hub.count(pollID)
}

func (b *MemoryBus) Close() error {
	b.hub.close()
	return nil
}
