package notify

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/logging"
	"go.uber.org/zap"
)

// Dispatcher 在独立goroutine中投递通知，调用方不等待结果
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		timeout:  timeout,
		logger:   logging.OrNop(logger),
	}
}

// Send 投递失败只记录日志
func (d *Dispatcher) Send(userID, pollID, message string) {
	if d == nil || d.notifier == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, userID, pollID, message); err != nil {
			d.logger.Warn("发送通知失败",
				zap.String("userId", userID),
				zap.String("pollId", pollID),
				zap.Error(err))
		}
	}()
}

// Wait 等待已发出的通知完成
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
