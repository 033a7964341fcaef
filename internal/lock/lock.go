package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockTimeout 在等待时间内没有拿到锁
var ErrLockTimeout = errors.New("获取锁超时")

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 尝试一次获取锁，ttl为锁的过期时间
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放当前实例持有的锁，未持有时返回nil
	ReleaseLock(ctx context.Context, lockName string) error

	// Close 释放所有持有的锁并关闭客户端
	Close() error
}

// Acquire 反复尝试获取锁直到成功、ctx结束或超过wait，成功时返回释放函数
func Acquire(ctx context.Context, l Lock, lockName string, ttl, wait, retryInterval time.Duration) (func(), error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if retryInterval <= 0 {
		retryInterval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.AcquireLock(ctx, lockName, ttl)
		if err != nil {
			return nil, fmt.Errorf("获取锁 %s 失败: %w", lockName, err)
		}
		if ok {
			return func() {
				// 释放不能受调用方ctx取消的影响
				releaseCtx, cancel := context.WithTimeout(context.Background(), ttl)
				defer cancel()
				_ = l.ReleaseLock(releaseCtx, lockName)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("锁 %s: %w", lockName, ErrLockTimeout)
		case <-ticker.C:
		}
	}
}
