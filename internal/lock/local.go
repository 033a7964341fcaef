package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock 进程内锁，只能保证单实例内的互斥
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]time.Time // 锁名 -> 过期时间
	now   func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *LocalLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, held := l.locks[lockName]; held && now.Before(expiresAt) {
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) ReleaseLock(_ context.Context, lockName string) error {
	l.mu.Lock()
	delete(l.locks, lockName)
	l.mu.Unlock()
	return nil
}

func (l *LocalLock) Close() error {
	l.mu.Lock()
	l.locks = make(map[string]time.Time)
	l.mu.Unlock()
	return nil
}
