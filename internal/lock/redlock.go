package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"go.uber.org/zap"
)

// 只删除/续期自己持有的锁
const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type RedLock struct {
	clients []*redis.Client
	addrs   []string
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 为每个锁节点创建独立的Redis客户端
func NewRedLock(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedLock, error) {
	logger = logging.OrNop(logger)

	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		// 测试连接
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("Redis锁节点连接测试失败", zap.String("addr", addr), zap.Error(err))
			// 关闭已创建的客户端
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, cfg.LockAddresses, logger), nil
}

// NewRedLockWithClients 使用已建立的客户端，addrs只用于日志
func NewRedLockWithClients(clients []*redis.Client, addrs []string, logger *zap.Logger) *RedLock {
	return &RedLock{
		clients: clients,
		addrs:   addrs,
		logger:  logging.OrNop(logger),
		locks:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

func (r *RedLock) addr(i int) string {
	if i < len(r.addrs) {
		return r.addrs[i]
	}
	return fmt.Sprintf("#%d", i)
}

// AcquireLock Redlock算法: 尝试在多数节点上获取锁
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	success := 0
	start := time.Now()

	for i, client := range r.clients {
		ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
		if err != nil {
			r.logger.Warn("在节点获取锁失败", zap.String("node", r.addr(i)), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if ok {
			success++
		}
	}

	// 判断是否在多数节点获取成功，且锁仍在有效期内
	validityTime := ttl - time.Since(start)
	if success >= r.quorum() && validityTime > 0 {
		r.mu.Lock()
		r.locks[lockName] = token
		r.mu.Unlock()
		return true, nil
	}

	// 获取失败，释放所有节点上的锁
	r.unlockAll(ctx, lockName, token)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !exists {
		return nil
	}

	r.unlockAll(ctx, lockName, token)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, lockName string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			r.logger.Warn("在节点释放锁失败", zap.String("node", r.addr(i)), zap.String("lock", lockName), zap.Error(err))
		}
	}
}

// Close 释放所有持有的锁并关闭客户端
func (r *RedLock) Close() error {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	ctx := context.Background()
	for name, token := range held {
		r.unlockAll(ctx, name, token)
	}

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("关闭Redis客户端失败", zap.Error(err))
		}
	}
	return nil
}
