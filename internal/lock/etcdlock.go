package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 租约最短1秒
const minLeaseTTL = 1

// EtcdLock 基于租约和事务的分布式锁
type EtcdLock struct {
	client *clientv3.Client
	mu     sync.Mutex            // 保护locks
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock(cfg config.ETCDConfig, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdLock{
		client: cli,
		locks:  make(map[string]*lockEntry),
	}, nil
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < minLeaseTTL {
		return minLeaseTTL
	}
	return secs
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	_, held := el.locks[lockName]
	el.mu.Unlock()
	// 同实例的另一个请求持有该锁，等它释放
	if held {
		return false, nil
	}

	key := fmt.Sprintf("/locks/%s", lockName)

	// 创建租约
	grantResp, err := el.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	// 键不存在时才写入
	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}
	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return false, nil
	}

	el.mu.Lock()
	if _, held := el.locks[lockName]; held {
		// 同实例并发获取同名锁时以先登记者为准
		el.mu.Unlock()
		el.revoke(grantResp.ID)
		return false, nil
	}
	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	el.mu.Unlock()

	// 启动自动续约
	go el.keepAlive(keepAliveCtx, grantResp.ID, ttl)
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	entry, ok := el.locks[lockName]
	delete(el.locks, lockName)
	el.mu.Unlock()
	if !ok {
		return nil
	}
	return el.release(ctx, entry)
}

func (el *EtcdLock) Close() error {
	el.mu.Lock()
	held := el.locks
	el.locks = make(map[string]*lockEntry)
	el.mu.Unlock()

	for _, entry := range held {
		_ = el.release(context.Background(), entry)
	}
	return el.client.Close()
}

// keepAlive 持锁期间定期续约
func (el *EtcdLock) keepAlive(ctx context.Context, leaseID clientv3.LeaseID, ttl time.Duration) {
	interval := time.Duration(leaseSeconds(ttl)) * time.Second / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (el *EtcdLock) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = el.client.Revoke(ctx, leaseID)
}

// release 停止续约并删除键，租约已过期不算错误
func (el *EtcdLock) release(ctx context.Context, entry *lockEntry) error {
	entry.cancel()

	if _, err := el.client.Delete(ctx, entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}
