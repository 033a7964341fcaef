package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

const (
	// Redis键后缀，完整键为 <prefix>poll:<pollID>:tally
	TallyKeySuffix = ":tally"

	scriptDecrement = "decrementTally"

	// 票数不能减到0以下，返回-1表示计数已损坏
	DecrementTallyScript = `
		local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
		if not current then
			return -1
		end
		if current <= 0 then
			return -1
		end
		return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
	`
)

var scriptSources = map[string]string{
	scriptDecrement: DecrementTallyScript,
}

// RedisRepository 票数存储，每个投票一个hash，每个选项一个字段
type RedisRepository struct {
	client    *redis.Client
	keyPrefix string

	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

func NewRedisRepository(ctx context.Context, client *redis.Client, keyPrefix string) (*RedisRepository, error) {
	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		keyPrefix:    keyPrefix,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	for name, src := range scriptSources {
		sha1, err := r.client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		r.mu.Lock()
		r.scriptHashes[name] = sha1
		r.mu.Unlock()
	}
	return nil
}

// TallyKey 投票的票数hash键
func (r *RedisRepository) TallyKey(pollID string) string {
	return r.keyPrefix + "poll:" + pollID + TallyKeySuffix
}

// Increment 选项票数原子加一，返回新票数
func (r *RedisRepository) Increment(ctx context.Context, pollID, optionID string) (int64, error) {
	n, err := r.client.HIncrBy(ctx, r.TallyKey(pollID), optionID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("增加票数失败: %w", err)
	}
	return n, nil
}

// Decrement 使用预加载的Lua脚本原子减一，票数已为0时返回 ErrCorruptedTally
func (r *RedisRepository) Decrement(ctx context.Context, pollID, optionID string) (int64, error) {
	result, err := r.evalScript(ctx, scriptDecrement, []string{r.TallyKey(pollID)}, optionID)
	if err != nil {
		return 0, fmt.Errorf("减少票数失败: %w", err)
	}

	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回类型错误: %T", result)
	}
	if n < 0 {
		return 0, fmt.Errorf("选项 %s 票数已为0: %w", optionID, model.ErrCorruptedTally)
	}
	return n, nil
}

func (r *RedisRepository) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return result, err
	}

	// Redis重启或执行过SCRIPT FLUSH，重新加载后再试一次
	sha1, err = r.client.ScriptLoad(ctx, scriptSources[name]).Result()
	if err != nil {
		return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()

	return r.client.EvalSha(ctx, sha1, keys, args...).Result()
}

// Snapshot 读取投票所有选项的票数
func (r *RedisRepository) Snapshot(ctx context.Context, pollID string) (model.TallySnapshot, error) {
	data, err := r.client.HGetAll(ctx, r.TallyKey(pollID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取票数失败: %w", err)
	}

	snapshot := make(model.TallySnapshot, len(data))
	for optionID, raw := range data {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("解析选项 %s 票数失败: %w", optionID, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("选项 %s 票数为负: %w", optionID, model.ErrCorruptedTally)
		}
		snapshot[optionID] = n
	}
	return snapshot, nil
}

// Reset 用给定票数整体替换投票的计数，MULTI保证读者看不到中间状态
func (r *RedisRepository) Reset(ctx context.Context, pollID string, counts model.TallySnapshot) error {
	key := r.TallyKey(pollID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(counts) == 0 {
			return nil
		}
		values := make(map[string]interface{}, len(counts))
		for optionID, n := range counts {
			values[optionID] = n
		}
		pipe.HSet(ctx, key, values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("重置票数失败: %w", err)
	}
	return nil
}

// Delete 删除投票的计数
func (r *RedisRepository) Delete(ctx context.Context, pollID string) error {
	if err := r.client.Del(ctx, r.TallyKey(pollID)).Err(); err != nil {
		return fmt.Errorf("删除票数失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
