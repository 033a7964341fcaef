// Package testutil 测试辅助：SQLite账本、miniredis和投票数据
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	_ "modernc.org/sqlite"
)

// NewLedger 基于临时SQLite文件创建账本并建表。
// SQLite只允许一个写者，连接池限制为1，事务天然串行。
func NewLedger(t *testing.T) *repository.MySQLRepository {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := repository.NewMySQLRepositoryWithDB(db, nil, nil)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return repo
}

// NewRedis 启动miniredis并返回连接它的客户端
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// NewTallyStore 基于miniredis的票数存储
func NewTallyStore(t *testing.T) (*miniredis.Miniredis, *repository.RedisRepository) {
	t.Helper()

	mr, client := NewRedis(t)
	store, err := repository.NewRedisRepository(context.Background(), client, "test:")
	if err != nil {
		t.Fatalf("Failed to create tally store: %v", err)
	}
	return mr, store
}

// SeedUser 写入一个用户
func SeedUser(t *testing.T, ledger *repository.MySQLRepository, id, name string) model.User {
	t.Helper()

	user := model.User{ID: id, Name: name}
	if err := ledger.CreateUser(context.Background(), &user); err != nil {
		t.Fatalf("Failed to seed user %s: %v", id, err)
	}
	return user
}

// SeedPoll 写入一个投票，选项按传入顺序
func SeedPoll(t *testing.T, ledger *repository.MySQLRepository, ownerID, title string, options ...string) *model.Poll {
	t.Helper()

	poll := &model.Poll{Title: title, OwnerID: ownerID}
	for _, o := range options {
		poll.Options = append(poll.Options, model.Option{Title: o})
	}
	if err := ledger.CreatePoll(context.Background(), poll); err != nil {
		t.Fatalf("Failed to seed poll: %v", err)
	}
	return poll
}

// OptionID 按标题查找选项ID
func OptionID(t *testing.T, poll *model.Poll, title string) string {
	t.Helper()

	for _, o := range poll.Options {
		if o.Title == title {
			return o.ID
		}
	}
	t.Fatalf("option %q not found in poll %s", title, poll.ID)
	return ""
}
