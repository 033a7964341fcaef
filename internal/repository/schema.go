package repository

import (
	"context"
	"fmt"
)

// schemaStatements 同时兼容MySQL和SQLite（测试使用），不要使用方言专有语法
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS polls (
		id VARCHAR(36) PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		owner_id VARCHAR(64) NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS poll_options (
		id VARCHAR(36) PRIMARY KEY,
		poll_id VARCHAR(36) NOT NULL,
		title VARCHAR(255) NOT NULL,
		position INT NOT NULL,
		FOREIGN KEY (poll_id) REFERENCES polls(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		id VARCHAR(36) PRIMARY KEY,
		poll_id VARCHAR(36) NOT NULL,
		option_id VARCHAR(36) NOT NULL,
		voter_kind VARCHAR(16) NOT NULL,
		voter_key VARCHAR(64) NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (voter_kind, voter_key, poll_id),
		FOREIGN KEY (poll_id) REFERENCES polls(id) ON DELETE CASCADE,
		FOREIGN KEY (option_id) REFERENCES poll_options(id) ON DELETE CASCADE
	)`,
}

// Migrate 创建缺失的表
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行建表语句失败: %w", err)
		}
	}
	return nil
}
