package database

import (
	"context"
	"fmt"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tweets (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		like_count BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS like_flushes (
		token VARCHAR(64) NOT NULL PRIMARY KEY,
		tweet_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		applied_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tweet_hashtags (
		tweet_id BIGINT NOT NULL,
		tag VARCHAR(191) NOT NULL,
		PRIMARY KEY (tweet_id, tag),
		KEY idx_tweet_hashtags_tag (tag)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tweets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		like_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS like_flushes (
		token TEXT NOT NULL PRIMARY KEY,
		tweet_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		applied_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tweet_hashtags (
		tweet_id INTEGER NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (tweet_id, tag)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tweet_hashtags_tag ON tweet_hashtags (tag)`,
}

// EnsureSchema creates the primary store tables if they do not exist yet.
// Timestamps are stored as unix nanoseconds.
func EnsureSchema(ctx context.Context, db core.Database) error {
	var stmts []string
	switch db.Dialect() {
	case core.DialectMySQL:
		stmts = mysqlSchema
	case core.DialectSQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported dialect: %s", db.Dialect())
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
