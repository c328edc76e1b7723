package batchstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
	"github.com/rzpsarthak13/likebatch/internal/database"
)

// Compile-time interface check.
var _ core.BatchStore = (*SQLiteBatchStore)(nil)

var sqliteBatchSchema = []string{
	`CREATE TABLE IF NOT EXISTS batch_counters (
		tweet_id INTEGER PRIMARY KEY,
		pending_count INTEGER NOT NULL,
		first_seen_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batch_claims (
		token TEXT PRIMARY KEY,
		tweet_id INTEGER NOT NULL,
		pending_count INTEGER NOT NULL,
		first_seen_at INTEGER NOT NULL,
		claimed_at INTEGER NOT NULL
	)`,
}

// SQLiteBatchStore keeps pending counters in a local SQLite file separate
// from the primary store. Timestamps are unix nanoseconds.
type SQLiteBatchStore struct {
	db     core.Database
	logger *logrus.Entry
}

// NewSQLiteBatchStore creates the batch tables on db if needed.
func NewSQLiteBatchStore(ctx context.Context, db core.Database, logger *logrus.Logger) (*SQLiteBatchStore, error) {
	if db.Dialect() != core.DialectSQLite {
		return nil, fmt.Errorf("sqlite batch store needs a sqlite database, got %s", db.Dialect())
	}
	for _, stmt := range sqliteBatchSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create batch schema: %w", err)
		}
	}
	return &SQLiteBatchStore{
		db:     db,
		logger: logger.WithField("component", "batch-store").WithField("backend", "sqlite"),
	}, nil
}

func (s *SQLiteBatchStore) Increment(ctx context.Context, tweetID int64, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO batch_counters (tweet_id, pending_count, first_seen_at) VALUES (?, 1, ?)
		ON CONFLICT(tweet_id) DO UPDATE SET pending_count = pending_count + 1
		RETURNING pending_count`,
		tweetID, now.UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment batch counter %d: %w", tweetID, err)
	}
	return count, nil
}

func (s *SQLiteBatchStore) Get(ctx context.Context, tweetID int64) (*core.BatchCounter, error) {
	var count, firstSeen int64
	err := s.db.QueryRow(ctx,
		"SELECT pending_count, first_seen_at FROM batch_counters WHERE tweet_id = ?", tweetID).
		Scan(&count, &firstSeen)
	if errors.Is(err, core.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch counter %d: %w", tweetID, err)
	}
	return &core.BatchCounter{
		TweetID:      tweetID,
		PendingCount: count,
		FirstSeenAt:  time.Unix(0, firstSeen).UTC(),
	}, nil
}

// Due selects with the same predicate as core.FlushPolicy.Due, evaluated
// in SQL.
func (s *SQLiteBatchStore) Due(ctx context.Context, now time.Time, policy core.FlushPolicy) ([]core.BatchCounter, error) {
	size := policy.Size
	if size <= 0 {
		size = -1
	}
	rows, err := s.db.Query(ctx,
		`SELECT tweet_id, pending_count, first_seen_at FROM batch_counters
		WHERE (? > 0 AND pending_count >= ?) OR first_seen_at <= ?
		ORDER BY tweet_id`,
		size, size, now.Add(-policy.Age).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to select due counters: %w", err)
	}
	defer rows.Close()

	var due []core.BatchCounter
	for rows.Next() {
		var (
			c         core.BatchCounter
			firstSeen int64
		)
		if err := rows.Scan(&c.TweetID, &c.PendingCount, &firstSeen); err != nil {
			return nil, fmt.Errorf("failed to scan batch counter: %w", err)
		}
		c.FirstSeenAt = time.Unix(0, firstSeen).UTC()
		due = append(due, c)
	}
	return due, rows.Err()
}

func (s *SQLiteBatchStore) Claim(ctx context.Context, tweetID int64, token string, now time.Time) (*core.FlushClaim, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var count, firstSeen int64
	err = tx.QueryRow(ctx,
		"SELECT pending_count, first_seen_at FROM batch_counters WHERE tweet_id = ?", tweetID).
		Scan(&count, &firstSeen)
	if errors.Is(err, core.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch counter %d: %w", tweetID, err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM batch_counters WHERE tweet_id = ?", tweetID); err != nil {
		return nil, fmt.Errorf("failed to clear batch counter %d: %w", tweetID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO batch_claims (token, tweet_id, pending_count, first_seen_at, claimed_at)
		VALUES (?, ?, ?, ?, ?)`,
		token, tweetID, count, firstSeen, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to record claim for %d: %w", tweetID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim for %d: %w", tweetID, err)
	}

	return &core.FlushClaim{
		Token:       token,
		TweetID:     tweetID,
		Count:       count,
		FirstSeenAt: time.Unix(0, firstSeen).UTC(),
		ClaimedAt:   now,
	}, nil
}

func (s *SQLiteBatchStore) Claims(ctx context.Context) ([]core.FlushClaim, error) {
	rows, err := s.db.Query(ctx,
		`SELECT token, tweet_id, pending_count, first_seen_at, claimed_at FROM batch_claims
		ORDER BY claimed_at, token`)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var claims []core.FlushClaim
	for rows.Next() {
		var (
			c                    core.FlushClaim
			firstSeen, claimedAt int64
		)
		if err := rows.Scan(&c.Token, &c.TweetID, &c.Count, &firstSeen, &claimedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		c.FirstSeenAt = time.Unix(0, firstSeen).UTC()
		c.ClaimedAt = time.Unix(0, claimedAt).UTC()
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func (s *SQLiteBatchStore) Release(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM batch_claims WHERE token = ?", token); err != nil {
		return fmt.Errorf("failed to release claim %s: %w", token, err)
	}
	return nil
}

func (s *SQLiteBatchStore) Close() error {
	return s.db.Close()
}

// SQLiteFactory creates SQLiteBatchStore instances.
type SQLiteFactory struct{}

func (f *SQLiteFactory) Type() string {
	return "sqlite"
}

func (f *SQLiteFactory) Validate(cfg config.BatchStoreConfig) error {
	if cfg.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	return nil
}

func (f *SQLiteFactory) Create(cfg config.BatchStoreConfig, logger *logrus.Logger) (core.BatchStore, error) {
	db, err := database.NewSQLiteDatabase(cfg.SQLite.Path, logger)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLiteBatchStore(context.Background(), db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func init() {
	RegisterFactory(&SQLiteFactory{})
}
