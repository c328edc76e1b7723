package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Compile-time interface check.
var _ core.TweetStore = (*SQLTweetStore)(nil)

const tweetColumns = "id, user_id, content, like_count, created_at"

// SQLTweetStore is the primary store for tweets, backed by MySQL or SQLite.
type SQLTweetStore struct {
	db     core.Database
	logger *logrus.Entry
	now    func() time.Time
}

// NewSQLTweetStore creates the tweet store on db. The schema must already
// exist, see EnsureSchema.
func NewSQLTweetStore(db core.Database, logger *logrus.Logger) *SQLTweetStore {
	return &SQLTweetStore{
		db:     db,
		logger: logger.WithField("component", "tweet-store"),
		now:    time.Now,
	}
}

func (s *SQLTweetStore) CreateTweet(ctx context.Context, userID int64, content string) (*core.Tweet, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	createdAt := s.now().UTC()
	result, err := tx.Exec(ctx,
		"INSERT INTO tweets (user_id, content, like_count, created_at) VALUES (?, ?, 0, ?)",
		userID, content, createdAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert tweet: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read tweet id: %w", err)
	}

	if err := replaceHashtags(ctx, tx, id, content); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tweet: %w", err)
	}

	return &core.Tweet{
		ID:        id,
		UserID:    userID,
		Content:   content,
		LikeCount: 0,
		CreatedAt: createdAt,
	}, nil
}

// UpdateTweet replaces the content of a tweet and re-indexes its hashtags.
// The like count is left alone.
func (s *SQLTweetStore) UpdateTweet(ctx context.Context, id int64, content string) (*core.Tweet, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// MySQL reports zero affected rows for an unchanged value, so existence
	// is checked with a read.
	tweet, err := scanTweet(tx.QueryRow(ctx, "SELECT "+tweetColumns+" FROM tweets WHERE id = ?", id))
	if errors.Is(err, core.ErrNoRows) {
		return nil, core.ErrTweetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tweet %d: %w", id, err)
	}

	if _, err := tx.Exec(ctx, "UPDATE tweets SET content = ? WHERE id = ?", content, id); err != nil {
		return nil, fmt.Errorf("failed to update tweet %d: %w", id, err)
	}
	if err := replaceHashtags(ctx, tx, id, content); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tweet %d: %w", id, err)
	}

	tweet.Content = content
	return tweet, nil
}

// DeleteTweet removes a tweet and its hashtags. Likes still pending for it
// are dropped by the reconciler on their next flush.
func (s *SQLTweetStore) DeleteTweet(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ctx, "DELETE FROM tweet_hashtags WHERE tweet_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete hashtags of tweet %d: %w", id, err)
	}
	result, err := tx.Exec(ctx, "DELETE FROM tweets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete tweet %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return core.ErrTweetNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of tweet %d: %w", id, err)
	}
	s.logger.WithField("tweet_id", id).Info("tweet deleted")
	return nil
}

func (s *SQLTweetStore) GetTweet(ctx context.Context, id int64) (*core.Tweet, error) {
	row := s.db.QueryRow(ctx, "SELECT "+tweetColumns+" FROM tweets WHERE id = ?", id)
	tweet, err := scanTweet(row)
	if errors.Is(err, core.ErrNoRows) {
		return nil, core.ErrTweetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tweet %d: %w", id, err)
	}
	return tweet, nil
}

func (s *SQLTweetStore) ListTweets(ctx context.Context, limit int) ([]core.Tweet, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+tweetColumns+" FROM tweets ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tweets: %w", err)
	}
	return collectTweets(rows)
}

func (s *SQLTweetStore) SearchTweets(ctx context.Context, query string, limit int) ([]core.Tweet, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.Query(ctx,
		"SELECT "+tweetColumns+" FROM tweets WHERE LOWER(content) LIKE ? ESCAPE '!' ORDER BY created_at DESC, id DESC LIMIT ?",
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search tweets: %w", err)
	}
	return collectTweets(rows)
}

// SearchHashtags returns tweets carrying a hashtag that contains query,
// case-insensitively.
func (s *SQLTweetStore) SearchHashtags(ctx context.Context, query string, limit int) ([]core.Tweet, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimPrefix(query, "#"))) + "%"
	rows, err := s.db.Query(ctx,
		"SELECT "+tweetColumns+" FROM tweets WHERE id IN (SELECT tweet_id FROM tweet_hashtags WHERE tag LIKE ? ESCAPE '!') ORDER BY created_at DESC, id DESC LIMIT ?",
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search hashtags: %w", err)
	}
	return collectTweets(rows)
}

func (s *SQLTweetStore) TweetExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, "SELECT 1 FROM tweets WHERE id = ?", id).Scan(&one)
	if errors.Is(err, core.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tweet %d: %w", id, err)
	}
	return true, nil
}

// ApplyFlush adds the claimed likes to the tweet and records the claim
// token in one transaction. If the tweet no longer exists nothing is
// written and core.ErrTweetNotFound is returned.
func (s *SQLTweetStore) ApplyFlush(ctx context.Context, claim core.FlushClaim) (bool, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(ctx, "SELECT 1 FROM like_flushes WHERE token = ?", claim.Token).Scan(&one)
	switch {
	case err == nil:
		s.logger.WithFields(logrus.Fields{
			"tweet_id": claim.TweetID,
			"token":    claim.Token,
		}).Info("flush already applied, skipping")
		return false, nil
	case !errors.Is(err, core.ErrNoRows):
		return false, fmt.Errorf("failed to look up flush token: %w", err)
	}

	result, err := tx.Exec(ctx,
		"UPDATE tweets SET like_count = like_count + ? WHERE id = ?", claim.Count, claim.TweetID)
	if err != nil {
		return false, fmt.Errorf("failed to increment like count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, core.ErrTweetNotFound
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO like_flushes (token, tweet_id, amount, applied_at) VALUES (?, ?, ?, ?)",
		claim.Token, claim.TweetID, claim.Count, s.now().UnixNano()); err != nil {
		return false, fmt.Errorf("failed to record flush token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit flush: %w", err)
	}
	return true, nil
}

func (s *SQLTweetStore) Close() error {
	return s.db.Close()
}

func scanTweet(row core.Row) (*core.Tweet, error) {
	var (
		t         core.Tweet
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Content, &t.LikeCount, &createdAt); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return &t, nil
}

func collectTweets(rows core.Rows) ([]core.Tweet, error) {
	defer rows.Close()

	tweets := make([]core.Tweet, 0)
	for rows.Next() {
		t, err := scanTweet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tweet: %w", err)
		}
		tweets = append(tweets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tweets: %w", err)
	}
	return tweets, nil
}

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// Hashtags returns the distinct lower-cased hashtags of content in order of
// first appearance.
func Hashtags(content string) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, m := range hashtagPattern.FindAllStringSubmatch(content, -1) {
		tag := strings.ToLower(m[1])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func replaceHashtags(ctx context.Context, tx core.Transaction, tweetID int64, content string) error {
	if _, err := tx.Exec(ctx, "DELETE FROM tweet_hashtags WHERE tweet_id = ?", tweetID); err != nil {
		return fmt.Errorf("failed to clear hashtags of tweet %d: %w", tweetID, err)
	}
	for _, tag := range Hashtags(content) {
		if _, err := tx.Exec(ctx,
			"INSERT INTO tweet_hashtags (tweet_id, tag) VALUES (?, ?)", tweetID, tag); err != nil {
			return fmt.Errorf("failed to index hashtag %q: %w", tag, err)
		}
	}
	return nil
}

// escapeLike escapes LIKE wildcards using '!' as the escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
