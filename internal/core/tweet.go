package core

import (
	"context"
	"errors"
	"time"
)

// ErrTweetNotFound is returned when a tweet id does not exist in the primary store.
var ErrTweetNotFound = errors.New("tweet not found")

// Tweet is a tweet row of the primary store. LikeCount only ever grows and
// is only changed by applying flush claims.
type Tweet struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	LikeCount int64     `json:"like_count"`
	CreatedAt time.Time `json:"created_at"`
}

// TweetStore is the primary store of record for tweets and their like counts.
type TweetStore interface {
	// CreateTweet inserts a tweet with a zero like count.
	CreateTweet(ctx context.Context, userID int64, content string) (*Tweet, error)

	// UpdateTweet replaces the content of a tweet. It returns
	// ErrTweetNotFound when the id does not exist.
	UpdateTweet(ctx context.Context, id int64, content string) (*Tweet, error)

	// DeleteTweet returns ErrTweetNotFound when the id does not exist.
	DeleteTweet(ctx context.Context, id int64) error

	// GetTweet returns ErrTweetNotFound when the id does not exist.
	GetTweet(ctx context.Context, id int64) (*Tweet, error)

	// ListTweets returns the newest tweets first.
	ListTweets(ctx context.Context, limit int) ([]Tweet, error)

	// SearchTweets matches content case-insensitively.
	SearchTweets(ctx context.Context, query string, limit int) ([]Tweet, error)

	// SearchHashtags returns tweets with a hashtag containing query.
	SearchHashtags(ctx context.Context, query string, limit int) ([]Tweet, error)

	// TweetExists reports whether the id exists.
	TweetExists(ctx context.Context, id int64) (bool, error)

	// ApplyFlush adds claim.Count to the tweet's like count and records the
	// claim token in the same transaction. A token that was recorded before
	// is not applied again and applied is false.
	ApplyFlush(ctx context.Context, claim FlushClaim) (applied bool, err error)

	// Close releases the underlying connection pool.
	Close() error
}
