package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreClosed is returned by stores that have been closed.
	ErrStoreClosed = errors.New("store is closed")

	// ErrClaimConflict is returned when a claim races with a concurrent
	// increment and should be retried by the caller.
	ErrClaimConflict = errors.New("batch counter changed during claim")
)

// BatchCounter is the pending, not yet applied like count of a single tweet.
// At most one exists per tweet and PendingCount is at least 1 while it does.
type BatchCounter struct {
	TweetID      int64     `json:"tweet_id"`
	PendingCount int64     `json:"pending_count"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
}

// FlushClaim is a batch counter taken out of the pending set by the
// reconciler. It stays in the batch store until the primary store has
// recorded its token, so a crashed flush can be replayed without applying
// the same likes twice.
type FlushClaim struct {
	Token       string    `json:"token"`
	TweetID     int64     `json:"tweet_id"`
	Count       int64     `json:"count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

// FlushPolicy decides when a batch counter is ready to be flushed.
type FlushPolicy struct {
	// Size flushes a counter once it holds at least this many likes.
	Size int64

	// Age flushes a counter once its first like is at least this old.
	Age time.Duration
}

// Due reports whether the counter meets either threshold at now.
func (p FlushPolicy) Due(c BatchCounter, now time.Time) bool {
	if p.Size > 0 && c.PendingCount >= p.Size {
		return true
	}
	return now.Sub(c.FirstSeenAt) >= p.Age
}

// BatchStore holds pending like counters between intake and reconciliation.
// Every method must be safe for concurrent use.
type BatchStore interface {
	// Increment atomically adds one like for the tweet, creating the counter
	// with FirstSeenAt = now when absent. Returns the new pending count.
	Increment(ctx context.Context, tweetID int64, now time.Time) (int64, error)

	// Get returns the pending counter for the tweet, or nil if there is none.
	Get(ctx context.Context, tweetID int64) (*BatchCounter, error)

	// Due returns every pending counter that the policy selects at now.
	Due(ctx context.Context, now time.Time, policy FlushPolicy) ([]BatchCounter, error)

	// Claim atomically removes the tweet's pending counter and records it as
	// a flush claim under token. Returns nil if there was nothing to claim.
	Claim(ctx context.Context, tweetID int64, token string, now time.Time) (*FlushClaim, error)

	// Claims lists flush claims that have not been released yet.
	Claims(ctx context.Context) ([]FlushClaim, error)

	// Release deletes a flush claim once its likes are in the primary store.
	Release(ctx context.Context, token string) error

	// Close releases the resources held by the store.
	Close() error
}
