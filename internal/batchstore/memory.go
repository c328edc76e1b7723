package batchstore

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Compile-time interface check.
var _ core.BatchStore = (*MemoryBatchStore)(nil)

// MemoryBatchStore keeps pending counters in process memory. Pending likes
// are lost on restart, so it is meant for tests and single-node demos.
type MemoryBatchStore struct {
	pending *xsync.MapOf[int64, core.BatchCounter]
	claims  *xsync.MapOf[string, core.FlushClaim]
	closed  atomic.Bool
}

// NewMemoryBatchStore creates an empty in-memory batch store.
func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{
		pending: xsync.NewMapOf[int64, core.BatchCounter](),
		claims:  xsync.NewMapOf[string, core.FlushClaim](),
	}
}

func (m *MemoryBatchStore) Increment(ctx context.Context, tweetID int64, now time.Time) (int64, error) {
	if m.closed.Load() {
		return 0, core.ErrStoreClosed
	}
	counter, _ := m.pending.Compute(tweetID, func(old core.BatchCounter, loaded bool) (core.BatchCounter, bool) {
		if !loaded {
			return core.BatchCounter{TweetID: tweetID, PendingCount: 1, FirstSeenAt: now}, false
		}
		old.PendingCount++
		return old, false
	})
	return counter.PendingCount, nil
}

func (m *MemoryBatchStore) Get(ctx context.Context, tweetID int64) (*core.BatchCounter, error) {
	if m.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	counter, ok := m.pending.Load(tweetID)
	if !ok {
		return nil, nil
	}
	return &counter, nil
}

func (m *MemoryBatchStore) Due(ctx context.Context, now time.Time, policy core.FlushPolicy) ([]core.BatchCounter, error) {
	if m.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	var due []core.BatchCounter
	m.pending.Range(func(_ int64, c core.BatchCounter) bool {
		if policy.Due(c, now) {
			due = append(due, c)
		}
		return true
	})
	sortCounters(due)
	return due, nil
}

func (m *MemoryBatchStore) Claim(ctx context.Context, tweetID int64, token string, now time.Time) (*core.FlushClaim, error) {
	if m.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	counter, ok := m.pending.LoadAndDelete(tweetID)
	if !ok {
		return nil, nil
	}
	claim := core.FlushClaim{
		Token:       token,
		TweetID:     tweetID,
		Count:       counter.PendingCount,
		FirstSeenAt: counter.FirstSeenAt,
		ClaimedAt:   now,
	}
	m.claims.Store(token, claim)
	return &claim, nil
}

func (m *MemoryBatchStore) Claims(ctx context.Context) ([]core.FlushClaim, error) {
	if m.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	var claims []core.FlushClaim
	m.claims.Range(func(_ string, c core.FlushClaim) bool {
		claims = append(claims, c)
		return true
	})
	sortClaims(claims)
	return claims, nil
}

func (m *MemoryBatchStore) Release(ctx context.Context, token string) error {
	if m.closed.Load() {
		return core.ErrStoreClosed
	}
	m.claims.Delete(token)
	return nil
}

func (m *MemoryBatchStore) Close() error {
	m.closed.Store(true)
	return nil
}

func sortCounters(counters []core.BatchCounter) {
	sort.Slice(counters, func(i, j int) bool { return counters[i].TweetID < counters[j].TweetID })
}

func sortClaims(claims []core.FlushClaim) {
	sort.Slice(claims, func(i, j int) bool {
		if !claims[i].ClaimedAt.Equal(claims[j].ClaimedAt) {
			return claims[i].ClaimedAt.Before(claims[j].ClaimedAt)
		}
		return claims[i].Token < claims[j].Token
	})
}

// MemoryFactory creates MemoryBatchStore instances.
type MemoryFactory struct{}

func (f *MemoryFactory) Type() string {
	return "memory"
}

func (f *MemoryFactory) Validate(cfg config.BatchStoreConfig) error {
	return nil
}

func (f *MemoryFactory) Create(cfg config.BatchStoreConfig, logger *logrus.Logger) (core.BatchStore, error) {
	logger.WithField("component", "batch-store").Warn("using in-memory batch store, pending likes are lost on restart")
	return NewMemoryBatchStore(), nil
}

func init() {
	RegisterFactory(&MemoryFactory{})
}
