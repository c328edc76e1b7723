package likebatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/likebatch/internal/batchstore"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// failingStore fails every call.
type failingStore struct {
	core.BatchStore
	err error
}

func (s failingStore) Increment(ctx context.Context, tweetID int64, now time.Time) (int64, error) {
	return 0, s.err
}

func (s failingStore) Get(ctx context.Context, tweetID int64) (*core.BatchCounter, error) {
	return nil, s.err
}

func TestIntake_RecordLike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.intake.RecordLike(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	f.clock.Advance(30 * time.Second)
	pending, err = f.intake.RecordLike(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	counter, err := f.batches.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, counter)
	assert.Equal(t, int64(2), counter.PendingCount)
	assert.True(t, counter.FirstSeenAt.Equal(t0), "first like time must not move")
}

func TestIntake_RecordLikeAt(t *testing.T) {
	testCases := []struct {
		desc      string
		likedAt   time.Time
		wantFirst time.Time
	}{
		{desc: "past publish time", likedAt: t0.Add(-45 * time.Second), wantFirst: t0.Add(-45 * time.Second)},
		{desc: "zero time", likedAt: time.Time{}, wantFirst: t0},
		{desc: "future time", likedAt: t0.Add(time.Hour), wantFirst: t0},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.intake.RecordLikeAt(ctx, 42, tC.likedAt)
			require.NoError(t, err)

			counter, err := f.batches.Get(ctx, 42)
			require.NoError(t, err)
			require.NotNil(t, counter)
			assert.True(t, counter.FirstSeenAt.Equal(tC.wantFirst), "got %s", counter.FirstSeenAt)
		})
	}
}

func TestIntake_ReplayedLikeFlushesByPublishAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertTweet(t, 42)

	// published 61s ago, consumed only now
	_, err := f.intake.RecordLikeAt(ctx, 42, t0.Add(-61*time.Second))
	require.NoError(t, err)

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Flushed: 1, Likes: 1}, report)
	assert.Equal(t, int64(1), f.likeCount(t, 42))
}

func TestIntake_Accumulates(t *testing.T) {
	testCases := []struct {
		desc  string
		likes int
	}{
		{desc: "single like", likes: 1},
		{desc: "below flush size", likes: 9},
		{desc: "many likes", likes: 250},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			f := newFixture(t)
			f.like(t, 7, tC.likes)
			assert.Equal(t, int64(tC.likes), f.pending(t, 7))
		})
	}
}

func TestIntake_ConcurrentLikes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := f.intake.RecordLike(ctx, 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), f.pending(t, 3))
}

func TestIntake_InvalidTweetID(t *testing.T) {
	f := newFixture(t)

	for _, id := range []int64{0, -5} {
		_, err := f.intake.RecordLike(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidTweetID)
	}

	counters, err := f.batches.Due(context.Background(), t0.Add(time.Hour), core.FlushPolicy{Size: 1, Age: time.Nanosecond})
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func TestIntake_StoreFailureIsTransient(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("connection refused")
	intake := NewIntake(failingStore{err: boom}, nil, logger, prometheus.NewRegistry())

	_, err := intake.RecordLike(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = intake.Pending(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestIntake_ClosedStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := batchstore.NewMemoryBatchStore()
	require.NoError(t, store.Close())

	intake := NewIntake(store, nil, logger, prometheus.NewRegistry())
	_, err := intake.RecordLike(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestIntake_PendingAbsent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(0), f.pending(t, 99))
}
