package batchstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

var t0 = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

// testBatchStore runs the behaviour every backend has to provide.
func testBatchStore(t *testing.T, newStore func(t *testing.T) core.BatchStore) {
	t.Run("increment creates then grows", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		n, err := store.Increment(ctx, 42, t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.Increment(ctx, 42, t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		c, err := store.Get(ctx, 42)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, int64(42), c.TweetID)
		assert.Equal(t, int64(2), c.PendingCount)
		assert.True(t, t0.Equal(c.FirstSeenAt), "first seen must not move on later likes")
	})

	t.Run("get absent", func(t *testing.T) {
		store := newStore(t)
		c, err := store.Get(context.Background(), 7)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("due selects by size or age", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		policy := core.FlushPolicy{Size: 10, Age: time.Minute}

		for i := 0; i < 10; i++ {
			_, err := store.Increment(ctx, 1, t0)
			require.NoError(t, err)
		}
		for i := 0; i < 3; i++ {
			_, err := store.Increment(ctx, 2, t0.Add(-61*time.Second))
			require.NoError(t, err)
		}
		_, err := store.Increment(ctx, 3, t0.Add(-10*time.Second))
		require.NoError(t, err)

		due, err := store.Due(ctx, t0, policy)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, int64(1), due[0].TweetID)
		assert.Equal(t, int64(10), due[0].PendingCount)
		assert.Equal(t, int64(2), due[1].TweetID)
		assert.Equal(t, int64(3), due[1].PendingCount)
	})

	t.Run("claim takes and clears", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			_, err := store.Increment(ctx, 42, t0)
			require.NoError(t, err)
		}

		claim, err := store.Claim(ctx, 42, "tok-a", t0.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, "tok-a", claim.Token)
		assert.Equal(t, int64(42), claim.TweetID)
		assert.Equal(t, int64(4), claim.Count)
		assert.True(t, t0.Equal(claim.FirstSeenAt))

		c, err := store.Get(ctx, 42)
		require.NoError(t, err)
		assert.Nil(t, c)

		// a like after the claim starts a fresh counter
		n, err := store.Increment(ctx, 42, t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		c, err = store.Get(ctx, 42)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, t0.Add(2*time.Minute).Equal(c.FirstSeenAt))

		again, err := store.Claim(ctx, 99, "tok-b", t0)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("claims listed until released", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.Increment(ctx, 1, t0)
		require.NoError(t, err)
		_, err = store.Increment(ctx, 2, t0)
		require.NoError(t, err)

		_, err = store.Claim(ctx, 1, "tok-1", t0.Add(time.Second))
		require.NoError(t, err)
		_, err = store.Claim(ctx, 2, "tok-2", t0.Add(2*time.Second))
		require.NoError(t, err)

		claims, err := store.Claims(ctx)
		require.NoError(t, err)
		require.Len(t, claims, 2)
		assert.Equal(t, "tok-1", claims[0].Token)
		assert.Equal(t, int64(1), claims[0].Count)
		assert.True(t, t0.Add(time.Second).Equal(claims[0].ClaimedAt))
		assert.Equal(t, "tok-2", claims[1].Token)

		require.NoError(t, store.Release(ctx, "tok-1"))
		require.NoError(t, store.Release(ctx, "tok-unknown"))

		claims, err = store.Claims(ctx)
		require.NoError(t, err)
		require.Len(t, claims, 1)
		assert.Equal(t, "tok-2", claims[0].Token)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const workers, perWorker = 8, 25
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					_, err := store.Increment(ctx, 5, t0)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		c, err := store.Get(ctx, 5)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, int64(workers*perWorker), c.PendingCount)
	})

	t.Run("increments racing claims are conserved", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const likes = 200
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < likes; i++ {
				_, err := store.Increment(ctx, 9, t0)
				assert.NoError(t, err)
			}
		}()

		var claimed int64
		for i := 0; ; i++ {
			finished := isClosed(done)
			claim, err := store.Claim(ctx, 9, fmt.Sprintf("tok-%d", i), t0)
			if errors.Is(err, core.ErrClaimConflict) {
				continue
			}
			require.NoError(t, err)
			if claim != nil {
				claimed += claim.Count
			} else if finished {
				break
			}
		}

		assert.Equal(t, int64(likes), claimed)
	})
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
