package batchstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

func newTestRedisBatchStore(t *testing.T) (*RedisBatchStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger, _ := test.NewNullLogger()

	store := NewRedisBatchStore(client, "likebatch", logger)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisBatchStore(t *testing.T) {
	testBatchStore(t, func(t *testing.T) core.BatchStore {
		store, _ := newTestRedisBatchStore(t)
		return store
	})
}

func TestRedisBatchStore_KeyLayout(t *testing.T) {
	store, mr := newTestRedisBatchStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, 42, t0)
	require.NoError(t, err)

	assert.Equal(t, "1", mr.HGet("{likebatch}:pending:42", "count"))
	members, err := mr.Members("{likebatch}:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, members)

	_, err = store.Claim(ctx, 42, "tok-1", t0)
	require.NoError(t, err)

	assert.False(t, mr.Exists("{likebatch}:pending:42"))
	assert.Equal(t, "42", mr.HGet("{likebatch}:claim:tok-1", "tweet_id"))
	claims, err := mr.Members("{likebatch}:claims")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1"}, claims)

	require.NoError(t, store.Release(ctx, "tok-1"))
	assert.False(t, mr.Exists("{likebatch}:claim:tok-1"))
}

func TestRedisBatchStore_ServerDown(t *testing.T) {
	store, mr := newTestRedisBatchStore(t)
	mr.Close()

	_, err := store.Increment(context.Background(), 1, t0)
	assert.Error(t, err)
}

func TestRedisFactory(t *testing.T) {
	mr := miniredis.RunT(t)
	logger, _ := test.NewNullLogger()

	cfg := config.Default().BatchStore
	cfg.Type = "redis"
	cfg.Redis.Endpoints = []string{mr.Addr()}

	store, err := Create(cfg, logger)
	require.NoError(t, err)
	defer store.Close()

	n, err := store.Increment(context.Background(), 3, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists("{likebatch}:pending:3"))
}
