package likebatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/likebatch/internal/core"
	"github.com/rzpsarthak13/likebatch/internal/stream"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Database.DSN = ":memory:"
	cfg.BatchStore.Type = "memory"
	cfg.Reconciler.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg *Config, opts ...Option) *Client {
	t.Helper()

	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithLogger(logger), WithRegisterer(prometheus.NewRegistry())}, opts...)
	client, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.BatchStore.Type = "cassandra"
	_, err = NewClient(cfg)
	assert.ErrorContains(t, err, "unsupported batch store type")

	cfg = testConfig()
	cfg.Cache.TTL = 0
	_, err = NewClient(cfg)
	assert.ErrorContains(t, err, "cache.ttl")
}

func TestClient_LikeAndFlush(t *testing.T) {
	ctx := context.Background()
	clock := core.NewManualClock(t0)
	client := newTestClient(t, testConfig(), WithClock(clock))
	assert.False(t, client.StreamEnabled())
	assert.Nil(t, client.Consumer())

	tweet, err := client.Tweets().CreateTweet(ctx, 1, "batch me")
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		res, err := client.Like(ctx, tweet.ID)
		require.NoError(t, err)
		assert.Equal(t, LikeResult{TweetID: tweet.ID, Pending: int64(i)}, res)
	}

	report, err := client.Reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Likes)

	got, err := client.Tweets().GetTweet(ctx, tweet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.LikeCount)

	_, err = client.Like(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidTweetID)
}

func TestClient_StartStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cache.SweepInterval = 10 * time.Millisecond
	client := newTestClient(t, cfg)

	tweet, err := client.Tweets().CreateTweet(ctx, 1, "hello")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := client.Like(ctx, tweet.ID)
		require.NoError(t, err)
	}

	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.Start(ctx))
	assert.True(t, client.IsRunning())
	assert.True(t, client.Reconciler().IsRunning())

	require.Eventually(t, func() bool {
		got, err := client.Tweets().GetTweet(ctx, tweet.ID)
		return err == nil && got.LikeCount == 10
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Stop())
	assert.False(t, client.IsRunning())
	assert.False(t, client.Reconciler().IsRunning())
}

func TestClient_StreamedLikes(t *testing.T) {
	ctx := context.Background()
	ms := stream.NewMemoryStream(100)
	client := newTestClient(t, testConfig(), WithStream(ms, ms))
	require.True(t, client.StreamEnabled())
	require.NotNil(t, client.Consumer())

	for i := 0; i < 3; i++ {
		res, err := client.Like(ctx, 77)
		require.NoError(t, err)
		assert.True(t, res.Queued)
	}
	assert.Equal(t, 3, ms.Len())

	_, err := client.Like(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidTweetID)

	require.NoError(t, client.Start(ctx))
	require.Eventually(t, func() bool {
		n, err := client.Intake().Pending(ctx, 77)
		return err == nil && n == 3
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return ms.Committed() == 3
	}, time.Second, 5*time.Millisecond)
}

func TestClient_StreamPublishFailure(t *testing.T) {
	ms := stream.NewMemoryStream(1)
	client := newTestClient(t, testConfig(), WithStream(ms, nil))
	assert.Nil(t, client.Consumer())

	_, err := client.Like(context.Background(), 1)
	require.NoError(t, err)

	_, err = client.Like(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestClient_Close(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client, err := NewClient(testConfig(), WithLogger(logger), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))

	require.NoError(t, client.Close())
	assert.False(t, client.IsRunning())

	_, err = client.Like(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "likebatch.yaml")
	data := []byte(`
batch_store:
  type: memory
reconciler:
  flush_size: 25
  flush_age: 30s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("LIKEBATCH_CACHE_TTL", "90s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.BatchStore.Type)
	assert.Equal(t, int64(25), cfg.Reconciler.FlushSize)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.FlushAge)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Reconciler.PollInterval)

	rc := reconcilerConfig(cfg.Reconciler)
	assert.Equal(t, core.FlushPolicy{Size: 25, Age: 30 * time.Second}, rc.Policy)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
