package likebatch

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/likebatch/internal/batchstore"
	"github.com/rzpsarthak13/likebatch/internal/core"
	"github.com/rzpsarthak13/likebatch/internal/database"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock      *core.ManualClock
	db         *database.SQLDatabase
	tweets     *database.SQLTweetStore
	batches    *batchstore.MemoryBatchStore
	intake     *Intake
	reconciler *Reconciler
	logger     *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger, _ := test.NewNullLogger()
	db, err := database.NewSQLiteDatabase(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, database.EnsureSchema(context.Background(), db))

	f := &fixture{
		clock:   core.NewManualClock(t0),
		db:      db,
		tweets:  database.NewSQLTweetStore(db, logger),
		batches: batchstore.NewMemoryBatchStore(),
		logger:  logger,
	}
	reg := prometheus.NewRegistry()
	f.intake = NewIntake(f.batches, f.clock, logger, reg)
	f.reconciler = NewReconciler(f.batches, f.tweets, f.clock, DefaultReconcilerConfig(), logger, reg)

	t.Cleanup(func() {
		f.reconciler.Stop()
		f.batches.Close()
		f.tweets.Close()
	})
	return f
}

// insertTweet creates a tweet row with a fixed id.
func (f *fixture) insertTweet(t *testing.T, id int64) {
	t.Helper()
	_, err := f.db.Exec(context.Background(),
		"INSERT INTO tweets (id, user_id, content, like_count, created_at) VALUES (?, ?, ?, 0, ?)",
		id, 1, "tweet", t0.UnixNano())
	require.NoError(t, err)
}

func (f *fixture) likeCount(t *testing.T, id int64) int64 {
	t.Helper()
	tweet, err := f.tweets.GetTweet(context.Background(), id)
	require.NoError(t, err)
	return tweet.LikeCount
}

func (f *fixture) pending(t *testing.T, id int64) int64 {
	t.Helper()
	n, err := f.intake.Pending(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (f *fixture) like(t *testing.T, id int64, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		_, err := f.intake.RecordLike(context.Background(), id)
		require.NoError(t, err)
	}
}
