package likebatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

var (
	// ErrTransient wraps batch store failures. The like was not recorded
	// and the caller may retry.
	ErrTransient = errors.New("like not recorded, retry later")

	// ErrInvalidTweetID is returned for tweet ids that are not positive.
	ErrInvalidTweetID = errors.New("invalid tweet id")
)

type intakeMetrics struct {
	recorded prometheus.Counter
	failed   prometheus.Counter
}

func newIntakeMetrics(r prometheus.Registerer) *intakeMetrics {
	var m intakeMetrics

	m.recorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_likes_recorded_total",
		Help: "Likes accepted into the batch store",
	})

	m.failed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_likes_failed_total",
		Help: "Likes rejected because the batch store failed",
	})

	r.MustRegister(m.recorded, m.failed)
	return &m
}

// Intake records likes into the batch store. It never touches the primary
// store; the reconciler moves batched likes there later.
type Intake struct {
	store   core.BatchStore
	clock   core.Clock
	logger  *logrus.Entry
	metrics *intakeMetrics
}

// NewIntake creates the like intake. A nil clock uses the wall clock.
func NewIntake(store core.BatchStore, clock core.Clock, logger *logrus.Logger, registerer prometheus.Registerer) *Intake {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Intake{
		store:   store,
		clock:   clock,
		logger:  logger.WithField("component", "intake"),
		metrics: newIntakeMetrics(registerer),
	}
}

// RecordLike adds one like for the tweet and returns the tweet's pending
// count. The count is a hint: it excludes likes already flushed and may be
// stale by the time the caller reads it. The tweet is not checked for
// existence.
func (i *Intake) RecordLike(ctx context.Context, tweetID int64) (int64, error) {
	return i.RecordLikeAt(ctx, tweetID, time.Time{})
}

// RecordLikeAt is RecordLike for a like that happened at likedAt, such as
// one replayed from the stream. A new batch ages from likedAt. A zero or
// future likedAt is replaced by the current time.
func (i *Intake) RecordLikeAt(ctx context.Context, tweetID int64, likedAt time.Time) (int64, error) {
	if tweetID <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTweetID, tweetID)
	}

	now := i.clock.Now()
	if likedAt.IsZero() || likedAt.After(now) {
		likedAt = now
	}

	pending, err := i.store.Increment(ctx, tweetID, likedAt)
	if err != nil {
		i.metrics.failed.Inc()
		i.logger.WithError(err).WithField("tweet_id", tweetID).Warn("failed to record like")
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	i.metrics.recorded.Inc()
	i.logger.WithFields(logrus.Fields{
		"tweet_id": tweetID,
		"pending":  pending,
	}).Debug("like recorded")
	return pending, nil
}

// Pending returns the tweet's pending count, 0 when nothing is batched.
func (i *Intake) Pending(ctx context.Context, tweetID int64) (int64, error) {
	c, err := i.store.Get(ctx, tweetID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if c == nil {
		return 0, nil
	}
	return c.PendingCount, nil
}
