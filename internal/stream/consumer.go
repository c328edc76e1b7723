package stream

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Recorder receives the likes read off the stream, with the time the like
// was published.
type Recorder interface {
	RecordLikeAt(ctx context.Context, tweetID int64, likedAt time.Time) (int64, error)
}

const (
	defaultRetryBackoffBase = 100 * time.Millisecond
	defaultRetryBackoffMax  = 5 * time.Second
)

type consumerMetrics struct {
	events  *prometheus.CounterVec
	retries prometheus.Counter
}

func newConsumerMetrics(r prometheus.Registerer) *consumerMetrics {
	var m consumerMetrics

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "likebatch_stream_events_total",
		Help: "Like events consumed from the stream by outcome",
	}, []string{"result"})

	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_stream_record_retries_total",
		Help: "Attempts to record a like event that failed and were retried",
	})

	r.MustRegister(m.events, m.retries)
	return &m
}

// Consumer feeds like events from a Source into a Recorder. A message is
// committed only after its like was recorded, so a crash replays it.
// Undecodable messages are logged and committed.
type Consumer struct {
	source   Source
	recorder Recorder
	logger   *logrus.Entry
	metrics  *consumerMetrics

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewConsumer creates a consumer. Run starts it.
func NewConsumer(source Source, recorder Recorder, logger *logrus.Logger, registerer prometheus.Registerer) *Consumer {
	return &Consumer{
		source:      source,
		recorder:    recorder,
		logger:      logger.WithField("component", "stream-consumer"),
		metrics:     newConsumerMetrics(registerer),
		backoffBase: defaultRetryBackoffBase,
		backoffMax:  defaultRetryBackoffMax,
	}
}

// Run consumes until ctx is done or the source is closed. Both end the
// loop with a nil error.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("stream consumer started")
	defer c.logger.Info("stream consumer stopped")

	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return nil
			}
			c.logger.WithError(err).Warn("failed to fetch like event")
			if !c.sleep(ctx, c.backoffBase) {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// only returned when ctx is done; the message stays uncommitted
			return nil
		}

		if err := c.source.Commit(ctx, msg); err != nil {
			c.logger.WithError(err).WithField("offset", msg.Offset).Warn("failed to commit like event")
		}
	}
}

// handle records the message, retrying with backoff until it succeeds or
// ctx is done.
func (c *Consumer) handle(ctx context.Context, msg Message) error {
	event, err := Decode(msg)
	if err != nil {
		c.metrics.events.WithLabelValues("invalid").Inc()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skipping undecodable like event")
		return nil
	}

	backoff := c.backoffBase
	for {
		_, err := c.recorder.RecordLikeAt(ctx, event.TweetID, event.LikedAt)
		if err == nil {
			c.metrics.events.WithLabelValues("recorded").Inc()
			return nil
		}

		c.metrics.retries.Inc()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"tweet_id": event.TweetID,
			"backoff":  backoff,
		}).Warn("failed to record like event, retrying")

		if !c.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
