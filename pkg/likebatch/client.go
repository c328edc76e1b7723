package likebatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/batchstore"
	"github.com/rzpsarthak13/likebatch/internal/cache"
	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
	"github.com/rzpsarthak13/likebatch/internal/database"
	"github.com/rzpsarthak13/likebatch/internal/stream"
)

// LikeResult describes an accepted like.
type LikeResult struct {
	TweetID int64 `json:"tweet_id"`
	// Pending is the tweet's pending count after the like. It is a hint and
	// lags behind when the like was queued on the stream.
	Pending int64 `json:"pending"`
	// Queued is true when the like went to the stream instead of straight
	// into the batch store.
	Queued bool `json:"queued"`
}

// Client wires the primary store, the batch store, like intake, the
// reconciler, the read cache and, when enabled, the like stream.
//
// Typical usage:
//
//	client, _ := likebatch.NewClient(cfg)
//	defer client.Close()
//
//	client.Start(ctx) // reconciler, stream consumer and cache sweeper
//	defer client.Stop()
//
//	client.Like(ctx, tweetID)
type Client struct {
	config *Config
	clock  core.Clock
	logger *logrus.Entry

	tweets     core.TweetStore
	batches    core.BatchStore
	intake     *Intake
	reconciler *Reconciler
	cache      *cache.Cache
	keys       *cache.KeyBuilder

	publisher stream.Publisher
	source    stream.Source
	consumer  *stream.Consumer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type clientOptions struct {
	logger     *logrus.Logger
	registerer prometheus.Registerer
	clock      core.Clock
	tweets     core.TweetStore
	batches    core.BatchStore
	publisher  stream.Publisher
	source     stream.Source
}

// Option customises NewClient.
type Option func(*clientOptions)

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithRegisterer registers the client's metrics with r instead of the
// default prometheus registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *clientOptions) {
		o.registerer = r
	}
}

// WithClock sets the clock used by intake, the reconciler and the cache.
func WithClock(clock core.Clock) Option {
	return func(o *clientOptions) {
		o.clock = clock
	}
}

// WithTweetStore uses store as the primary store instead of opening the
// configured database. The client closes it on Close.
func WithTweetStore(store core.TweetStore) Option {
	return func(o *clientOptions) {
		o.tweets = store
	}
}

// WithBatchStore uses store instead of creating the configured batch
// store. The client closes it on Close.
func WithBatchStore(store core.BatchStore) Option {
	return func(o *clientOptions) {
		o.batches = store
	}
}

// WithStream uses the given publisher and source for likes instead of
// connecting to Kafka. It enables the stream regardless of configuration.
func WithStream(publisher stream.Publisher, source stream.Source) Option {
	return func(o *clientOptions) {
		o.publisher = publisher
		o.source = source
	}
}

// NewClient creates a client from cfg. Stores are opened and the primary
// schema is created, but nothing runs in the background until Start.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := clientOptions{
		logger:     logrus.StandardLogger(),
		registerer: prometheus.DefaultRegisterer,
		clock:      core.SystemClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		config: cfg,
		clock:  o.clock,
		logger: o.logger.WithField("component", "client"),
		keys:   cache.NewKeyBuilder(cfg.Cache.Namespace),
	}

	if err := c.openStores(cfg, o); err != nil {
		c.Close()
		return nil, err
	}

	c.intake = NewIntake(c.batches, o.clock, o.logger, o.registerer)
	c.reconciler = NewReconciler(c.batches, c.tweets, o.clock, reconcilerConfig(cfg.Reconciler), o.logger, o.registerer)
	c.cache = cache.New(cfg.Cache.TTL, o.clock, o.logger, o.registerer)

	if err := c.openStream(cfg, o); err != nil {
		c.Close()
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"database":    cfg.Database.Type,
		"batch_store": cfg.BatchStore.Type,
		"stream":      c.publisher != nil,
	}).Info("client created")
	return c, nil
}

func (c *Client) openStores(cfg *Config, o clientOptions) error {
	c.tweets = o.tweets
	if c.tweets == nil {
		db, err := database.Open(cfg.Database, o.logger)
		if err != nil {
			return fmt.Errorf("failed to open primary store: %w", err)
		}
		if err := database.EnsureSchema(context.Background(), db); err != nil {
			db.Close()
			return fmt.Errorf("failed to create primary schema: %w", err)
		}
		c.tweets = database.NewSQLTweetStore(db, o.logger)
	}

	c.batches = o.batches
	if c.batches == nil {
		store, err := batchstore.Create(cfg.BatchStore, o.logger)
		if err != nil {
			return fmt.Errorf("failed to create batch store: %w", err)
		}
		c.batches = store
	}
	return nil
}

func (c *Client) openStream(cfg *Config, o clientOptions) error {
	switch {
	case o.publisher != nil || o.source != nil:
		c.publisher, c.source = o.publisher, o.source
	case cfg.Stream.Enabled:
		publisher, err := stream.NewKafkaPublisher(cfg.Stream, o.logger)
		if err != nil {
			return fmt.Errorf("failed to create like publisher: %w", err)
		}
		c.publisher = publisher

		source, err := stream.NewKafkaSource(cfg.Stream, o.logger)
		if err != nil {
			return fmt.Errorf("failed to create like source: %w", err)
		}
		c.source = source
	default:
		return nil
	}

	if c.source != nil {
		c.consumer = stream.NewConsumer(c.source, c.intake, o.logger, o.registerer)
	}
	return nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config { return c.config }

// Tweets returns the primary store.
func (c *Client) Tweets() core.TweetStore { return c.tweets }

// Intake returns the like intake.
func (c *Client) Intake() *Intake { return c.intake }

// Reconciler returns the batch reconciler.
func (c *Client) Reconciler() *Reconciler { return c.reconciler }

// Cache returns the read cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Keys returns the builder for read cache keys.
func (c *Client) Keys() *cache.KeyBuilder { return c.keys }

// Consumer returns the stream consumer, nil when the stream is disabled.
func (c *Client) Consumer() *stream.Consumer { return c.consumer }

// StreamEnabled reports whether likes go through the stream.
func (c *Client) StreamEnabled() bool { return c.publisher != nil }

// Like accepts one like for the tweet. With the stream enabled the like is
// published and recorded by the consumer later; otherwise it is recorded
// in the batch store right away. Failures wrap ErrTransient.
func (c *Client) Like(ctx context.Context, tweetID int64) (LikeResult, error) {
	if c.publisher == nil {
		pending, err := c.intake.RecordLike(ctx, tweetID)
		if err != nil {
			return LikeResult{}, err
		}
		return LikeResult{TweetID: tweetID, Pending: pending}, nil
	}

	if tweetID <= 0 {
		return LikeResult{}, fmt.Errorf("%w: %d", ErrInvalidTweetID, tweetID)
	}
	event := stream.LikeEvent{TweetID: tweetID, LikedAt: c.clock.Now()}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.WithError(err).WithField("tweet_id", tweetID).Warn("failed to publish like")
		return LikeResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	pending, err := c.intake.Pending(ctx, tweetID)
	if err != nil {
		c.logger.WithError(err).WithField("tweet_id", tweetID).Debug("failed to read pending count")
	}
	return LikeResult{TweetID: tweetID, Pending: pending, Queued: true}, nil
}

// Start runs the reconciler, the stream consumer and, if configured, the
// cache sweeper in the background. It is non-blocking.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.reconciler.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start reconciler: %w", err)
	}

	if c.consumer != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.consumer.Run(ctx); err != nil {
				c.logger.WithError(err).Error("stream consumer stopped")
			}
		}()
	}

	if interval := c.config.Cache.SweepInterval; interval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.cache.Run(ctx, interval)
		}()
	}

	c.cancel = cancel
	c.started = true
	return nil
}

// Stop stops the background work started by Start and waits for it.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	err := c.reconciler.Stop()
	c.cancel()
	c.wg.Wait()

	c.started = false
	if err != nil {
		return fmt.Errorf("failed to stop reconciler: %w", err)
	}
	return nil
}

// IsRunning reports whether Start was called without a matching Stop.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Close stops background work and closes every store and stream
// connection.
func (c *Client) Close() error {
	var errs []error
	if c.reconciler != nil {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close like publisher: %w", err))
		}
	}
	if c.source != nil {
		if err := c.source.Close(); err != nil && !errors.Is(err, stream.ErrSourceClosed) {
			errs = append(errs, fmt.Errorf("failed to close like source: %w", err))
		}
	}
	if c.batches != nil {
		if err := c.batches.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close batch store: %w", err))
		}
	}
	if c.tweets != nil {
		if err := c.tweets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close primary store: %w", err))
		}
	}
	return errors.Join(errs...)
}
