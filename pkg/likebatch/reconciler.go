package likebatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

// FlushApplier applies a claimed batch to the primary store exactly once
// per token. core.TweetStore implements it.
type FlushApplier interface {
	ApplyFlush(ctx context.Context, claim core.FlushClaim) (bool, error)
}

// ReconcilerConfig controls the reconciler.
type ReconcilerConfig struct {
	// PollInterval is the time between two cycles.
	PollInterval time.Duration

	// Policy selects the counters each cycle flushes.
	Policy core.FlushPolicy

	// MaxFlushRate caps primary store writes per second. 0 means unlimited.
	MaxFlushRate float64
}

// DefaultReconcilerConfig polls every 5s and flushes counters holding 10
// likes or whose first like is a minute old.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		PollInterval: 5 * time.Second,
		Policy: core.FlushPolicy{
			Size: 10,
			Age:  60 * time.Second,
		},
	}
}

// CycleReport summarises one reconciler cycle.
type CycleReport struct {
	// Recovered is the number of claims left by earlier cycles that were
	// settled.
	Recovered int
	// Flushed is the number of due counters claimed and applied.
	Flushed int
	// Likes is the number of likes added to the primary store.
	Likes int64
	// Dropped is the number of claims discarded because their tweet is gone.
	Dropped int
	// Failed is the number of entries left for the next cycle.
	Failed int
}

type reconcilerMetrics struct {
	flushes       prometheus.Counter
	flushedLikes  prometheus.Counter
	failures      prometheus.Counter
	recovered     prometheus.Counter
	dropped       prometheus.Counter
	cycleDuration prometheus.Histogram
}

func newReconcilerMetrics(r prometheus.Registerer) *reconcilerMetrics {
	var m reconcilerMetrics

	m.flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_flushes_total",
		Help: "Batches applied to the primary store",
	})

	m.flushedLikes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_flushed_likes_total",
		Help: "Likes added to the primary store by flushes",
	})

	m.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_flush_failures_total",
		Help: "Batch entries that failed to flush and were left for the next cycle",
	})

	m.recovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_claims_recovered_total",
		Help: "Claims from earlier cycles settled on a later cycle",
	})

	m.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_claims_dropped_total",
		Help: "Claims discarded because their tweet no longer exists",
	})

	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "likebatch_reconcile_cycle_duration_seconds",
		Help:    "Duration of reconciler cycles",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	r.MustRegister(m.flushes, m.flushedLikes, m.failures, m.recovered, m.dropped, m.cycleDuration)
	return &m
}

// Reconciler periodically moves due batches from the batch store into the
// primary store.
//
// Each due counter is claimed (taken out of the batch store under a fresh
// token), applied to the primary store together with that token, then
// released. A claim that is not released, because the process died or the
// primary store failed, is applied again on the next cycle and the token
// keeps the primary store from counting it twice.
type Reconciler struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// cycleMu keeps cycles from overlapping.
	cycleMu sync.Mutex

	batches  core.BatchStore
	primary  FlushApplier
	clock    core.Clock
	config   ReconcilerConfig
	limiter  *rate.Limiter
	newToken func() string
	logger   *logrus.Entry
	metrics  *reconcilerMetrics
}

// NewReconciler creates a stopped reconciler. A nil clock uses the wall
// clock.
func NewReconciler(batches core.BatchStore, primary FlushApplier, clock core.Clock, config ReconcilerConfig, logger *logrus.Logger, registerer prometheus.Registerer) *Reconciler {
	defaults := DefaultReconcilerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Policy.Age <= 0 {
		config.Policy.Age = defaults.Policy.Age
	}
	if clock == nil {
		clock = core.SystemClock{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.MaxFlushRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MaxFlushRate), 1)
	}

	return &Reconciler{
		batches:  batches,
		primary:  primary,
		clock:    clock,
		config:   config,
		limiter:  limiter,
		newToken: uuid.NewString,
		logger:   logger.WithField("component", "reconciler"),
		metrics:  newReconcilerMetrics(registerer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs cycles every PollInterval in a new goroutine until Stop is
// called or ctx is done. Starting a running reconciler does nothing.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Debug("already running")
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.run(ctx, stopCh, doneCh)
	r.logger.WithFields(logrus.Fields{
		"poll_interval": r.config.PollInterval,
		"flush_size":    r.config.Policy.Size,
		"flush_age":     r.config.Policy.Age,
	}).Info("reconciler started")
	return nil
}

// Stop stops the loop and waits for the current cycle to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
	r.logger.Info("reconciler stopped")
	return nil
}

// Run starts the reconciler and blocks until it stops.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.mu.RLock()
	doneCh := r.doneCh
	r.mu.RUnlock()
	<-doneCh
	return nil
}

// IsRunning reports whether the loop is running.
func (r *Reconciler) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.doneCh == doneCh {
			r.running = false
		}
		r.mu.Unlock()
		close(doneCh)
	}()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeRunOnce(ctx)
		}
	}
}

func (r *Reconciler) safeRunOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("panic", p).Error("reconcile cycle panicked")
		}
	}()

	report, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("reconcile cycle aborted")
	}
	if report.Flushed > 0 || report.Recovered > 0 || report.Failed > 0 || report.Dropped > 0 {
		r.logger.WithFields(logrus.Fields{
			"recovered": report.Recovered,
			"flushed":   report.Flushed,
			"likes":     report.Likes,
			"dropped":   report.Dropped,
			"failed":    report.Failed,
		}).Info("reconcile cycle finished")
	}
}

// RunOnce performs one cycle at the clock's current time: it settles
// leftover claims, then claims, applies and releases every due counter.
// An error means the cycle could not list its work; failures of single
// entries are only counted in the report.
func (r *Reconciler) RunOnce(ctx context.Context) (CycleReport, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		r.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	}()

	var report CycleReport
	now := r.clock.Now()

	leftover, err := r.batches.Claims(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list claims: %w", err)
	}
	for _, claim := range leftover {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		r.logger.WithFields(logrus.Fields{
			"tweet_id": claim.TweetID,
			"token":    claim.Token,
			"count":    claim.Count,
		}).Info("recovering unreleased claim")

		if r.settle(ctx, claim, &report) == settleApplied {
			report.Recovered++
			r.metrics.recovered.Inc()
		}
	}

	due, err := r.batches.Due(ctx, now, r.config.Policy)
	if err != nil {
		return report, fmt.Errorf("failed to select due counters: %w", err)
	}
	for _, counter := range due {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}

		claim, err := r.batches.Claim(ctx, counter.TweetID, r.newToken(), now)
		if err != nil {
			report.Failed++
			r.metrics.failures.Inc()
			r.logger.WithError(err).WithField("tweet_id", counter.TweetID).Warn("failed to claim batch")
			continue
		}
		// claimed by someone else since Due
		if claim == nil {
			continue
		}

		if r.settle(ctx, *claim, &report) == settleApplied {
			report.Flushed++
		}
	}

	return report, nil
}

type settleResult int

const (
	// settleApplied: the likes are in the primary store and the claim is gone.
	settleApplied settleResult = iota
	// settleDropped: the tweet is gone, the claim was discarded.
	settleDropped
	// settleFailed: the claim is kept for the next cycle.
	settleFailed
)

// settle applies and releases one claim.
func (r *Reconciler) settle(ctx context.Context, claim core.FlushClaim, report *CycleReport) settleResult {
	log := r.logger.WithFields(logrus.Fields{
		"tweet_id": claim.TweetID,
		"token":    claim.Token,
		"count":    claim.Count,
	})

	result := settleApplied
	applied, err := r.primary.ApplyFlush(ctx, claim)
	switch {
	case errors.Is(err, core.ErrTweetNotFound):
		result = settleDropped
	case err != nil:
		report.Failed++
		r.metrics.failures.Inc()
		log.WithError(err).Warn("failed to apply batch, will retry next cycle")
		return settleFailed
	case applied:
		report.Likes += claim.Count
		r.metrics.flushes.Inc()
		r.metrics.flushedLikes.Add(float64(claim.Count))
		log.Debug("batch applied")
	}

	if err := r.batches.Release(ctx, claim.Token); err != nil {
		report.Failed++
		r.metrics.failures.Inc()
		log.WithError(err).Warn("failed to release claim, will retry next cycle")
		return settleFailed
	}

	if result == settleDropped {
		log.Warn("tweet no longer exists, dropped its pending likes")
		report.Dropped++
		r.metrics.dropped.Inc()
	}
	return result
}
