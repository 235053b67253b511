package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Metrics receives relay counters. Implementations must be safe for
// concurrent use; the default is a no-op.
type Metrics interface {
	AddPublished(n int)
	AddFailures(n int)
	AddRecovered(n int)
	ObserveSweep(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) AddPublished(int)           {}
func (noopMetrics) AddFailures(int)            {}
func (noopMetrics) AddRecovered(int)           {}
func (noopMetrics) ObserveSweep(time.Duration) {}

type relayConfig struct {
	interval       time.Duration
	batchSize      int
	stuckThreshold time.Duration
	instanceID     string
	clock          Clock
	logger         *slog.Logger
	metrics        Metrics
}

func (c relayConfig) withDefaults() relayConfig {
	if c.interval <= 0 {
		c.interval = time.Second
	}
	if c.batchSize <= 0 {
		c.batchSize = 500
	}
	if c.stuckThreshold <= 0 {
		c.stuckThreshold = 10 * time.Second
	}
	if c.instanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-host"
		}
		c.instanceID = host
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	return c
}

// RelayOption configures a Relay.
type RelayOption func(*relayConfig)

// WithInterval sets the sweep interval for Run. Default 1s.
func WithInterval(d time.Duration) RelayOption {
	return func(c *relayConfig) { c.interval = d }
}

// WithBatchSize sets the maximum entries claimed per sweep. Default 500.
func WithBatchSize(n int) RelayOption {
	return func(c *relayConfig) { c.batchSize = n }
}

// WithStuckThreshold sets how long an entry may stay claimed before any
// relay instance returns it to the unclaimed pool. Default 10s.
func WithStuckThreshold(d time.Duration) RelayOption {
	return func(c *relayConfig) { c.stuckThreshold = d }
}

// WithInstanceID sets the claimed_by identity of this relay instance.
// Defaults to the hostname.
func WithInstanceID(id string) RelayOption {
	return func(c *relayConfig) { c.instanceID = id }
}

// WithClock overrides the time source.
func WithClock(clock Clock) RelayOption {
	return func(c *relayConfig) { c.clock = clock }
}

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(c *relayConfig) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) RelayOption {
	return func(c *relayConfig) { c.metrics = m }
}

// Relay periodically recovers stuck outbox entries and sweeps pending
// ones to their transport publisher. Multiple instances may run against
// the same store; the store's claim operation keeps them from publishing
// the same row twice.
type Relay struct {
	store  Store
	queue  Publisher
	stream Publisher
	cfg    relayConfig
}

// NewRelay constructs a Relay. queue receives command and reply
// entries, stream receives event entries.
func NewRelay(store Store, queue, stream Publisher, opts ...RelayOption) *Relay {
	if store == nil {
		panic("outbox: nil Store")
	}
	if queue == nil || stream == nil {
		panic("outbox: nil Publisher")
	}
	var cfg relayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Relay{store: store, queue: queue, stream: stream, cfg: cfg.withDefaults()}
}

// Interval returns the sweep interval.
func (r *Relay) Interval() time.Duration { return r.cfg.interval }

// Run drives Tick on the configured interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one recovery-and-sweep pass. It never panics or returns
// an error: tick-level failures (an unreachable store, for instance)
// are logged and retried on the next interval.
func (r *Relay) Tick(ctx context.Context) {
	start := r.cfg.clock.Now()
	defer func() {
		r.cfg.metrics.ObserveSweep(r.cfg.clock.Now().Sub(start))
	}()

	recovered, err := r.store.RecoverStuck(ctx, r.cfg.stuckThreshold)
	if err != nil {
		r.cfg.logger.ErrorContext(ctx, "outbox recovery failed", slog.String("error", err.Error()))
		return
	}
	if recovered > 0 {
		r.cfg.metrics.AddRecovered(recovered)
		r.cfg.logger.InfoContext(ctx, "recovered stuck outbox entries", slog.Int("count", recovered))
	}

	entries, err := r.store.ClaimBatch(ctx, r.cfg.batchSize, r.cfg.instanceID)
	if err != nil {
		r.cfg.logger.ErrorContext(ctx, "outbox sweep failed", slog.String("error", err.Error()))
		return
	}
	if len(entries) == 0 {
		return
	}
	r.cfg.logger.DebugContext(ctx, "sweeping outbox entries", slog.Int("count", len(entries)))

	published := 0
	failed := 0
	for _, e := range entries {
		if r.publishOne(ctx, e) {
			published++
		} else {
			failed++
		}
	}
	r.cfg.metrics.AddPublished(published)
	r.cfg.metrics.AddFailures(failed)
}

// publishOne routes and publishes a single claimed entry. One entry's
// failure never blocks the rest of the batch.
func (r *Relay) publishOne(ctx context.Context, e *Entry) bool {
	var pub Publisher
	switch e.Category {
	case CategoryCommand, CategoryReply:
		pub = r.queue
	case CategoryEvent:
		pub = r.stream
	default:
		// Configuration error on the producing side; retrying cannot fix it.
		msg := fmt.Sprintf("Unknown category: %s", e.Category)
		r.cfg.logger.ErrorContext(ctx, "outbox entry has unknown category",
			slog.Int64("id", e.ID), slog.String("category", e.Category))
		if err := r.store.MarkPermanentlyFailed(ctx, e.ID, msg); err != nil {
			r.cfg.logger.ErrorContext(ctx, "failed to mark outbox entry failed",
				slog.Int64("id", e.ID), slog.String("error", err.Error()))
		}
		return false
	}

	if err := pub.Publish(ctx, e.Topic, e.Key, e.Type, e.Payload, e.Headers); err != nil {
		next := r.cfg.clock.Now().Add(Backoff(e.Attempts))
		r.cfg.logger.WarnContext(ctx, "outbox publish failed",
			slog.Int64("id", e.ID),
			slog.String("topic", e.Topic),
			slog.Int("attempts", e.Attempts),
			slog.String("error", err.Error()),
		)
		if markErr := r.store.MarkFailed(ctx, e.ID, err.Error(), next); markErr != nil {
			// The entry stays SENDING and will be recovered on a later tick.
			r.cfg.logger.ErrorContext(ctx, "failed to record outbox failure",
				slog.Int64("id", e.ID), slog.String("error", markErr.Error()))
		}
		return false
	}

	if err := r.store.MarkPublished(ctx, e.ID); err != nil {
		r.cfg.logger.ErrorContext(ctx, "failed to mark outbox entry published",
			slog.Int64("id", e.ID), slog.String("error", err.Error()))
		return false
	}
	r.cfg.logger.DebugContext(ctx, "published outbox entry",
		slog.Int64("id", e.ID), slog.String("category", e.Category), slog.String("topic", e.Topic))
	return true
}
