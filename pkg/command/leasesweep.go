package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessera-io/reliable/pkg/dlq"
)

// LeaseSweeper marks RUNNING commands whose processing lease elapsed as
// TIMED_OUT. It is the command-side twin of the outbox recovery phase:
// a worker that died mid-execution leaves a lease behind, and any
// replica's sweeper reclaims it. Commands that already spent their
// retry budget are parked on the dead-letter queue in the same sweep.
type LeaseSweeper struct {
	commands   Store
	dlq        dlq.Store
	tx         TxManager
	interval   time.Duration
	batch      int
	maxRetries int
	workerID   string
	logger     *slog.Logger
}

// NewLeaseSweeper builds a sweeper. interval defaults to 5s, batch to
// 100, maxRetries to 3.
func NewLeaseSweeper(commands Store, dlqStore dlq.Store, tx TxManager,
	interval time.Duration, batch, maxRetries int, workerID string, logger *slog.Logger) *LeaseSweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if workerID == "" {
		workerID = "lease-sweeper"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseSweeper{
		commands:   commands,
		dlq:        dlqStore,
		tx:         tx,
		interval:   interval,
		batch:      batch,
		maxRetries: maxRetries,
		workerID:   workerID,
		logger:     logger,
	}
}

// Interval returns the configured sweep interval.
func (s *LeaseSweeper) Interval() time.Duration { return s.interval }

// Tick performs one sweep. Failures are logged, never propagated: the
// sweeper runs on a fixed schedule and must survive store outages.
func (s *LeaseSweeper) Tick(ctx context.Context) {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		expired, err := s.commands.FindExpiredLeases(ctx, time.Now(), s.batch)
		if err != nil {
			return err
		}
		for _, c := range expired {
			if err := s.commands.MarkTimedOut(ctx, c.ID, "processing lease expired"); err != nil {
				return err
			}
			s.logger.WarnContext(ctx, "command lease expired",
				slog.String("command_id", c.ID.String()),
				slog.String("name", c.Name),
			)
			if c.Retries < s.maxRetries {
				continue
			}
			parked := dlq.NewParked(c.ID, c.Name, c.BusinessKey, c.Payload,
				string(StatusTimedOut), "Timeout", "processing lease expired", c.Retries, s.workerID)
			if err := s.dlq.Park(ctx, parked); err != nil {
				return err
			}
			s.logger.ErrorContext(ctx, "timed-out command parked",
				slog.String("command_id", c.ID.String()),
				slog.Int("retries", c.Retries),
			)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "lease sweep failed", slog.String("error", err.Error()))
	}
}

// Run drives Tick on the configured interval until ctx is done.
func (s *LeaseSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
