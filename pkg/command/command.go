// Package command implements the command lifecycle: idempotent
// submission, leased execution, terminal states, retry bumping and
// dead-letter parking, plus the handler registry and the transactional
// bus and executor that drive them.
package command

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is a command lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Command is a unit of work requested by a caller. The idempotency key
// is unique: a second submission with the same key is rejected, never
// re-executed.
type Command struct {
	ID             uuid.UUID
	Name           string
	BusinessKey    string
	Payload        string
	IdempotencyKey string
	Status         Status
	Reply          string
	Retries        int
	LastError      string
	LeaseUntil     *time.Time
	RequestedAt    time.Time
	UpdatedAt      time.Time
}

// Store persists command records. All operations are single-row and run
// inside the transaction carried by ctx.
type Store interface {
	SavePending(ctx context.Context, c *Command) error
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)
	Find(ctx context.Context, id uuid.UUID) (*Command, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Command, error)

	MarkRunning(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, reply string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	// BumpRetry returns the command to PENDING and reports the new retry count.
	BumpRetry(ctx context.Context, id uuid.UUID, lastError string) (int, error)
	MarkTimedOut(ctx context.Context, id uuid.UUID, reason string) error

	// FindExpiredLeases lists RUNNING commands whose lease elapsed before now.
	FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Command, error)
}

// TxManager runs a function inside a storage transaction. The
// transaction handle travels in the context; stores pick it up from
// there. Commit happens only when fn returns nil.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
