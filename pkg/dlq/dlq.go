// Package dlq holds dead-letter records for commands that exhausted
// their retries or failed permanently. Parked commands leave the active
// retry path and wait for manual or automated follow-up.
package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Parked is a dead-letter record carrying everything an operator needs
// to diagnose or resubmit the command.
type Parked struct {
	ID           uuid.UUID
	CommandID    uuid.UUID
	CommandName  string
	BusinessKey  string
	Payload      string
	FailedStatus string
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}

// Store persists dead-letter records.
type Store interface {
	Park(ctx context.Context, p *Parked) error
	List(ctx context.Context, limit int) ([]*Parked, error)
}

// NewParked builds a record ready to park.
func NewParked(commandID uuid.UUID, name, businessKey, payload, failedStatus, errClass, errMsg string, attempts int, parkedBy string) *Parked {
	return &Parked{
		ID:           uuid.New(),
		CommandID:    commandID,
		CommandName:  name,
		BusinessKey:  businessKey,
		Payload:      payload,
		FailedStatus: failedStatus,
		ErrorClass:   errClass,
		ErrorMessage: errMsg,
		Attempts:     attempts,
		ParkedBy:     parkedBy,
	}
}
