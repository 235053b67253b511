package process

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Instance status values.
const (
	StatusRunning      = "RUNNING"
	StatusCompensating = "COMPENSATING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
)

// Instance is one execution of a process definition.
type Instance struct {
	ID          uuid.UUID
	ProcessType string
	BusinessKey string
	Status      string
	CurrentStep string

	// State accumulates data merged in from step replies. Steps read it
	// to build their command payloads and predicates branch on it.
	State map[string]any

	// CompletedSteps records successfully finished steps in completion
	// order. Compensation walks it in reverse.
	CompletedSteps []string

	// PendingCompensations are completed steps whose compensation
	// commands are still to be dispatched, front of the slice first.
	PendingCompensations []string

	// Retries counts dispatch attempts per step for the current run.
	Retries map[string]int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewInstance creates a RUNNING instance positioned at the graph's
// initial step.
func NewInstance(id uuid.UUID, processType, businessKey, initialStep string, state map[string]any) *Instance {
	if state == nil {
		state = make(map[string]any)
	}
	now := time.Now().UTC()
	return &Instance{
		ID:          id,
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      StatusRunning,
		CurrentStep: initialStep,
		State:       state,
		Retries:     make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MergeState folds reply data into the instance state. Keys from the
// reply overwrite existing keys.
func (in *Instance) MergeState(data map[string]any) {
	for k, v := range data {
		in.State[k] = v
	}
}

// RetryCount returns the number of retries already spent on a step.
func (in *Instance) RetryCount(step string) int {
	if in.Retries == nil {
		return 0
	}
	return in.Retries[step]
}

// BumpRetry increments and returns the retry count for a step.
func (in *Instance) BumpRetry(step string) int {
	if in.Retries == nil {
		in.Retries = make(map[string]int)
	}
	in.Retries[step]++
	return in.Retries[step]
}

// Store persists process instances.
type Store interface {
	Save(ctx context.Context, in *Instance) error
	FindByID(ctx context.Context, id uuid.UUID) (*Instance, error)
}
