package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-io/reliable/pkg/process"
)

// ProcessStore is the SQLite implementation of process.Store. The
// per-instance bookkeeping the orchestrator needs between replies
// (accumulated state, completed steps, pending compensations, retry
// counts) travels in a single JSON document per row.
type ProcessStore struct {
	db *DB
}

// NewProcessStore creates a process store on the shared handle.
func NewProcessStore(db *DB) *ProcessStore {
	return &ProcessStore{db: db}
}

// stateDoc is the JSON envelope stored in the state column.
type stateDoc struct {
	State                map[string]any `json:"state"`
	CompletedSteps       []string       `json:"completedSteps,omitempty"`
	PendingCompensations []string       `json:"pendingCompensations,omitempty"`
	Retries              map[string]int `json:"retries,omitempty"`
}

// Save upserts the instance. Saves happen inside the transaction that
// also writes the dispatched command and its outbox row.
func (s *ProcessStore) Save(ctx context.Context, in *process.Instance) error {
	doc, err := json.Marshal(stateDoc{
		State:                in.State,
		CompletedSteps:       in.CompletedSteps,
		PendingCompensations: in.PendingCompensations,
		Retries:              in.Retries,
	})
	if err != nil {
		return fmt.Errorf("serializing process state: %w", err)
	}

	now := millis(time.Now().UTC())
	_, err = s.db.querier(ctx).ExecContext(ctx, `
		INSERT INTO process_instance
			(id, process_type, business_key, status, current_step, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		in.ID.String(), in.ProcessType, in.BusinessKey, in.Status, in.CurrentStep,
		string(doc), millis(in.CreatedAt), now)
	if err != nil {
		return fmt.Errorf("saving process instance: %w", err)
	}
	return nil
}

func (s *ProcessStore) FindByID(ctx context.Context, id uuid.UUID) (*process.Instance, error) {
	var (
		in        process.Instance
		rawID     string
		doc       string
		createdAt int64
		updatedAt int64
	)
	err := s.db.querier(ctx).QueryRowContext(ctx, `
		SELECT id, process_type, business_key, status, current_step, state, created_at, updated_at
		FROM process_instance WHERE id = ?`, id.String(),
	).Scan(&rawID, &in.ProcessType, &in.BusinessKey, &in.Status, &in.CurrentStep,
		&doc, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, process.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding process instance: %w", err)
	}

	in.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parsing process id: %w", err)
	}

	var state stateDoc
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("parsing process state: %w", err)
	}
	in.State = state.State
	if in.State == nil {
		in.State = make(map[string]any)
	}
	in.CompletedSteps = state.CompletedSteps
	in.PendingCompensations = state.PendingCompensations
	in.Retries = state.Retries
	if in.Retries == nil {
		in.Retries = make(map[string]int)
	}
	in.CreatedAt = fromMillis(createdAt)
	in.UpdatedAt = fromMillis(updatedAt)
	return &in, nil
}
