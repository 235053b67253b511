package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-io/reliable/pkg/dlq"
)

// DLQStore is the SQLite implementation of dlq.Store.
type DLQStore struct {
	db *DB
}

// NewDLQStore creates a dead-letter store on the shared handle.
func NewDLQStore(db *DB) *DLQStore {
	return &DLQStore{db: db}
}

// Park inserts the record inside the ambient transaction, so a command
// is never marked failed without its dead-letter trail or vice versa.
func (s *DLQStore) Park(ctx context.Context, p *dlq.Parked) error {
	parkedAt := p.ParkedAt
	if parkedAt.IsZero() {
		parkedAt = time.Now().UTC()
	}
	_, err := s.db.querier(ctx).ExecContext(ctx, `
		INSERT INTO dlq
			(id, command_id, command_name, business_key, payload,
			 failed_status, error_class, error_message, attempts, parked_by, parked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.CommandID.String(), p.CommandName, p.BusinessKey, p.Payload,
		p.FailedStatus, p.ErrorClass, p.ErrorMessage, p.Attempts, p.ParkedBy, millis(parkedAt))
	if err != nil {
		return fmt.Errorf("parking command: %w", err)
	}
	return nil
}

// List returns the most recently parked records, newest first.
func (s *DLQStore) List(ctx context.Context, limit int) ([]*dlq.Parked, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx, `
		SELECT id, command_id, command_name, business_key, payload,
		       failed_status, error_class, error_message, attempts, parked_by, parked_at
		FROM dlq ORDER BY parked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing parked commands: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Parked
	for rows.Next() {
		var (
			p         dlq.Parked
			id        string
			commandID string
			parkedAt  int64
		)
		if err := rows.Scan(&id, &commandID, &p.CommandName, &p.BusinessKey, &p.Payload,
			&p.FailedStatus, &p.ErrorClass, &p.ErrorMessage, &p.Attempts, &p.ParkedBy, &parkedAt); err != nil {
			return nil, fmt.Errorf("scanning parked command: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing parked id: %w", err)
		}
		if p.CommandID, err = uuid.Parse(commandID); err != nil {
			return nil, fmt.Errorf("parsing parked command id: %w", err)
		}
		p.ParkedAt = fromMillis(parkedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}
