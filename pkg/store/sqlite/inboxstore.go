package sqlite

import (
	"context"
	"fmt"
	"time"
)

// InboxStore is the SQLite implementation of inbox.Store. Dedup relies
// on the (message_id, handler) primary key plus insert-or-ignore, so
// concurrent deliveries of the same message race safely: exactly one
// insert wins.
type InboxStore struct {
	db *DB
}

// NewInboxStore creates an inbox store on the shared handle.
func NewInboxStore(db *DB) *InboxStore {
	return &InboxStore{db: db}
}

// InsertIfAbsent records the (message, handler) pair and reports
// whether this call was the first to do so.
func (s *InboxStore) InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	res, err := s.db.querier(ctx).ExecContext(ctx, `
		INSERT INTO inbox (message_id, handler, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, handler) DO NOTHING`,
		messageID, handler, millis(time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("recording inbox message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording inbox message: %w", err)
	}
	return n == 1, nil
}
