package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessera-io/reliable/pkg/outbox"
)

// OutboxStore is the SQLite implementation of outbox.Store. Claiming is
// a single conditional UPDATE with RETURNING, so concurrent relay
// instances never receive the same row even without row-level locks.
type OutboxStore struct {
	db *DB
}

// NewOutboxStore creates an outbox store on the shared handle.
func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Add inserts an entry as NEW inside the ambient transaction.
func (s *OutboxStore) Add(ctx context.Context, e *outbox.Entry) (int64, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return 0, fmt.Errorf("serializing outbox headers: %w", err)
	}
	res, err := s.db.querier(ctx).ExecContext(ctx, `
		INSERT INTO outbox (category, topic, key, type, payload, headers, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		e.Category, e.Topic, e.Key, e.Type, e.Payload, string(headers),
		outbox.StatusNew, millis(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("adding outbox entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("adding outbox entry: %w", err)
	}
	e.ID = id
	return id, nil
}

// RecoverStuck returns SENDING entries claimed longer than olderThan
// ago to the unclaimed pool. Covers relay instances that died mid-batch.
func (s *OutboxStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.querier(ctx).ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, claimed_by = '', claimed_at = NULL
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		outbox.StatusNew, outbox.StatusSending, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recovering stuck entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recovering stuck entries: %w", err)
	}
	return int(n), nil
}

const outboxColumns = `id, category, topic, key, type, payload, headers,
	status, attempts, next_attempt_at, claimed_by, claimed_at, created_at, published_at, last_error`

// ClaimBatch atomically flips up to limit due NEW entries to SENDING
// for claimedBy and returns them in insertion order.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int, claimedBy string) ([]*outbox.Entry, error) {
	now := millis(time.Now().UTC())
	rows, err := s.db.querier(ctx).QueryContext(ctx, `
		UPDATE outbox
		SET status = ?, claimed_by = ?, claimed_at = ?
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY id
			LIMIT ?
		)
		RETURNING `+outboxColumns,
		outbox.StatusSending, claimedBy, now,
		outbox.StatusNew, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.querier(ctx).ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, published_at = ?, last_error = ''
		WHERE id = ?`,
		outbox.StatusPublished, millis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("marking outbox entry published: %w", err)
	}
	return nil
}

// MarkFailed returns an entry to the unclaimed pool for a later attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error {
	_, err := s.db.querier(ctx).ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, attempts = attempts + 1, next_attempt_at = ?,
		    last_error = ?, claimed_by = '', claimed_at = NULL
		WHERE id = ?`,
		outbox.StatusNew, millis(nextAttempt), lastError, id)
	if err != nil {
		return fmt.Errorf("marking outbox entry failed: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkPermanentlyFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.querier(ctx).ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, last_error = ?, claimed_by = '', claimed_at = NULL
		WHERE id = ?`,
		outbox.StatusFailed, lastError, id)
	if err != nil {
		return fmt.Errorf("marking outbox entry permanently failed: %w", err)
	}
	return nil
}

func scanOutboxEntry(row rowScanner) (*outbox.Entry, error) {
	var (
		e           outbox.Entry
		headers     string
		nextAttempt sql.NullInt64
		claimedAt   sql.NullInt64
		createdAt   int64
		publishedAt sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Category, &e.Topic, &e.Key, &e.Type, &e.Payload, &headers,
		&e.Status, &e.Attempts, &nextAttempt, &e.ClaimedBy, &claimedAt,
		&createdAt, &publishedAt, &e.LastError)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return nil, fmt.Errorf("parsing outbox headers: %w", err)
	}
	e.NextAttemptAt = timePtr(nextAttempt)
	e.ClaimedAt = timePtr(claimedAt)
	e.CreatedAt = fromMillis(createdAt)
	e.PublishedAt = timePtr(publishedAt)
	return &e, nil
}
