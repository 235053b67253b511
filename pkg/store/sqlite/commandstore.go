package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-io/reliable/pkg/command"
)

// CommandStore is the SQLite implementation of command.Store.
type CommandStore struct {
	db *DB
}

// NewCommandStore creates a command store on the shared handle.
func NewCommandStore(db *DB) *CommandStore {
	return &CommandStore{db: db}
}

const commandColumns = `id, name, business_key, payload, idempotency_key,
	status, reply, retries, last_error, lease_until, requested_at, updated_at`

// SavePending inserts a new PENDING command. The unique index on the
// idempotency key is the backstop against concurrent duplicate submits.
func (s *CommandStore) SavePending(ctx context.Context, c *command.Command) error {
	now := time.Now().UTC()
	_, err := s.db.querier(ctx).ExecContext(ctx, `
		INSERT INTO command (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, '', 0, '', NULL, ?, ?)`,
		c.ID.String(), c.Name, c.BusinessKey, c.Payload, c.IdempotencyKey,
		string(command.StatusPending), millis(now), millis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", command.ErrDuplicateIdempotencyKey, c.IdempotencyKey)
		}
		return fmt.Errorf("saving command: %w", err)
	}
	return nil
}

func (s *CommandStore) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.querier(ctx).QueryRowContext(ctx,
		`SELECT 1 FROM command WHERE idempotency_key = ?`, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking idempotency key: %w", err)
	}
	return true, nil
}

func (s *CommandStore) Find(ctx context.Context, id uuid.UUID) (*command.Command, error) {
	row := s.db.querier(ctx).QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command WHERE id = ?`, id.String())
	return scanCommand(row)
}

func (s *CommandStore) FindByIdempotencyKey(ctx context.Context, key string) (*command.Command, error) {
	row := s.db.querier(ctx).QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command WHERE idempotency_key = ?`, key)
	return scanCommand(row)
}

// MarkRunning transitions PENDING to RUNNING and takes the lease.
func (s *CommandStore) MarkRunning(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	return s.transition(ctx, `
		UPDATE command SET status = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(command.StatusRunning), millis(leaseUntil), nowMillis(),
		id.String(), string(command.StatusPending))
}

func (s *CommandStore) MarkSucceeded(ctx context.Context, id uuid.UUID, reply string) error {
	return s.transition(ctx, `
		UPDATE command SET status = ?, reply = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(command.StatusSucceeded), reply, nowMillis(),
		id.String(), string(command.StatusRunning))
}

func (s *CommandStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.transition(ctx, `
		UPDATE command SET status = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(command.StatusFailed), lastError, nowMillis(),
		id.String(), string(command.StatusRunning), string(command.StatusPending))
}

// BumpRetry returns a command to PENDING for redelivery and reports the
// new retry count. Deliberately not status-guarded: a transient failure
// rolls the RUNNING transition back before the attempt is counted, so
// the command is already PENDING by the time this runs.
func (s *CommandStore) BumpRetry(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	q := s.db.querier(ctx)
	res, err := q.ExecContext(ctx, `
		UPDATE command
		SET status = ?, retries = retries + 1, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ?`,
		string(command.StatusPending), lastError, nowMillis(),
		id.String())
	if err != nil {
		return 0, fmt.Errorf("bumping retry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, command.ErrCommandNotFound
	}

	var retries int
	if err := q.QueryRowContext(ctx,
		`SELECT retries FROM command WHERE id = ?`, id.String(),
	).Scan(&retries); err != nil {
		return 0, fmt.Errorf("reading retry count: %w", err)
	}
	return retries, nil
}

func (s *CommandStore) MarkTimedOut(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, `
		UPDATE command SET status = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(command.StatusTimedOut), reason, nowMillis(),
		id.String(), string(command.StatusRunning))
}

// FindExpiredLeases lists RUNNING commands whose lease elapsed before now.
func (s *CommandStore) FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*command.Command, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx, `
		SELECT `+commandColumns+` FROM command
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?
		ORDER BY lease_until LIMIT ?`,
		string(command.StatusRunning), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired leases: %w", err)
	}
	defer rows.Close()

	var out []*command.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *CommandStore) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return command.ErrCommandNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*command.Command, error) {
	var (
		c          command.Command
		id         string
		status     string
		leaseUntil sql.NullInt64
		requested  int64
		updated    int64
	)
	err := row.Scan(&id, &c.Name, &c.BusinessKey, &c.Payload, &c.IdempotencyKey,
		&status, &c.Reply, &c.Retries, &c.LastError, &leaseUntil, &requested, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, command.ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing command id: %w", err)
	}
	c.Status = command.Status(status)
	c.LeaseUntil = timePtr(leaseUntil)
	c.RequestedAt = fromMillis(requested)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func nowMillis() int64 { return millis(time.Now().UTC()) }

// isUniqueViolation matches the driver's unique-constraint error. The
// modernc driver reports it as a string, so this is a message check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
