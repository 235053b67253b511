package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-io/reliable/pkg/dlq"
	"github.com/tessera-io/reliable/pkg/outbox"
)

// passTx satisfies TxManager without a real database. Rollback-on-error
// semantics are covered by the sqlite store tests.
type passTx struct{}

func (passTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// failingTx refuses every transaction.
type failingTx struct{}

func (failingTx) WithTx(context.Context, func(ctx context.Context) error) error {
	return fmt.Errorf("database is locked")
}

// memCommands is an in-memory Store keyed by id and idempotency key.
type memCommands struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Command
	byKey  map[string]uuid.UUID
	bumped int
}

func newMemCommands() *memCommands {
	return &memCommands{byID: make(map[uuid.UUID]*Command), byKey: make(map[string]uuid.UUID)}
}

func (m *memCommands) SavePending(_ context.Context, c *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byKey[c.IdempotencyKey]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, c.IdempotencyKey)
	}
	cp := *c
	cp.Status = StatusPending
	cp.RequestedAt = time.Now()
	m.byID[c.ID] = &cp
	m.byKey[c.IdempotencyKey] = c.ID
	return nil
}

func (m *memCommands) ExistsByIdempotencyKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byKey[key]
	return ok, nil
}

func (m *memCommands) Find(_ context.Context, id uuid.UUID) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCommands) FindByIdempotencyKey(ctx context.Context, key string) (*Command, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrCommandNotFound
	}
	return m.Find(ctx, id)
}

func (m *memCommands) mutate(id uuid.UUID, fn func(c *Command)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrCommandNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memCommands) MarkRunning(_ context.Context, id uuid.UUID, leaseUntil time.Time) error {
	return m.mutate(id, func(c *Command) {
		c.Status = StatusRunning
		c.LeaseUntil = &leaseUntil
	})
}

func (m *memCommands) MarkSucceeded(_ context.Context, id uuid.UUID, reply string) error {
	return m.mutate(id, func(c *Command) {
		c.Status = StatusSucceeded
		c.Reply = reply
		c.LeaseUntil = nil
	})
}

func (m *memCommands) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	return m.mutate(id, func(c *Command) {
		c.Status = StatusFailed
		c.LastError = lastError
		c.LeaseUntil = nil
	})
}

func (m *memCommands) BumpRetry(_ context.Context, id uuid.UUID, lastError string) (int, error) {
	var retries int
	err := m.mutate(id, func(c *Command) {
		c.Status = StatusPending
		c.Retries++
		c.LastError = lastError
		c.LeaseUntil = nil
		retries = c.Retries
	})
	if err == nil {
		m.mu.Lock()
		m.bumped++
		m.mu.Unlock()
	}
	return retries, err
}

func (m *memCommands) MarkTimedOut(_ context.Context, id uuid.UUID, reason string) error {
	return m.mutate(id, func(c *Command) {
		c.Status = StatusTimedOut
		c.LastError = reason
		c.LeaseUntil = nil
	})
}

func (m *memCommands) FindExpiredLeases(_ context.Context, now time.Time, limit int) ([]*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Command
	for _, c := range m.byID {
		if c.Status == StatusRunning && c.LeaseUntil != nil && c.LeaseUntil.Before(now) {
			cp := *c
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// memOutbox records appended entries.
type memOutbox struct {
	mu      sync.Mutex
	entries []*outbox.Entry
}

func (m *memOutbox) Add(_ context.Context, e *outbox.Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *memOutbox) byCategory(category string) []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for _, e := range m.entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// memInbox remembers seen (message, handler) pairs.
type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemInbox() *memInbox { return &memInbox{seen: make(map[string]bool)} }

func (m *memInbox) MarkIfAbsent(_ context.Context, messageID, handler string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageID + "|" + handler
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

// memDLQ records parked commands.
type memDLQ struct {
	mu     sync.Mutex
	parked []*dlq.Parked
}

func (m *memDLQ) Park(_ context.Context, p *dlq.Parked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked = append(m.parked, p)
	return nil
}

func (m *memDLQ) List(_ context.Context, limit int) ([]*dlq.Parked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.parked) {
		limit = len(m.parked)
	}
	return m.parked[:limit], nil
}
