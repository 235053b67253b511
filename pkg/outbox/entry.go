// Package outbox implements the transactional outbox: outbound messages
// are written to local storage in the same transaction as the business
// state change that produced them, then relayed asynchronously to the
// real transports by a sweeper.
package outbox

import (
	"context"
	"time"
)

// Entry categories. The category decides which transport publishes the
// entry: commands and replies go to the queue publisher, events to the
// stream publisher.
const (
	CategoryCommand = "command"
	CategoryReply   = "reply"
	CategoryEvent   = "event"
)

// Entry statuses.
const (
	// StatusNew marks an unclaimed entry waiting to be published.
	StatusNew = "NEW"
	// StatusSending marks an entry claimed by exactly one relay instance.
	StatusSending = "SENDING"
	// StatusPublished is terminal success.
	StatusPublished = "PUBLISHED"
	// StatusFailed is terminal failure (e.g. unknown category). Retryable
	// publish failures go back to NEW with a future next-attempt time.
	StatusFailed = "FAILED"
)

// Header keys a reply entry must carry so the original caller can
// correlate asynchronously.
const (
	HeaderCorrelationID = "correlationId"
	HeaderCommandID     = "commandId"
	HeaderStatus        = "status"
)

// Entry is a unit of outbound work.
type Entry struct {
	ID            int64
	Category      string
	Topic         string
	Key           string
	Type          string
	Payload       string
	Headers       map[string]string
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	ClaimedBy     string
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
	LastError     string
}

// NewCommandEntry builds an outbox row carrying a command to a worker queue.
func NewCommandEntry(topic, key, payload string, headers map[string]string) *Entry {
	return newEntry(CategoryCommand, topic, key, "CommandRequested", payload, headers)
}

// NewReplyEntry builds an outbox row carrying a command reply back to
// its caller. Headers must include correlationId, commandId and status.
func NewReplyEntry(topic, key, replyType, payload string, headers map[string]string) *Entry {
	return newEntry(CategoryReply, topic, key, replyType, payload, headers)
}

// NewEventEntry builds an outbox row carrying a domain event for the
// stream transport.
func NewEventEntry(topic, key, eventType, payload string) *Entry {
	return newEntry(CategoryEvent, topic, key, eventType, payload, nil)
}

func newEntry(category, topic, key, typ, payload string, headers map[string]string) *Entry {
	if headers == nil {
		headers = map[string]string{}
	}
	return &Entry{
		Category: category,
		Topic:    topic,
		Key:      key,
		Type:     typ,
		Payload:  payload,
		Headers:  headers,
		Status:   StatusNew,
	}
}

// Store persists outbox entries. Claiming must be race-free at the
// storage layer: concurrent relay instances never receive the same row.
type Store interface {
	// Add inserts an entry as NEW and returns its id. Must be called
	// inside the transaction of the business change the entry reports.
	Add(ctx context.Context, e *Entry) (int64, error)

	// RecoverStuck returns entries claimed longer than olderThan ago to
	// the unclaimed pool and reports how many were recovered.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// ClaimBatch atomically claims up to limit due entries for claimedBy.
	ClaimBatch(ctx context.Context, limit int, claimedBy string) ([]*Entry, error)

	// MarkPublished records terminal success.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a retryable failure: the entry returns to the
	// unclaimed pool with attempts incremented and nextAttempt set.
	MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error

	// MarkPermanentlyFailed records terminal failure; the entry is never retried.
	MarkPermanentlyFailed(ctx context.Context, id int64, lastError string) error
}

// Publisher is the transport contract the relay publishes through.
// Implementations throw ordinary errors on transport failure.
type Publisher interface {
	Publish(ctx context.Context, topic, key, msgType, payload string, headers map[string]string) error
}
