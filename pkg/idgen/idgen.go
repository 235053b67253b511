// Package idgen generates identifiers for commands, messages and
// process instances. Message ids are ULIDs so that outbox and inbox
// rows sort in creation order; entity ids are random UUIDs.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a lexicographically sortable ULID string.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCommandID returns a random UUID for a command record.
func NewCommandID() uuid.UUID {
	return uuid.New()
}

// NewProcessID returns a random UUID for a process instance.
func NewProcessID() uuid.UUID {
	return uuid.New()
}
