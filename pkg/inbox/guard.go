// Package inbox converts at-least-once message delivery into
// effectively-once handling. Every inbound (messageID, handler) pair is
// recorded before its side effects run; redeliveries see the existing
// row and skip processing.
package inbox

import (
	"context"
	"log/slog"
)

// Store persists processed message identifiers. InsertIfAbsent must be
// an atomic insert that reports false on a uniqueness violation instead
// of returning an error or taking a lock.
type Store interface {
	InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error)
}

// Guard wraps inbound message handling with a dedup check.
type Guard struct {
	store  Store
	logger *slog.Logger
}

// NewGuard creates a Guard over the given store.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// MarkIfAbsent returns true only for the first caller of a given
// (messageID, handler) pair. Callers must treat false as "already
// handled": skip side effects and acknowledge the message anyway.
func (g *Guard) MarkIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	first, err := g.store.InsertIfAbsent(ctx, messageID, handler)
	if err != nil {
		return false, err
	}
	if !first {
		g.logger.DebugContext(ctx, "duplicate delivery skipped",
			slog.String("message_id", messageID),
			slog.String("handler", handler),
		)
	}
	return first, nil
}
