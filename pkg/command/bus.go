package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tessera-io/reliable/pkg/config"
	"github.com/tessera-io/reliable/pkg/idgen"
	"github.com/tessera-io/reliable/pkg/outbox"
)

// OutboxAppender is the slice of the outbox store the bus and executor
// need: inserting entries inside the ambient transaction.
type OutboxAppender interface {
	Add(ctx context.Context, e *outbox.Entry) (int64, error)
}

// Bus accepts command submissions. The command record and the outbox
// entry that carries the command to its worker queue are written in one
// transaction, so a submission is either fully durable or not at all.
type Bus struct {
	commands Store
	outbox   OutboxAppender
	tx       TxManager
	naming   config.Naming
	logger   *slog.Logger
}

// NewBus wires a transactional command bus.
func NewBus(commands Store, ob OutboxAppender, tx TxManager, naming config.Naming, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{commands: commands, outbox: ob, tx: tx, naming: naming, logger: logger}
}

// Accept persists the command as PENDING and enqueues it through the
// outbox. It fails with ErrDuplicateIdempotencyKey when the key was
// already used; callers should then fetch the original by key rather
// than retry the submission.
func (b *Bus) Accept(ctx context.Context, name, idempotencyKey, businessKey, payload string, replyHeaders map[string]string) (uuid.UUID, error) {
	id := idgen.NewCommandID()

	err := b.tx.WithTx(ctx, func(ctx context.Context) error {
		exists, err := b.commands.ExistsByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, idempotencyKey)
		}

		cmd := &Command{
			ID:             id,
			Name:           name,
			BusinessKey:    businessKey,
			Payload:        payload,
			IdempotencyKey: idempotencyKey,
			Status:         StatusPending,
		}
		if err := b.commands.SavePending(ctx, cmd); err != nil {
			return err
		}

		headers := commandHeaders(id, name, businessKey, replyHeaders)
		entry := outbox.NewCommandEntry(b.naming.CommandQueue(name), businessKey, payload, headers)
		if _, err := b.outbox.Add(ctx, entry); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	b.logger.InfoContext(ctx, "command accepted",
		slog.String("command_id", id.String()),
		slog.String("name", name),
		slog.String("business_key", businessKey),
	)
	return id, nil
}

// FindByIdempotencyKey lets a caller that hit a duplicate-key rejection
// retrieve the original command and its reply.
func (b *Bus) FindByIdempotencyKey(ctx context.Context, key string) (*Command, error) {
	var found *Command
	err := b.tx.WithTx(ctx, func(ctx context.Context) error {
		c, err := b.commands.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		found = c
		return nil
	})
	return found, err
}

func commandHeaders(id uuid.UUID, name, businessKey string, replyHeaders map[string]string) map[string]string {
	headers := make(map[string]string, len(replyHeaders)+3)
	for k, v := range replyHeaders {
		headers[k] = v
	}
	// Platform headers win over caller-supplied ones.
	headers["commandId"] = id.String()
	headers["commandName"] = name
	headers["businessKey"] = businessKey
	return headers
}

// MergeData serializes a state map for a command payload.
func MergeData(data map[string]any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serializing command data: %w", err)
	}
	return string(b), nil
}
