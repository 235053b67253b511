package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessera-io/reliable/pkg/config"
	"github.com/tessera-io/reliable/pkg/dlq"
	"github.com/tessera-io/reliable/pkg/outbox"
)

// Deduper is the inbox guard contract the executor needs.
type Deduper interface {
	MarkIfAbsent(ctx context.Context, messageID, handler string) (bool, error)
}

// inboxHandlerName identifies the executor in the inbox table.
const inboxHandlerName = "CommandExecutor"

// Executor processes inbound command messages: inbox dedup, lease,
// handler invocation, and terminal-state plus outbox writes in one
// transaction. Transient failures propagate so the transport redelivers;
// permanent failures are parked and answered with a failed reply.
type Executor struct {
	inbox      Deduper
	commands   Store
	outbox     OutboxAppender
	dlq        dlq.Store
	registry   *Registry
	tx         TxManager
	naming     config.Naming
	lease      time.Duration
	maxRetries int
	workerID   string
	logger     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLease sets the RUNNING lease duration. Default 30s.
func WithLease(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.lease = d }
}

// WithMaxRetries caps transient retries before parking. Default 3.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

// WithWorkerID names this worker in dead-letter records.
func WithWorkerID(id string) ExecutorOption {
	return func(e *Executor) { e.workerID = id }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor wires a command executor.
func NewExecutor(inbox Deduper, commands Store, ob OutboxAppender, dlqStore dlq.Store,
	registry *Registry, tx TxManager, naming config.Naming, opts ...ExecutorOption) *Executor {
	e := &Executor{
		inbox:      inbox,
		commands:   commands,
		outbox:     ob,
		dlq:        dlqStore,
		registry:   registry,
		tx:         tx,
		naming:     naming,
		lease:      30 * time.Second,
		maxRetries: 3,
		workerID:   "worker",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process handles one inbound message. A returned error means the
// message's work was rolled back and the transport should redeliver;
// nil means the message is fully handled (including the already-handled
// duplicate case) and must be acknowledged.
func (e *Executor) Process(ctx context.Context, msg *Message) error {
	var transientCause error

	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		first, err := e.inbox.MarkIfAbsent(ctx, msg.MessageID, inboxHandlerName)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}

		if err := e.commands.MarkRunning(ctx, msg.CommandID, time.Now().Add(e.lease)); err != nil {
			return err
		}

		result, handleErr := e.registry.Invoke(ctx, msg)
		if handleErr == nil {
			return e.succeed(ctx, msg, result)
		}
		if IsTransient(handleErr) {
			// Roll everything back (handler side effects and the inbox
			// mark included) so redelivery re-executes from scratch.
			transientCause = handleErr
			return handleErr
		}
		// Everything not explicitly transient is permanent: validation
		// failures, business-rule violations, unknown handlers.
		return e.failPermanently(ctx, msg, handleErr)
	})

	if transientCause != nil {
		return e.retryOrPark(ctx, msg, transientCause)
	}
	return err
}

func (e *Executor) succeed(ctx context.Context, msg *Message, result map[string]any) error {
	reply := CompletedReply(msg.CommandID, msg.CorrelationID, result)
	if err := e.commands.MarkSucceeded(ctx, msg.CommandID, reply.ToJSON()); err != nil {
		return err
	}
	if err := e.writeOutcome(ctx, msg, reply, "CommandCompleted"); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "command succeeded",
		slog.String("command_id", msg.CommandID.String()),
		slog.String("command_type", msg.CommandType),
	)
	return nil
}

// retryOrPark runs after the main transaction rolled back on a
// transient failure. The retry bump gets its own transaction so the
// count survives; once the cap is reached the command is parked and the
// message acknowledged.
func (e *Executor) retryOrPark(ctx context.Context, msg *Message, cause error) error {
	var parked bool
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		retries, err := e.commands.BumpRetry(ctx, msg.CommandID, cause.Error())
		if err != nil {
			return err
		}
		if retries < e.maxRetries {
			e.logger.WarnContext(ctx, "transient command failure, awaiting redelivery",
				slog.String("command_id", msg.CommandID.String()),
				slog.Int("retries", retries),
				slog.String("error", cause.Error()),
			)
			return nil
		}
		parked = true
		e.logger.ErrorContext(ctx, "command retries exhausted, parking",
			slog.String("command_id", msg.CommandID.String()),
			slog.Int("retries", retries),
		)
		if err := e.commands.MarkFailed(ctx, msg.CommandID, cause.Error()); err != nil {
			return err
		}
		return e.park(ctx, msg, StatusFailed, "Transient", cause, retries)
	})
	if err != nil {
		return err
	}
	if parked {
		return nil
	}
	return cause
}

func (e *Executor) failPermanently(ctx context.Context, msg *Message, cause error) error {
	if err := e.commands.MarkFailed(ctx, msg.CommandID, cause.Error()); err != nil {
		return err
	}
	return e.park(ctx, msg, StatusFailed, errorClass(cause), cause, 0)
}

// park writes the dead-letter record and the failed reply/event rows.
// It commits: the caller must not retry a parked command.
func (e *Executor) park(ctx context.Context, msg *Message, status Status, class string, cause error, attempts int) error {
	parked := dlq.NewParked(msg.CommandID, msg.CommandType, msg.BusinessKey, msg.Payload,
		string(status), class, cause.Error(), attempts, e.workerID)
	if err := e.dlq.Park(ctx, parked); err != nil {
		return err
	}
	reply := FailedReply(msg.CommandID, msg.CorrelationID, cause.Error())
	return e.writeOutcome(ctx, msg, reply, "CommandFailed")
}

// writeOutcome appends the reply and event outbox rows in the ambient
// transaction, so the outcome can never be lost once the tx commits.
func (e *Executor) writeOutcome(ctx context.Context, msg *Message, reply *Reply, eventType string) error {
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = e.naming.ReplyQueue()
	}
	headers := map[string]string{
		outbox.HeaderCorrelationID: msg.CorrelationID.String(),
		outbox.HeaderCommandID:     msg.CommandID.String(),
		outbox.HeaderStatus:        string(reply.Status),
	}
	for k, v := range msg.Headers {
		if _, reserved := headers[k]; !reserved {
			headers[k] = v
		}
	}

	replyJSON := reply.ToJSON()
	if _, err := e.outbox.Add(ctx, outbox.NewReplyEntry(replyTo, msg.BusinessKey, eventType, replyJSON, headers)); err != nil {
		return err
	}
	topic := e.naming.EventTopic(msg.CommandType)
	if _, err := e.outbox.Add(ctx, outbox.NewEventEntry(topic, msg.BusinessKey, eventType, replyJSON)); err != nil {
		return err
	}
	return nil
}

func errorClass(err error) string {
	switch {
	case IsPermanent(err):
		return "Permanent"
	case IsTransient(err):
		return "Transient"
	default:
		return "Unclassified"
	}
}
