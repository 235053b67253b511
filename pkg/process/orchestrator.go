package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tessera-io/reliable/pkg/command"
	"github.com/tessera-io/reliable/pkg/idgen"
)

var (
	// ErrAmbiguousProcessDefinition is returned by Register when a
	// definition for the same process type already exists.
	ErrAmbiguousProcessDefinition = errors.New("process type already registered")

	// ErrUnknownProcessType is returned by Initiate for an unregistered type.
	ErrUnknownProcessType = errors.New("no definition for process type")

	// ErrInstanceNotFound is returned by a Store when no instance
	// exists for the given id.
	ErrInstanceNotFound = errors.New("process instance not found")
)

// CommandBus is the slice of the command bus the orchestrator dispatches
// step and compensation commands through.
type CommandBus interface {
	Accept(ctx context.Context, name, idempotencyKey, businessKey, payload string, replyHeaders map[string]string) (uuid.UUID, error)
}

// TxManager runs a function within a storage transaction.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Orchestrator advances process instances: it initiates them, reacts to
// command replies, and drives compensation when a step fails for good.
type Orchestrator struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	store  Store
	bus    CommandBus
	tx     TxManager
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. All arguments are required
// except logger, which defaults to slog.Default().
func NewOrchestrator(store Store, bus CommandBus, tx TxManager, logger *slog.Logger) *Orchestrator {
	if store == nil || bus == nil || tx == nil {
		panic("process: store, bus and tx manager are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		defs:   make(map[string]Definition),
		store:  store,
		bus:    bus,
		tx:     tx,
		logger: logger,
	}
}

// Register adds a process definition. Registering a second definition
// for the same type fails with ErrAmbiguousProcessDefinition.
func (o *Orchestrator) Register(def Definition) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.defs[def.ProcessType()]; exists {
		return fmt.Errorf("%w: %s", ErrAmbiguousProcessDefinition, def.ProcessType())
	}
	o.defs[def.ProcessType()] = def
	return nil
}

// MustRegister is Register for startup wiring where a conflict is a
// programming error.
func (o *Orchestrator) MustRegister(def Definition) {
	if err := o.Register(def); err != nil {
		panic(err)
	}
}

func (o *Orchestrator) definition(processType string) (Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.defs[processType]
	return def, ok
}

// Initiate starts a new instance of the given process type: the
// instance is persisted at the graph's initial step and the step's
// command is dispatched, all in one transaction with the outbox write.
func (o *Orchestrator) Initiate(ctx context.Context, processType, businessKey string, initialState map[string]any) (uuid.UUID, error) {
	def, ok := o.definition(processType)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownProcessType, processType)
	}

	in := NewInstance(idgen.NewProcessID(), processType, businessKey, def.Graph().InitialStep(), initialState)

	err := o.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := o.store.Save(ctx, in); err != nil {
			return err
		}
		return o.dispatch(ctx, in, in.CurrentStep, stepKey(in.ID, in.CurrentStep))
	})
	if err != nil {
		return uuid.Nil, err
	}

	o.logger.InfoContext(ctx, "process initiated",
		slog.String("process_id", in.ID.String()),
		slog.String("process_type", processType),
		slog.String("step", in.CurrentStep))
	return in.ID, nil
}

// OnReply feeds a command reply into the orchestrator. Replies whose
// correlation id does not belong to a process instance are ignored, as
// are replies to instances already in a terminal status. A duplicated
// reply for a live instance would advance the walk again, since only
// the dispatched commands are idempotency-keyed, so the reply ingress
// must dedup deliveries with the inbox guard before calling this.
func (o *Orchestrator) OnReply(ctx context.Context, reply *command.Reply) error {
	return o.tx.WithTx(ctx, func(ctx context.Context) error {
		in, err := o.store.FindByID(ctx, reply.CorrelationID)
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch in.Status {
		case StatusRunning:
			return o.onRunningReply(ctx, in, reply)
		case StatusCompensating:
			return o.advanceCompensation(ctx, in)
		default:
			o.logger.DebugContext(ctx, "reply for finished process ignored",
				slog.String("process_id", in.ID.String()),
				slog.String("status", in.Status))
			return nil
		}
	})
}

func (o *Orchestrator) onRunningReply(ctx context.Context, in *Instance, reply *command.Reply) error {
	def, ok := o.definition(in.ProcessType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcessType, in.ProcessType)
	}

	if reply.IsSuccess() {
		return o.advance(ctx, in, def, reply.Data)
	}

	step := in.CurrentStep
	if def.IsRetryable(step, reply.Error) && in.RetryCount(step) < def.MaxRetries(step) {
		attempt := in.BumpRetry(step)
		if err := o.store.Save(ctx, in); err != nil {
			return err
		}
		o.logger.WarnContext(ctx, "process step retrying",
			slog.String("process_id", in.ID.String()),
			slog.String("step", step),
			slog.Int("attempt", attempt),
			slog.String("error", reply.Error))
		return o.dispatch(ctx, in, step, retryKey(in.ID, step, attempt))
	}

	o.logger.WarnContext(ctx, "process step failed, compensating",
		slog.String("process_id", in.ID.String()),
		slog.String("step", step),
		slog.String("error", reply.Error))
	return o.beginCompensation(ctx, in, def)
}

func (o *Orchestrator) advance(ctx context.Context, in *Instance, def Definition, data map[string]any) error {
	in.MergeState(data)
	in.CompletedSteps = append(in.CompletedSteps, in.CurrentStep)

	next, ok := def.Graph().NextStep(in.CurrentStep, in.State)
	if !ok {
		in.Status = StatusCompleted
		in.CurrentStep = ""
		if err := o.store.Save(ctx, in); err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "process completed",
			slog.String("process_id", in.ID.String()),
			slog.String("process_type", in.ProcessType))
		return nil
	}

	in.CurrentStep = next
	if err := o.store.Save(ctx, in); err != nil {
		return err
	}
	return o.dispatch(ctx, in, next, stepKey(in.ID, next))
}

// beginCompensation flips the instance to COMPENSATING and queues the
// completed steps that carry a compensation, in reverse completion
// order, then dispatches the first one.
func (o *Orchestrator) beginCompensation(ctx context.Context, in *Instance, def Definition) error {
	in.Status = StatusCompensating
	in.PendingCompensations = in.PendingCompensations[:0]
	graph := def.Graph()
	for i := len(in.CompletedSteps) - 1; i >= 0; i-- {
		step := in.CompletedSteps[i]
		if _, ok := graph.CompensationStep(step); ok {
			in.PendingCompensations = append(in.PendingCompensations, step)
		}
	}
	return o.advanceCompensation(ctx, in)
}

// advanceCompensation dispatches the next pending compensation command,
// or marks the instance FAILED when the walk is exhausted.
func (o *Orchestrator) advanceCompensation(ctx context.Context, in *Instance) error {
	def, ok := o.definition(in.ProcessType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcessType, in.ProcessType)
	}

	if len(in.PendingCompensations) == 0 {
		in.Status = StatusFailed
		in.CurrentStep = ""
		if err := o.store.Save(ctx, in); err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "process failed, compensation finished",
			slog.String("process_id", in.ID.String()),
			slog.String("process_type", in.ProcessType))
		return nil
	}

	step := in.PendingCompensations[0]
	in.PendingCompensations = in.PendingCompensations[1:]
	comp, _ := def.Graph().CompensationStep(step)
	in.CurrentStep = comp
	if err := o.store.Save(ctx, in); err != nil {
		return err
	}
	return o.dispatch(ctx, in, comp, compensationKey(in.ID, step))
}

// dispatch submits a step or compensation command through the bus. A
// duplicate idempotency key means the command was already accepted on a
// previous delivery of the same reply, which is fine.
func (o *Orchestrator) dispatch(ctx context.Context, in *Instance, commandType, idempotencyKey string) error {
	payload, err := stepPayload(in)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"correlationId": in.ID.String(),
		"processType":   in.ProcessType,
	}
	_, err = o.bus.Accept(ctx, commandType, idempotencyKey, in.BusinessKey, payload, headers)
	if errors.Is(err, command.ErrDuplicateIdempotencyKey) {
		o.logger.DebugContext(ctx, "step command already dispatched",
			slog.String("process_id", in.ID.String()),
			slog.String("command", commandType))
		return nil
	}
	return err
}

// stepPayload serializes the accumulated state plus the instance
// identity, which step handlers read as their command input.
func stepPayload(in *Instance) (string, error) {
	payload := make(map[string]any, len(in.State)+2)
	for k, v := range in.State {
		payload[k] = v
	}
	payload["processId"] = in.ID.String()
	payload["businessKey"] = in.BusinessKey
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serializing process state: %w", err)
	}
	return string(b), nil
}

func stepKey(id uuid.UUID, step string) string {
	return fmt.Sprintf("%s:%s", id, step)
}

func retryKey(id uuid.UUID, step string, attempt int) string {
	return fmt.Sprintf("%s:%s:retry-%d", id, step, attempt)
}

func compensationKey(id uuid.UUID, step string) string {
	return fmt.Sprintf("%s:COMPENSATE:%s", id, step)
}
