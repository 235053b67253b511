package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// HandlerFunc executes one command type. It receives the raw message
// and returns the result data for the reply, or an error classified via
// PermanentError / TransientError.
type HandlerFunc func(ctx context.Context, msg *Message) (map[string]any, error)

// Registry maps a command type name to exactly one handler. It is
// populated once during startup wiring; a conflicting registration is a
// configuration error that must abort the process.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Register binds fn to commandType. Registering a second handler for
// the same type returns a HandlerConflictError naming the type.
func (r *Registry) Register(commandType string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("nil handler for command type: %s", commandType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[commandType]; exists {
		return &HandlerConflictError{CommandType: commandType}
	}
	r.logger.Info("registered command handler", slog.String("command_type", commandType))
	r.handlers[commandType] = fn
	return nil
}

// MustRegister is Register with a panic on conflict, for wiring code
// that treats registration failure as fatal.
func (r *Registry) MustRegister(commandType string, fn HandlerFunc) {
	if err := r.Register(commandType, fn); err != nil {
		panic(err)
	}
}

// Types returns the registered command types, for startup logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Invoke runs the handler for msg and returns its raw result. Panics
// inside handlers are recovered into permanent errors so one bad
// payload cannot take the consumer down.
func (r *Registry) Invoke(ctx context.Context, msg *Message) (result map[string]any, err error) {
	r.mu.RLock()
	fn, ok := r.handlers[msg.CommandType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for command type: %s", ErrNoHandler, msg.CommandType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "command handler panicked",
				slog.String("command_type", msg.CommandType),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = NewPermanentError("handler panicked: %v", rec)
		}
	}()

	return fn(ctx, msg)
}

// Handle runs the handler for msg and wraps the outcome as a Reply.
// Handler errors become failed replies; they never escape as errors.
func (r *Registry) Handle(ctx context.Context, msg *Message) *Reply {
	result, err := r.Invoke(ctx, msg)
	if err != nil {
		r.logger.ErrorContext(ctx, "command handling failed",
			slog.String("command_type", msg.CommandType),
			slog.String("command_id", msg.CommandID.String()),
			slog.String("error", err.Error()),
		)
		return FailedReply(msg.CommandID, msg.CorrelationID, err.Error())
	}
	return CompletedReply(msg.CommandID, msg.CorrelationID, result)
}
