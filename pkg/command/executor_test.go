package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-io/reliable/pkg/config"
	"github.com/tessera-io/reliable/pkg/idgen"
	"github.com/tessera-io/reliable/pkg/outbox"
)

type executorFixture struct {
	inbox    *memInbox
	commands *memCommands
	outbox   *memOutbox
	dlq      *memDLQ
	registry *Registry
	executor *Executor
}

func newExecutorFixture(t *testing.T, opts ...ExecutorOption) *executorFixture {
	t.Helper()
	f := &executorFixture{
		inbox:    newMemInbox(),
		commands: newMemCommands(),
		outbox:   &memOutbox{},
		dlq:      &memDLQ{},
		registry: NewRegistry(nil),
	}
	f.executor = NewExecutor(f.inbox, f.commands, f.outbox, f.dlq, f.registry,
		passTx{}, config.Default().Naming, opts...)
	return f
}

// pending saves a PENDING command and returns the inbound message for it.
func (f *executorFixture) pending(t *testing.T, commandType string) *Message {
	t.Helper()
	id := idgen.NewCommandID()
	err := f.commands.SavePending(context.Background(), &Command{
		ID:             id,
		Name:           commandType,
		BusinessKey:    "bk-1",
		Payload:        `{"amount":"10.00"}`,
		IdempotencyKey: "idem-" + id.String(),
	})
	require.NoError(t, err)
	return &Message{
		MessageID:     idgen.NewMessageID(),
		CommandID:     id,
		CorrelationID: idgen.NewCommandID(),
		CommandType:   commandType,
		BusinessKey:   "bk-1",
		Payload:       `{"amount":"10.00"}`,
		Headers:       map[string]string{"tenant": "acme"},
	}
}

func TestExecutorSuccessWritesReplyAndEvent(t *testing.T) {
	f := newExecutorFixture(t)
	f.registry.MustRegister("CreateUser", func(context.Context, *Message) (map[string]any, error) {
		return map[string]any{"userId": "u-1"}, nil
	})
	msg := f.pending(t, "CreateUser")

	require.NoError(t, f.executor.Process(context.Background(), msg))

	cmd, err := f.commands.Find(context.Background(), msg.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, cmd.Status)
	assert.NotEmpty(t, cmd.Reply)

	replies := f.outbox.byCategory(outbox.CategoryReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "replies", replies[0].Topic)
	assert.Equal(t, string(ReplyCompleted), replies[0].Headers[outbox.HeaderStatus])
	assert.Equal(t, msg.CommandID.String(), replies[0].Headers[outbox.HeaderCommandID])
	assert.Equal(t, msg.CorrelationID.String(), replies[0].Headers[outbox.HeaderCorrelationID])
	// Non-reserved message headers are carried through.
	assert.Equal(t, "acme", replies[0].Headers["tenant"])

	events := f.outbox.byCategory(outbox.CategoryEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "events.CreateUser", events[0].Topic)
	assert.Equal(t, "CommandCompleted", events[0].Type)

	assert.Empty(t, f.dlq.parked)
}

func TestExecutorDuplicateMessageIsAckedWithoutRerun(t *testing.T) {
	f := newExecutorFixture(t)
	calls := 0
	f.registry.MustRegister("CreateUser", func(context.Context, *Message) (map[string]any, error) {
		calls++
		return nil, nil
	})
	msg := f.pending(t, "CreateUser")

	require.NoError(t, f.executor.Process(context.Background(), msg))
	require.NoError(t, f.executor.Process(context.Background(), msg))

	assert.Equal(t, 1, calls)
	assert.Len(t, f.outbox.byCategory(outbox.CategoryReply), 1)
}

func TestExecutorPermanentFailureParks(t *testing.T) {
	f := newExecutorFixture(t)
	f.registry.MustRegister("CreateUser", func(context.Context, *Message) (map[string]any, error) {
		return nil, NewPermanentError("user already exists")
	})
	msg := f.pending(t, "CreateUser")

	// Permanent failures are fully handled: no redelivery.
	require.NoError(t, f.executor.Process(context.Background(), msg))

	cmd, err := f.commands.Find(context.Background(), msg.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Equal(t, "user already exists", cmd.LastError)

	require.Len(t, f.dlq.parked, 1)
	parked := f.dlq.parked[0]
	assert.Equal(t, msg.CommandID, parked.CommandID)
	assert.Equal(t, "Permanent", parked.ErrorClass)

	replies := f.outbox.byCategory(outbox.CategoryReply)
	require.Len(t, replies, 1)
	assert.Equal(t, string(ReplyFailed), replies[0].Headers[outbox.HeaderStatus])
}

func TestExecutorTransientFailureBumpsAndRedelivers(t *testing.T) {
	f := newExecutorFixture(t)
	f.registry.MustRegister("CreateUser", func(context.Context, *Message) (map[string]any, error) {
		return nil, NewTransientError("connection refused")
	})
	msg := f.pending(t, "CreateUser")

	err := f.executor.Process(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	cmd, findErr := f.commands.Find(context.Background(), msg.CommandID)
	require.NoError(t, findErr)
	assert.Equal(t, 1, cmd.Retries)
	assert.Empty(t, f.dlq.parked)
	assert.Empty(t, f.outbox.byCategory(outbox.CategoryReply))
}

func TestExecutorTransientRetriesExhaustedParks(t *testing.T) {
	f := newExecutorFixture(t, WithMaxRetries(1))
	f.registry.MustRegister("CreateUser", func(context.Context, *Message) (map[string]any, error) {
		return nil, NewTransientError("connection refused")
	})
	msg := f.pending(t, "CreateUser")

	// The single allowed retry is spent on the first failure, so the
	// command parks and the message is acknowledged.
	require.NoError(t, f.executor.Process(context.Background(), msg))

	cmd, err := f.commands.Find(context.Background(), msg.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)

	require.Len(t, f.dlq.parked, 1)
	assert.Equal(t, "Transient", f.dlq.parked[0].ErrorClass)

	replies := f.outbox.byCategory(outbox.CategoryReply)
	require.Len(t, replies, 1)
	assert.Equal(t, string(ReplyFailed), replies[0].Headers[outbox.HeaderStatus])
}

func TestExecutorUnknownHandlerIsPermanent(t *testing.T) {
	f := newExecutorFixture(t)
	msg := f.pending(t, "Nonexistent")

	require.NoError(t, f.executor.Process(context.Background(), msg))

	cmd, err := f.commands.Find(context.Background(), msg.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	require.Len(t, f.dlq.parked, 1)
}
