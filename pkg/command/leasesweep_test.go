package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-io/reliable/pkg/idgen"
)

func runningCommand(t *testing.T, commands *memCommands, key string, leaseUntil time.Time, retries int) *Command {
	t.Helper()
	c := &Command{ID: idgen.NewCommandID(), Name: "CreatePayment", BusinessKey: "PAY-1",
		Payload: "{}", IdempotencyKey: key}
	require.NoError(t, commands.SavePending(context.Background(), c))
	require.NoError(t, commands.MarkRunning(context.Background(), c.ID, leaseUntil))
	if retries > 0 {
		require.NoError(t, commands.mutate(c.ID, func(c *Command) { c.Retries = retries }))
	}
	return c
}

func TestSweepMarksExpiredLeases(t *testing.T) {
	commands := newMemCommands()
	parked := &memDLQ{}
	sweeper := NewLeaseSweeper(commands, parked, passTx{}, time.Second, 10, 3, "sweeper-1", nil)
	ctx := context.Background()

	expired := runningCommand(t, commands, "sweep-1", time.Now().Add(-time.Minute), 0)
	healthy := runningCommand(t, commands, "sweep-2", time.Now().Add(time.Minute), 0)

	sweeper.Tick(ctx)

	c, err := commands.Find(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, c.Status)
	assert.Equal(t, "processing lease expired", c.LastError)

	c, err = commands.Find(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, c.Status)

	// Retries were left, so nothing is parked yet.
	assert.Empty(t, parked.parked)
}

func TestSweepParksExhaustedCommands(t *testing.T) {
	commands := newMemCommands()
	parked := &memDLQ{}
	sweeper := NewLeaseSweeper(commands, parked, passTx{}, time.Second, 10, 3, "sweeper-1", nil)
	ctx := context.Background()

	spent := runningCommand(t, commands, "sweep-3", time.Now().Add(-time.Minute), 3)

	sweeper.Tick(ctx)

	c, err := commands.Find(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, c.Status)

	require.Len(t, parked.parked, 1)
	p := parked.parked[0]
	assert.Equal(t, spent.ID, p.CommandID)
	assert.Equal(t, string(StatusTimedOut), p.FailedStatus)
	assert.Equal(t, "Timeout", p.ErrorClass)
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, "sweeper-1", p.ParkedBy)
}

func TestSweepSurvivesStoreErrors(t *testing.T) {
	sweeper := NewLeaseSweeper(newMemCommands(), &memDLQ{}, failingTx{}, time.Second, 10, 3, "", nil)

	assert.NotPanics(t, func() { sweeper.Tick(context.Background()) })
}

func TestSweeperDefaults(t *testing.T) {
	s := NewLeaseSweeper(newMemCommands(), &memDLQ{}, passTx{}, 0, 0, 0, "", nil)

	assert.Equal(t, 5*time.Second, s.Interval())
	assert.Equal(t, 100, s.batch)
	assert.Equal(t, 3, s.maxRetries)
	assert.Equal(t, "lease-sweeper", s.workerID)
}
