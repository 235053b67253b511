package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-io/reliable/pkg/outbox"
)

func addEntry(t *testing.T, store *OutboxStore, topic string) *outbox.Entry {
	t.Helper()
	e := outbox.NewCommandEntry(topic, "key-1", `{"amount":"10.00"}`, map[string]string{"commandId": "c-1"})
	_, err := store.Add(context.Background(), e)
	require.NoError(t, err)
	return e
}

func TestOutboxAddAndClaim(t *testing.T) {
	store := NewOutboxStore(openTestDB(t))
	ctx := context.Background()

	first := addEntry(t, store, "cmd.CreatePayment")
	second := addEntry(t, store, "cmd.BookLimits")
	assert.Less(t, first.ID, second.ID, "ids follow insertion order")

	claimed, err := store.ClaimBatch(ctx, 10, "relay-a")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, outbox.StatusSending, claimed[0].Status)
	assert.Equal(t, "relay-a", claimed[0].ClaimedBy)
	assert.Equal(t, "cmd.CreatePayment", claimed[0].Topic)
	assert.Equal(t, map[string]string{"commandId": "c-1"}, claimed[0].Headers)

	// A second claimer finds nothing left.
	claimed, err = store.ClaimBatch(ctx, 10, "relay-b")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestOutboxClaimRespectsLimit(t *testing.T) {
	store := NewOutboxStore(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		addEntry(t, store, "cmd.CreatePayment")
	}

	claimed, err := store.ClaimBatch(ctx, 3, "relay-a")
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	claimed, err = store.ClaimBatch(ctx, 3, "relay-b")
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestOutboxMarkFailedDefersRedelivery(t *testing.T) {
	store := NewOutboxStore(openTestDB(t))
	ctx := context.Background()
	e := addEntry(t, store, "cmd.CreatePayment")

	claimed, err := store.ClaimBatch(ctx, 1, "relay-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Pushed out into the future: not due, so not claimable.
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.MarkFailed(ctx, e.ID, "broker closed", future))

	claimed, err = store.ClaimBatch(ctx, 1, "relay-a")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Once the backoff elapses the entry comes back with its attempt
	// count and error preserved.
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, store.MarkFailed(ctx, e.ID, "broker closed again", past))

	claimed, err = store.ClaimBatch(ctx, 1, "relay-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, "broker closed again", claimed[0].LastError)
}

func TestOutboxRecoverStuck(t *testing.T) {
	store := NewOutboxStore(openTestDB(t))
	ctx := context.Background()
	addEntry(t, store, "cmd.CreatePayment")

	claimed, err := store.ClaimBatch(ctx, 1, "relay-crashed")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Freshly claimed entries are left alone.
	n, err := store.RecoverStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = store.RecoverStuck(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = store.ClaimBatch(ctx, 1, "relay-b")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "relay-b", claimed[0].ClaimedBy)
}

func TestOutboxTerminalStates(t *testing.T) {
	store := NewOutboxStore(openTestDB(t))
	ctx := context.Background()
	published := addEntry(t, store, "cmd.CreatePayment")
	dead := addEntry(t, store, "cmd.BookLimits")

	claimed, err := store.ClaimBatch(ctx, 10, "relay-a")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, store.MarkPublished(ctx, published.ID))
	require.NoError(t, store.MarkPermanentlyFailed(ctx, dead.ID, "Unknown category: bogus"))

	// Neither entry is claimable again, even after stuck recovery.
	time.Sleep(5 * time.Millisecond)
	_, err = store.RecoverStuck(ctx, time.Millisecond)
	require.NoError(t, err)

	claimed, err = store.ClaimBatch(ctx, 10, "relay-a")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
