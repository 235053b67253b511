package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	claimed   []*Entry
	claimErr  error
	recovered int
	recovErr  error

	published []int64
	failed    map[int64]string
	permanent map[int64]string
	nextAt    map[int64]time.Time
}

func newFakeStore(entries ...*Entry) *fakeStore {
	return &fakeStore{
		claimed:   entries,
		failed:    make(map[int64]string),
		permanent: make(map[int64]string),
		nextAt:    make(map[int64]time.Time),
	}
}

func (s *fakeStore) Add(_ context.Context, e *Entry) (int64, error) { return e.ID, nil }

func (s *fakeStore) RecoverStuck(context.Context, time.Duration) (int, error) {
	return s.recovered, s.recovErr
}

func (s *fakeStore) ClaimBatch(context.Context, int, string) ([]*Entry, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	batch := s.claimed
	s.claimed = nil
	return batch, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id int64) error {
	s.published = append(s.published, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, lastError string, next time.Time) error {
	s.failed[id] = lastError
	s.nextAt[id] = next
	return nil
}

func (s *fakeStore) MarkPermanentlyFailed(_ context.Context, id int64, lastError string) error {
	s.permanent[id] = lastError
	return nil
}

type fakePublisher struct {
	topics  []string
	failFor map[string]error
}

func (p *fakePublisher) Publish(_ context.Context, topic, _, _, _ string, _ map[string]string) error {
	if err, ok := p.failFor[topic]; ok {
		return err
	}
	p.topics = append(p.topics, topic)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func entryWith(id int64, category, topic string, attempts int) *Entry {
	e := newEntry(category, topic, "key", "SomeType", `{}`, nil)
	e.ID = id
	e.Attempts = attempts
	return e
}

func TestRelayTickRoutesByCategory(t *testing.T) {
	store := newFakeStore(
		entryWith(1, CategoryCommand, "cmd.CreateUser", 0),
		entryWith(2, CategoryReply, "replies", 0),
		entryWith(3, CategoryEvent, "events.UserCreated", 0),
	)
	queue := &fakePublisher{}
	stream := &fakePublisher{}

	relay := NewRelay(store, queue, stream, WithInstanceID("test"))
	relay.Tick(context.Background())

	assert.Equal(t, []string{"cmd.CreateUser", "replies"}, queue.topics)
	assert.Equal(t, []string{"events.UserCreated"}, stream.topics)
	assert.ElementsMatch(t, []int64{1, 2, 3}, store.published)
}

func TestRelayTickIsolatesEntryFailures(t *testing.T) {
	store := newFakeStore(
		entryWith(1, CategoryCommand, "cmd.A", 0),
		entryWith(2, CategoryCommand, "cmd.B", 2),
		entryWith(3, CategoryCommand, "cmd.C", 0),
	)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := &fakePublisher{failFor: map[string]error{"cmd.B": errors.New("broker unavailable")}}

	relay := NewRelay(store, queue, &fakePublisher{},
		WithInstanceID("test"), WithClock(fixedClock{now: now}))
	relay.Tick(context.Background())

	assert.ElementsMatch(t, []int64{1, 3}, store.published)
	require.Contains(t, store.failed, int64(2))
	assert.Equal(t, "broker unavailable", store.failed[2])
	// Attempts was 2, so the next attempt backs off by 4s.
	assert.Equal(t, now.Add(4*time.Second), store.nextAt[2])
}

func TestRelayTickUnknownCategoryIsPermanent(t *testing.T) {
	store := newFakeStore(entryWith(7, "broadcast", "somewhere", 0))
	queue := &fakePublisher{}
	stream := &fakePublisher{}

	relay := NewRelay(store, queue, stream, WithInstanceID("test"))
	relay.Tick(context.Background())

	assert.Empty(t, queue.topics)
	assert.Empty(t, stream.topics)
	assert.Empty(t, store.published)
	assert.Equal(t, "Unknown category: broadcast", store.permanent[7])
}

func TestRelayTickSurvivesStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.recovErr = errors.New("database is locked")

	relay := NewRelay(store, &fakePublisher{}, &fakePublisher{}, WithInstanceID("test"))
	assert.NotPanics(t, func() { relay.Tick(context.Background()) })

	store.recovErr = nil
	store.claimErr = errors.New("database is locked")
	assert.NotPanics(t, func() { relay.Tick(context.Background()) })
}

func TestRelayTickCountsRecovered(t *testing.T) {
	store := newFakeStore()
	store.recovered = 3

	m := &countingMetrics{}
	relay := NewRelay(store, &fakePublisher{}, &fakePublisher{},
		WithInstanceID("test"), WithMetrics(m))
	relay.Tick(context.Background())

	assert.Equal(t, 3, m.recovered)
}

func TestRelayTickSweepDurationUsesClock(t *testing.T) {
	store := newFakeStore(entryWith(1, CategoryCommand, "cmd.A", 0))
	clock := fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	m := &countingMetrics{}
	relay := NewRelay(store, &fakePublisher{}, &fakePublisher{},
		WithInstanceID("test"), WithClock(clock), WithMetrics(m))
	relay.Tick(context.Background())

	// The injected clock never advances, so the observed sweep must be
	// exactly zero rather than wall time.
	require.Equal(t, 1, m.sweeps)
	assert.Equal(t, time.Duration(0), m.lastSweep)
}

type countingMetrics struct {
	published, failures, recovered int
	sweeps                         int
	lastSweep                      time.Duration
}

func (m *countingMetrics) AddPublished(n int) { m.published += n }
func (m *countingMetrics) AddFailures(n int)  { m.failures += n }
func (m *countingMetrics) AddRecovered(n int) { m.recovered += n }
func (m *countingMetrics) ObserveSweep(d time.Duration) {
	m.sweeps++
	m.lastSweep = d
}
