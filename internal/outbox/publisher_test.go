package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []Event
	published []uuid.UUID
	failed    map[uuid.UUID]time.Duration
	released  []string
}

func newFakeStore(events ...Event) *fakeStore {
	return &fakeStore{pending: events, failed: make(map[uuid.UUID]time.Duration)}
}

func (s *fakeStore) Claim(ctx context.Context, claimant string, limit int, lease time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	batch := s.pending[:limit]
	s.pending = s.pending[limit:]
	return batch, nil
}

func (s *fakeStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, id)
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, backoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = backoff
	return nil
}

func (s *fakeStore) Release(ctx context.Context, claimant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, claimant)
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    map[string][]uuid.UUID // aggregate key -> delivery order
	failIDs map[uuid.UUID]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]uuid.UUID), failIDs: make(map[uuid.UUID]error)}
}

func (t *fakeTransport) Publish(ctx context.Context, evt Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failIDs[evt.ID]; ok {
		return err
	}
	t.sent[evt.AggregateKey()] = append(t.sent[evt.AggregateKey()], evt.ID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(aggType, aggID string) Event {
	return Event{
		ID:            uuid.New(),
		AggregateType: aggType,
		AggregateID:   aggID,
		EventType:     "role.updated",
		Payload:       []byte(`{}`),
		CreatedAt:     time.Now(),
	}
}

func TestDrainOncePublishesAllEvents(t *testing.T) {
	a1 := event(AggregateRole, "t1/1")
	a2 := event(AggregateRole, "t1/1")
	b1 := event(AggregatePolicy, "p-1")

	store := newFakeStore(a1, a2, b1)
	transport := newFakeTransport()
	pub := NewPublisher(store, transport, nil, testLogger(), PublisherConfig{})

	attempted, err := pub.drainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, attempted)
	require.ElementsMatch(t, []uuid.UUID{a1.ID, a2.ID, b1.ID}, store.published)
	require.Equal(t, []uuid.UUID{a1.ID, a2.ID}, transport.sent[a1.AggregateKey()], "same-aggregate order preserved")
}

func TestFailureStopsAggregateGroup(t *testing.T) {
	a1 := event(AggregateRole, "t1/1")
	a2 := event(AggregateRole, "t1/1")
	b1 := event(AggregatePolicy, "p-1")

	store := newFakeStore(a1, a2, b1)
	transport := newFakeTransport()
	transport.failIDs[a1.ID] = errors.New("stream unavailable")
	pub := NewPublisher(store, transport, nil, testLogger(), PublisherConfig{BackoffBase: time.Second})

	_, err := pub.drainOnce(context.Background())
	require.NoError(t, err)

	// a1 failed, so a2 must not overtake it. b1 is unaffected.
	require.Contains(t, store.failed, a1.ID)
	require.Empty(t, transport.sent[a1.AggregateKey()])
	require.Equal(t, []uuid.UUID{b1.ID}, store.published)
	require.Equal(t, time.Second, store.failed[a1.ID], "first retry backs off by the base")
}

func TestBackoffGrowsWithRetriesAndCaps(t *testing.T) {
	pub := NewPublisher(newFakeStore(), newFakeTransport(), nil, testLogger(), PublisherConfig{
		BackoffBase: 5 * time.Second,
		BackoffMax:  time.Minute,
	})

	require.Equal(t, 5*time.Second, pub.backoff(0))
	require.Equal(t, 15*time.Second, pub.backoff(2))
	require.Equal(t, time.Minute, pub.backoff(100))
}

func TestRunReleasesClaimsOnShutdown(t *testing.T) {
	store := newFakeStore()
	pub := NewPublisher(store, newFakeTransport(), nil, testLogger(), PublisherConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pub.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.released)
	require.Equal(t, pub.claimant, store.released[0])
}

func TestGroupByAggregate(t *testing.T) {
	a1 := event(AggregateRole, "r-1")
	b1 := event(AggregateAssignment, "u-1")
	a2 := event(AggregateRole, "r-1")

	groups := groupByAggregate([]Event{a1, b1, a2})
	require.Len(t, groups, 2)
	require.Equal(t, []uuid.UUID{a1.ID, a2.ID}, []uuid.UUID{groups[0][0].ID, groups[0][1].ID})
	require.Equal(t, b1.ID, groups[1][0].ID)
}

type countingPublisherObserver struct {
	mu        sync.Mutex
	published int
	failed    int
}

func (o *countingPublisherObserver) OutboxPublished() {
	o.mu.Lock()
	o.published++
	o.mu.Unlock()
}

func (o *countingPublisherObserver) OutboxFailed() {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func TestObserverCountsOutcomes(t *testing.T) {
	ok := event(AggregateRole, "r-1")
	bad := event(AggregatePolicy, "p-1")

	store := newFakeStore(ok, bad)
	transport := newFakeTransport()
	transport.failIDs[bad.ID] = errors.New("boom")
	observer := &countingPublisherObserver{}
	pub := NewPublisher(store, transport, observer, testLogger(), PublisherConfig{})

	_, err := pub.drainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, observer.published)
	require.Equal(t, 1, observer.failed)
}
