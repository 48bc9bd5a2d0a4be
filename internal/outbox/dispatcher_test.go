package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type capturingPublisher struct {
	mu        sync.Mutex
	published []*store.OutboxEvent
	failures  int // fail the first N publishes
}

func (p *capturingPublisher) Publish(ctx context.Context, ev *store.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, ev)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestDispatcher(t *testing.T, pub Publisher, maxAttempts int) (*Dispatcher, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake(baseTime)
	cfg := DefaultDispatcherConfig("dispatcher-1")
	cfg.MaxRetryAttempts = maxAttempts
	return NewDispatcher(st, pub, clk, nil, cfg), st, clk
}

func appendEvent(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.AppendOutbox(context.Background(), &store.OutboxEvent{
		ID:      id,
		Type:    schema.EventWorkflowCompleted,
		Payload: map[string]any{"instance_id": "wf-1"},
	}))
}

func TestDispatchOnce_DeliversAndMarksProcessed(t *testing.T) {
	pub := &capturingPublisher{}
	d, st, _ := newTestDispatcher(t, pub, 5)

	appendEvent(t, st, "ev-1")
	appendEvent(t, st, "ev-2")

	assert.Equal(t, 2, d.DispatchOnce(context.Background()))
	assert.Equal(t, 2, pub.count())

	for _, id := range []string{"ev-1", "ev-2"} {
		ev, ok := st.OutboxEvent(id)
		require.True(t, ok)
		assert.Equal(t, schema.OutboxProcessed, ev.Status)
	}
}

func TestDispatchOnce_FailureSchedulesBackoff(t *testing.T) {
	pub := &capturingPublisher{failures: 1}
	d, st, clk := newTestDispatcher(t, pub, 5)

	appendEvent(t, st, "ev-1")

	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	ev, ok := st.OutboxEvent("ev-1")
	require.True(t, ok)
	assert.Equal(t, schema.OutboxFailed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.True(t, ev.NextAttemptAt.After(baseTime))
	assert.NotEmpty(t, ev.LastError)

	// Not yet deliverable until the backoff elapses.
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))

	clk.Set(ev.NextAttemptAt.Add(time.Second))
	assert.Equal(t, 1, d.DispatchOnce(context.Background()))
	assert.Equal(t, 1, pub.count())
}

func TestDispatchOnce_DeadLettersExactlyOnceAndNeverReverts(t *testing.T) {
	maxAttempts := 3
	pub := &capturingPublisher{failures: 100}
	d, st, clk := newTestDispatcher(t, pub, maxAttempts)

	appendEvent(t, st, "ev-1")

	for i := 0; i < maxAttempts; i++ {
		d.DispatchOnce(context.Background())
		if ev, ok := st.OutboxEvent("ev-1"); ok && ev.Status == schema.OutboxFailed {
			clk.Set(ev.NextAttemptAt.Add(time.Second))
		}
	}

	ev, ok := st.OutboxEvent("ev-1")
	require.True(t, ok)
	assert.Equal(t, schema.OutboxDeadLetter, ev.Status)
	assert.Equal(t, maxAttempts, ev.Attempts)

	// Further ticks never resurrect a dead-lettered event.
	pub.failures = 0
	clk.Advance(time.Hour)
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	ev, _ = st.OutboxEvent("ev-1")
	assert.Equal(t, schema.OutboxDeadLetter, ev.Status)
	assert.Equal(t, 0, pub.count())
}

func TestDispatch_SkipsEventsClaimedElsewhere(t *testing.T) {
	pub := &capturingPublisher{}
	d, st, _ := newTestDispatcher(t, pub, 5)

	appendEvent(t, st, "ev-1")

	// Another dispatcher instance claims the event between poll and claim.
	claimed, err := st.MarkOutboxProcessing(context.Background(), "ev-1", "dispatcher-2")
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	assert.Equal(t, 0, pub.count())
}

func TestDispatcher_StartStop(t *testing.T) {
	pub := &capturingPublisher{}
	st := store.NewMemoryStore()
	cfg := DefaultDispatcherConfig("dispatcher-1")
	cfg.Interval = 10 * time.Millisecond
	d := NewDispatcher(st, pub, clock.System{}, nil, cfg)

	appendEvent(t, st, "ev-1")

	require.NoError(t, d.Start(context.Background()))
	require.Error(t, d.Start(context.Background()))

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event was never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	d.Stop()
}
