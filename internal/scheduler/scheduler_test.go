package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingStarter tracks StartScheduled calls.
type recordingStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	DefinitionID string
	StartedBy    string
	Variables    map[string]any
}

func (r *recordingStarter) StartScheduled(_ context.Context, definitionID, startedBy string, variables map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{DefinitionID: definitionID, StartedBy: startedBy, Variables: variables})
	return r.err
}

func (r *recordingStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(starter WorkflowStarter) (*Scheduler, *store.MemoryStore, *clock.Fake) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(baseTime)
	return NewScheduler(st, starter, clk, nil), st, clk
}

func scheduled(id, definitionID string, enabled bool, nextRun *time.Time) *store.ScheduledStart {
	return &store.ScheduledStart{
		ID:             id,
		DefinitionID:   definitionID,
		CronExpression: "0 * * * *",
		StartedBy:      "cron",
		Enabled:        enabled,
		NextRunAt:      nextRun,
	}
}

func TestCalculateNextRun(t *testing.T) {
	sched, _, _ := newTestScheduler(&recordingStarter{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueStarts(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-1", "nightly-report", true, &past)))

	sched.Tick(ctx)

	require.Equal(t, 1, starter.callCount())
	starter.mu.Lock()
	call := starter.calls[0]
	starter.mu.Unlock()
	assert.Equal(t, "nightly-report", call.DefinitionID)
	assert.Equal(t, "cron", call.StartedBy)

	// Timestamps advanced past the poll time.
	got := listOne(t, st, "sched-1")
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(baseTime))
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(baseTime))
}

func TestTickSkipsNotDueStarts(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	future := baseTime.Add(time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-future", "deploy", true, &future)))

	sched.Tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestTickSkipsDisabledStarts(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-off", "deploy", false, &past)))

	sched.Tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestTickTreatsNilNextRunAsOverdue(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-new", "deploy", true, nil)))

	sched.Tick(ctx)

	assert.Equal(t, 1, starter.callCount())
}

func TestTickAdvancesScheduleEvenWhenStartFails(t *testing.T) {
	starter := &recordingStarter{err: assert.AnError}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-fail", "broken", true, &past)))

	sched.Tick(ctx)

	require.Equal(t, 1, starter.callCount())
	got := listOne(t, st, "sched-fail")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(baseTime), "a failing definition must not hot-loop")
}

func TestTickDefaultsStartedBy(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()

	job := scheduled("sched-anon", "deploy", true, nil)
	job.StartedBy = ""
	require.NoError(t, st.CreateScheduledStart(ctx, job))

	sched.Tick(ctx)

	require.Equal(t, 1, starter.callCount())
	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Equal(t, "scheduler", starter.calls[0].StartedBy)
}

func TestRecoverMissed(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-2 * time.Hour)
	future := baseTime.Add(time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("missed", "cleanup", true, &past)))
	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("on-time", "cleanup", true, &future)))

	require.NoError(t, sched.RecoverMissed(ctx))

	require.Equal(t, 1, starter.callCount())
	got := listOne(t, st, "missed")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(baseTime))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-dedup", "deploy", true, &past)))

	// Pre-acquire to simulate an in-flight execution.
	require.True(t, sched.tryAcquire("sched-dedup"))

	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	// Release and tick again.
	sched.release("sched-dedup")
	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestInflightReleasedAfterTick(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, clk := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("sched-release", "deploy", true, &past)))

	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Advance past the recomputed next run; the start must fire again.
	got := listOne(t, st, "sched-release")
	require.NotNil(t, got.NextRunAt)
	clk.Set(got.NextRunAt.Add(time.Second))

	sched.Tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestMultipleStartsSomeDue(t *testing.T) {
	starter := &recordingStarter{}
	sched, st, _ := newTestScheduler(starter)
	ctx := context.Background()
	past := baseTime.Add(-time.Hour)
	future := baseTime.Add(time.Hour)

	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("due-1", "alpha", true, &past)))
	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("not-due", "beta", true, &future)))
	require.NoError(t, st.CreateScheduledStart(ctx, scheduled("due-2", "gamma", true, nil)))

	sched.Tick(ctx)

	require.Equal(t, 2, starter.callCount())
	starter.mu.Lock()
	defs := make([]string, len(starter.calls))
	for i, c := range starter.calls {
		defs[i] = c.DefinitionID
	}
	starter.mu.Unlock()
	assert.Contains(t, defs, "alpha")
	assert.Contains(t, defs, "gamma")
	assert.NotContains(t, defs, "beta")
}

func TestStartStop(t *testing.T) {
	sched, _, _ := newTestScheduler(&recordingStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func listOne(t *testing.T, st *store.MemoryStore, id string) *store.ScheduledStart {
	t.Helper()
	starts, err := st.ListScheduledStarts(context.Background(), false)
	require.NoError(t, err)
	for _, s := range starts {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("scheduled start %s not found", id)
	return nil
}
