package bookmark

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/pkg/schema"
)

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	fail    bool
}

func (f *fakeResumer) ResumeFromTimer(ctx context.Context, instanceID, activityID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("resume refused")
	}
	f.resumed = append(f.resumed, instanceID+"/"+activityID)
	return nil
}

func (f *fakeResumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resumed)
}

func createTimer(t *testing.T, svc *Service, instanceID string, due time.Time) {
	t.Helper()
	_, _, err := svc.FindOrCreate(context.Background(), CreateRequest{
		InstanceID: instanceID, ActivityID: "wait", Key: "wait",
		Type: schema.BookmarkTimer, DueAt: &due,
	})
	require.NoError(t, err)
}

func TestSweepOnce_ResumesDueTimersInDueOrder(t *testing.T) {
	svc, _, clk := newTestService(t)
	resumer := &fakeResumer{}
	sweep := NewTimerSweep(svc, resumer, clk, nil, DefaultSweepConfig("sweeper"))

	createTimer(t, svc, "wf-late", baseTime.Add(5*time.Minute))
	createTimer(t, svc, "wf-early", baseTime.Add(1*time.Minute))
	createTimer(t, svc, "wf-future", baseTime.Add(1*time.Hour))

	clk.Advance(10 * time.Minute)
	n := sweep.SweepOnce(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"wf-early/wait", "wf-late/wait"}, resumer.resumed)
}

func TestSweepOnce_HonorsBatchSize(t *testing.T) {
	svc, _, clk := newTestService(t)
	resumer := &fakeResumer{}
	cfg := DefaultSweepConfig("sweeper")
	cfg.BatchSize = 2
	sweep := NewTimerSweep(svc, resumer, clk, nil, cfg)

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		createTimer(t, svc, id, baseTime)
	}
	clk.Advance(time.Second)

	assert.Equal(t, 2, sweep.SweepOnce(context.Background()))
	assert.Equal(t, 1, sweep.SweepOnce(context.Background()))
}

func TestSweepOnce_ReleasesClaimWhenResumeFails(t *testing.T) {
	svc, _, clk := newTestService(t)
	resumer := &fakeResumer{fail: true}
	sweep := NewTimerSweep(svc, resumer, clk, nil, DefaultSweepConfig("sweeper"))

	createTimer(t, svc, "wf-1", baseTime)
	clk.Advance(time.Second)

	assert.Equal(t, 0, sweep.SweepOnce(context.Background()))

	// The claim was released, so a recovered resumer picks it up next tick.
	resumer.fail = false
	assert.Equal(t, 1, sweep.SweepOnce(context.Background()))
	assert.Equal(t, 1, resumer.count())
}

func TestSweep_StartStop(t *testing.T) {
	svc, _, clk := newTestService(t)
	resumer := &fakeResumer{}
	cfg := DefaultSweepConfig("sweeper")
	cfg.Interval = 10 * time.Millisecond
	sweep := NewTimerSweep(svc, resumer, clk, nil, cfg)

	createTimer(t, svc, "wf-1", baseTime)
	clk.Advance(time.Second)

	require.NoError(t, sweep.Start(context.Background()))
	require.Error(t, sweep.Start(context.Background()), "double start must fail")

	deadline := time.After(2 * time.Second)
	for resumer.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer was never resumed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	sweep.Stop()
}
