package bookmark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/pkg/schema"
)

// TimerResumer is the interface the sweep uses to resume a workflow whose
// timer came due. Satisfied by the engine (avoids import cycle).
type TimerResumer interface {
	ResumeFromTimer(ctx context.Context, instanceID, activityID, workerID string) error
}

// SweepConfig tunes the timer sweep loop.
type SweepConfig struct {
	WorkerID  string
	Interval  time.Duration
	BatchSize int
	Lease     time.Duration
}

// DefaultSweepConfig returns conservative sweep settings.
func DefaultSweepConfig(workerID string) SweepConfig {
	return SweepConfig{
		WorkerID:  workerID,
		Interval:  5 * time.Second,
		BatchSize: 32,
		Lease:     time.Minute,
	}
}

// TimerSweep resumes workflows whose timer bookmarks are due, independent of
// request-driven resume. Each tick claims at most BatchSize due timers,
// ordered by due time; a claim that fails to resume is released so another
// worker can retry it.
type TimerSweep struct {
	service *Service
	resumer TimerResumer
	clock   clock.Clock
	logger  *slog.Logger
	cfg     SweepConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimerSweep creates a timer sweep.
func NewTimerSweep(service *Service, resumer TimerResumer, clk clock.Clock, logger *slog.Logger, cfg SweepConfig) *TimerSweep {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &TimerSweep{service: service, resumer: resumer, clock: clk, logger: logger, cfg: cfg}
}

// Start launches the background sweep loop.
func (t *TimerSweep) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return fmt.Errorf("timer sweep already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(sweepCtx)
	t.logger.Info("timer sweep started", "worker_id", t.cfg.WorkerID, "interval", t.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (t *TimerSweep) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *TimerSweep) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepOnce(ctx)
		}
	}
}

// SweepOnce claims and resumes due timers until the batch is exhausted or
// nothing is claimable. Returns the number of successfully resumed timers.
func (t *TimerSweep) SweepOnce(ctx context.Context) int {
	resumed := 0
	for i := 0; i < t.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return resumed
		}
		bm, err := t.service.ClaimNext(ctx, schema.BookmarkTimer, t.cfg.WorkerID, t.cfg.Lease)
		if err != nil {
			t.logger.ErrorContext(ctx, "timer claim failed", "error", err)
			return resumed
		}
		if bm == nil {
			return resumed
		}

		if err := t.resumer.ResumeFromTimer(ctx, bm.InstanceID, bm.ActivityID, t.cfg.WorkerID); err != nil {
			t.logger.WarnContext(ctx, "timer resume failed, releasing claim",
				"bookmark_id", bm.ID, "instance_id", bm.InstanceID,
				"activity_id", bm.ActivityID, "error", err)
			if _, relErr := t.service.ReleaseClaim(ctx, bm.ID, t.cfg.WorkerID); relErr != nil {
				t.logger.ErrorContext(ctx, "claim release failed", "bookmark_id", bm.ID, "error", relErr)
			}
			continue
		}
		resumed++
	}
	return resumed
}
