package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/resilience"
	"github.com/calev/orchid/internal/store"
)

// Publisher delivers a single outbox event downstream. Delivery is
// at-least-once; consumers must be idempotent.
type Publisher interface {
	Publish(ctx context.Context, ev *store.OutboxEvent) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev *store.OutboxEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev *store.OutboxEvent) error { return f(ctx, ev) }

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	WorkerID         string
	Interval         time.Duration
	BatchSize        int
	MaxRetryAttempts int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// DefaultDispatcherConfig returns conservative dispatcher settings.
func DefaultDispatcherConfig(workerID string) DispatcherConfig {
	return DispatcherConfig{
		WorkerID:         workerID,
		Interval:         2 * time.Second,
		BatchSize:        64,
		MaxRetryAttempts: 5,
		BaseBackoff:      time.Second,
		MaxBackoff:       5 * time.Minute,
	}
}

// Dispatcher polls for deliverable outbox events, claims each with an atomic
// pending-to-processing update so concurrent dispatcher instances never
// double-deliver, and hands it to the publisher. Failures are rescheduled
// with exponential backoff until the attempt budget is spent, then the event
// is dead-lettered for good.
type Dispatcher struct {
	store     store.Store
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
	cfg       DispatcherConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st store.Store, publisher Publisher, clk clock.Clock, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Dispatcher{store: st, publisher: publisher, clock: clk, logger: logger, cfg: cfg}
}

// Start launches the background delivery loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("outbox dispatcher started", "worker_id", d.cfg.WorkerID, "interval", d.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.DispatchOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce processes one batch of deliverable events and returns the
// number delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	events, err := d.store.PendingOutbox(ctx, d.clock.Now(), d.cfg.BatchSize)
	if err != nil {
		d.logger.ErrorContext(ctx, "outbox poll failed", "error", err)
		return 0
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return delivered
		}
		if d.dispatch(ctx, ev) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *store.OutboxEvent) bool {
	claimed, err := d.store.MarkOutboxProcessing(ctx, ev.ID, d.cfg.WorkerID)
	if err != nil {
		d.logger.ErrorContext(ctx, "outbox claim failed", "event_id", ev.ID, "error", err)
		return false
	}
	if !claimed {
		return false // another dispatcher won
	}

	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.handleFailure(ctx, ev, err)
		return false
	}

	if err := d.store.MarkOutboxProcessed(ctx, ev.ID); err != nil {
		// Delivery happened but the mark did not stick; the event will be
		// redelivered, which at-least-once semantics permit.
		d.logger.ErrorContext(ctx, "outbox processed mark failed", "event_id", ev.ID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) handleFailure(ctx context.Context, ev *store.OutboxEvent, pubErr error) {
	next := d.clock.Now().Add(resilience.Backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, ev.Attempts))
	attempts, err := d.store.RecordOutboxFailure(ctx, ev.ID, next, pubErr.Error())
	if err != nil {
		d.logger.ErrorContext(ctx, "outbox failure record failed", "event_id", ev.ID, "error", err)
		return
	}

	if attempts >= d.cfg.MaxRetryAttempts {
		if err := d.store.MarkOutboxDeadLetter(ctx, ev.ID); err != nil {
			d.logger.ErrorContext(ctx, "outbox dead-letter mark failed", "event_id", ev.ID, "error", err)
			return
		}
		d.logger.WarnContext(ctx, "outbox event dead-lettered",
			"event_id", ev.ID, "type", ev.Type, "attempts", attempts, "error", pubErr)
		return
	}

	d.logger.WarnContext(ctx, "outbox delivery failed, rescheduled",
		"event_id", ev.ID, "type", ev.Type, "attempts", attempts,
		"next_attempt_at", next, "error", pubErr)
}
