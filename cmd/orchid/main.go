package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/calev/orchid/internal/bookmark"
	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/engine"
	"github.com/calev/orchid/internal/logging"
	"github.com/calev/orchid/internal/outbox"
	"github.com/calev/orchid/internal/resilience"
	"github.com/calev/orchid/internal/scheduler"
	"github.com/calev/orchid/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			printVersion()
			return
		case "diagram":
			if err := runDiagram(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, "orchid:", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchid:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	clk := clock.System{}
	bookmarks := bookmark.NewService(st, clk, logger)
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig(), breakers, logger)

	engCfg := engine.DefaultConfig()
	engCfg.ActivityTimeout = duration(cfg.ActivityTimeout, engCfg.ActivityTimeout)
	eng, err := engine.New(st, bookmarks, retrier, clk, logger, engCfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	n, err := loadDefinitions(ctx, cfg.DefinitionsDir, st, eng.Registry(), logger)
	if err != nil {
		return err
	}
	logger.Info("definitions ready", "loaded", n, "dir", cfg.DefinitionsDir)

	sweepCfg := bookmark.DefaultSweepConfig(cfg.WorkerID)
	sweepCfg.Interval = duration(cfg.SweepInterval, sweepCfg.Interval)
	sweep := bookmark.NewTimerSweep(bookmarks, eng, clk, logger, sweepCfg)

	dispCfg := outbox.DefaultDispatcherConfig(cfg.WorkerID)
	dispCfg.Interval = duration(cfg.DispatchInterval, dispCfg.Interval)
	dispatcher := outbox.NewDispatcher(st, logPublisher(logger), clk, logger, dispCfg)

	sched := scheduler.NewScheduler(st, scheduler.StarterFunc(
		func(ctx context.Context, definitionID, startedBy string, variables map[string]any) error {
			_, err := eng.StartWorkflow(ctx, engine.StartRequest{
				DefinitionID: definitionID,
				StartedBy:    startedBy,
				Variables:    variables,
			})
			return err
		}), clk, logger)

	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("missed-schedule recovery failed", "error", err)
	}

	if err := sweep.Start(ctx); err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("orchid started", "worker_id", cfg.WorkerID, "db", cfg.DBPath)

	<-ctx.Done()
	logger.Info("shutting down")
	_ = sched.Stop()
	dispatcher.Stop()
	sweep.Stop()
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logPublisher delivers outbox events to the structured log. Real
// deployments swap in a Publisher for their broker.
func logPublisher(logger *slog.Logger) outbox.Publisher {
	return outbox.PublisherFunc(func(ctx context.Context, ev *store.OutboxEvent) error {
		logger.InfoContext(ctx, "event published",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"correlation_id", ev.CorrelationID,
		)
		return nil
	})
}
