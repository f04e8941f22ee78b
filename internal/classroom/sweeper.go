package classroom

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-classroom/internal/shared"
)

// CallLogPruner removes finished call records.
type CallLogPruner interface {
	CleanupCallSessions(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SweepConfig configures the idle sweeper.
type SweepConfig struct {
	Interval time.Duration
	IdleTTL  time.Duration
	// CallRetention is how long finished calls are kept. Zero keeps them forever.
	CallRetention time.Duration
}

// pruneWithRetry retries SQLITE_BUSY failures with exponential backoff.
func pruneWithRetry(ctx context.Context, pruner CallLogPruner, retention time.Duration) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "cleanup call sessions", func() error {
		n, err := pruner.CleanupCallSessions(ctx, retention)
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// StartSweeper runs a background goroutine that periodically closes idle
// classrooms and prunes the call log.
func StartSweeper(ctx context.Context, reg *Registry, pruner CallLogPruner, cfg SweepConfig) {
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Classroom sweeper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, reg, pruner, cfg, time.Now())
			case <-ctx.Done():
				slog.Info("Classroom sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, reg *Registry, pruner CallLogPruner, cfg SweepConfig, now time.Time) {
	if closed := reg.SweepIdle(now.Add(-cfg.IdleTTL)); closed > 0 {
		slog.Info("Classroom sweeper closed idle classrooms", "count", closed, "remaining", reg.Len())
	}

	if pruner == nil || cfg.CallRetention <= 0 {
		return
	}
	if deleted, err := pruneWithRetry(ctx, pruner, cfg.CallRetention); err != nil {
		slog.Error("Classroom sweeper failed to prune call log", "error", err)
	} else if deleted > 0 {
		slog.Info("Classroom sweeper pruned call log", "count", deleted)
	}
}
