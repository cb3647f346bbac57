package core

// scheduler.go runs background maintenance for the import workflow.
//
// The sweeper removes canonical streams that were previewed but never
// processed or abandoned, and reject reports nobody downloaded, once they
// are older than the configured TTL. It logs failures and keeps running.

import (
	"context"
	"log/slog"
	"time"
)

// Sweepable is a store whose entries expire.
type Sweepable interface {
	Sweep(now time.Time, maxAge time.Duration) (int, error)
}

// SweepConfig holds the sweeper settings.
type SweepConfig struct {
	HandleTTL     time.Duration // Age after which canonical streams are removed
	ReportTTL     time.Duration // Age after which reject reports are removed
	CheckInterval time.Duration // How often to run
}

// SweepTarget names a store for logging.
type SweepTarget struct {
	Name  string
	Store Sweepable
	TTL   time.Duration
}

// StartSweeper runs one sweep immediately, then every CheckInterval, until
// ctx is cancelled.
func StartSweeper(ctx context.Context, cfg SweepConfig, targets ...SweepTarget) {
	slog.Info("sweeper started",
		"handle_ttl", cfg.HandleTTL,
		"report_ttl", cfg.ReportTTL,
		"interval", cfg.CheckInterval,
	)

	runSweep(targets, time.Now())

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case now := <-ticker.C:
			runSweep(targets, now)
		}
	}
}

func runSweep(targets []SweepTarget, now time.Time) {
	for _, t := range targets {
		if t.Store == nil || t.TTL <= 0 {
			continue
		}
		start := time.Now()
		removed, err := t.Store.Sweep(now, t.TTL)
		if err != nil {
			slog.Error("sweep failed", "target", t.Name, "removed", removed, "error", err)
			continue
		}
		if removed > 0 {
			slog.Info("swept expired files",
				"target", t.Name,
				"removed", removed,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}
