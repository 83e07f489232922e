package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	syncpkg "github.com/hyperengineering/pipesync/internal/sync"
)

// SyncResumer exposes the orchestrator operations the watchdog drives.
type SyncResumer interface {
	Stalled(ctx context.Context) (bool, error)
	Run(ctx context.Context, retry bool) error
}

// Watchdog resumes a synchronization run whose heartbeat went silent, for
// example after a crash mid-run. The resumed run continues from its
// persisted position.
type Watchdog struct {
	sync     SyncResumer
	interval time.Duration
}

// NewWatchdog creates a watchdog that checks the run heartbeat at the
// given interval.
func NewWatchdog(sync SyncResumer, interval time.Duration) *Watchdog {
	return &Watchdog{sync: sync, interval: interval}
}

// Run starts the watchdog loop. Blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "watchdog",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "watchdog",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check resumes the run when its heartbeat has been silent too long. The
// resumed run executes inline; the next heartbeat check happens on the
// tick after it finishes.
func (w *Watchdog) check(ctx context.Context) {
	stalled, err := w.sync.Stalled(ctx)
	if err != nil {
		slog.Error("failed to check sync heartbeat",
			"component", "worker",
			"worker", "watchdog",
			"action", "check_failed",
			"error", err,
		)
		return
	}
	if !stalled {
		return
	}

	slog.Warn("stalled sync run detected, resuming",
		"component", "worker",
		"worker", "watchdog",
		"action", "resume",
	)

	if err := w.sync.Run(ctx, true); err != nil {
		if errors.Is(err, syncpkg.ErrAlreadyRunning) || ctx.Err() != nil {
			return
		}
		slog.Error("resumed sync run failed",
			"component", "worker",
			"worker", "watchdog",
			"action", "resume_failed",
			"error", err,
		)
	}
}
