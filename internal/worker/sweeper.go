// Package worker hosts the background loops: the retry sweeper that
// re-sends stalled queries and the watchdog that resumes abandoned
// synchronization runs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/pipesync/internal/types"
)

// QueryLister lists retryable queries from the outbox.
type QueryLister interface {
	ListQueries(ctx context.Context, filter types.QueryFilter, page, perPage int64, order types.SortOrder) (*types.QueryPage, error)
}

// Sender delivers one query to the gateway.
type Sender interface {
	Send(ctx context.Context, q *types.Query, direct bool) (*types.SendResult, error)
}

// Sweeper periodically re-sends queries stuck in a retryable state. Each
// query gets a short exponential backoff against transient gateway
// failures; permanent failures are left to the query's own error counter.
type Sweeper struct {
	store       QueryLister
	sender      Sender
	interval    time.Duration
	batchSize   int64
	backoffBase time.Duration // first retry delay, doubled per attempt
}

// NewSweeper creates a sweeper that drains up to batchSize queries per cycle.
func NewSweeper(store QueryLister, sender Sender, interval time.Duration, batchSize int64) *Sweeper {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Sweeper{
		store:       store,
		sender:      sender,
		interval:    interval,
		batchSize:   batchSize,
		backoffBase: time.Second,
	}
}

// Run starts the sweeper loop. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sweeper",
		"action", "worker_started",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on start, then on each tick
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sweeper",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep re-sends one batch of retryable queries, oldest first.
func (s *Sweeper) sweep(ctx context.Context) {
	page, err := s.store.ListQueries(ctx, types.QueryFilter{
		States: []types.State{types.StateTodo, types.StateError},
	}, 1, s.batchSize, types.OrderAsc)
	if err != nil {
		slog.Error("failed to list retryable queries",
			"component", "worker",
			"worker", "sweeper",
			"action", "list_failed",
			"error", err,
		)
		return
	}

	if len(page.Items) == 0 {
		return
	}

	var sent, failed int
	for i := range page.Items {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log summary
		}
		if s.resend(ctx, &page.Items[i]) {
			sent++
		} else {
			failed++
		}
	}

	if sent > 0 || failed > 0 {
		slog.Info("sweep cycle completed",
			"component", "worker",
			"worker", "sweeper",
			"action", "cycle_complete",
			"total", len(page.Items),
			"sent", sent,
			"failed", failed,
		)
	}
}

// resend delivers a single query, retrying transient gateway failures with
// exponential backoff. Returns true when the delivery succeeded.
func (s *Sweeper) resend(ctx context.Context, q *types.Query) bool {
	var result *types.SendResult

	backoff := retry.WithMaxRetries(3, retry.NewExponential(s.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := s.sender.Send(ctx, q, true)
		if err != nil {
			return err
		}
		result = r
		if !r.Success && r.Transient {
			return retry.RetryableError(errors.New(r.Message))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Warn("query resend failed",
			"component", "worker",
			"worker", "sweeper",
			"action", "resend_failed",
			"query_id", q.ID,
			"error", err,
		)
		return false
	}

	if !result.Success {
		slog.Warn("query resend rejected",
			"component", "worker",
			"worker", "sweeper",
			"action", "resend_rejected",
			"query_id", q.ID,
			"message", result.Message,
		)
		return false
	}

	slog.Info("query resent",
		"component", "worker",
		"worker", "sweeper",
		"action", "resend",
		"query_id", q.ID,
	)
	return true
}
