package trigger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hyperengineering/pipesync/internal/query"
	"github.com/hyperengineering/pipesync/internal/types"
)

// ErrDebounced is returned when an event is dropped because an equivalent
// event already passed inside the debounce window.
var ErrDebounced = errors.New("event debounced")

// HookBuilder renders the hook snapshot for an event.
type HookBuilder interface {
	FormattedHook(ctx context.Context, hookKey string, category types.Category, sourceID int64) (types.FormattedHook, error)
}

// Processor runs the dedup-then-deliver path for a snapshot.
type Processor interface {
	Process(ctx context.Context, hook types.FormattedHook, userID *int64) (query.Outcome, error)
}

// Dispatcher turns a raw domain event into at most one delivered query:
// debounce first, then snapshot the hook, then let the engine decide
// between skip, resend and create.
type Dispatcher struct {
	hooks     HookBuilder
	processor Processor
	debounce  *Debouncer
	logger    *slog.Logger
}

// NewDispatcher wires the intake path.
func NewDispatcher(hooks HookBuilder, processor Processor, debounce *Debouncer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hooks:     hooks,
		processor: processor,
		debounce:  debounce,
		logger:    logger,
	}
}

// Dispatch handles one domain event. It returns ErrDebounced when the
// entity fired inside the debounce window, and otherwise reports the
// engine's outcome for the snapshot.
func (d *Dispatcher) Dispatch(ctx context.Context, hookKey string, category types.Category, sourceID int64, userID *int64) (query.Outcome, error) {
	hook, err := d.hooks.FormattedHook(ctx, hookKey, category, sourceID)
	if err != nil {
		return query.OutcomeError, err
	}

	if !d.debounce.Allow(hook.Category, hook.Source, hook.SourceID) {
		d.logger.Debug("event debounced",
			"component", "trigger",
			"action", "dispatch",
			"hook", hookKey,
			"category", category,
			"source_id", sourceID)
		return query.OutcomeUpToDate, ErrDebounced
	}

	outcome, err := d.processor.Process(ctx, hook, userID)
	if err != nil {
		// The window anchor stays in place even on failure: the retry
		// sweeper owns re-sending, not the event source.
		d.logger.Error("event processing failed",
			"component", "trigger",
			"action", "dispatch",
			"hook", hookKey,
			"category", category,
			"source_id", sourceID,
			"error", err)
		return outcome, err
	}

	d.logger.Info("event dispatched",
		"component", "trigger",
		"action", "dispatch",
		"hook", hookKey,
		"category", category,
		"source_id", sourceID,
		"outcome", outcome)
	return outcome, nil
}
