package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/query"
	"github.com/hyperengineering/pipesync/internal/store"
	"github.com/hyperengineering/pipesync/internal/types"
)

// ProfileUpdateHook is the hook key a user profile change feeds. It is
// looked up twice: once for the organization category, once for person.
const ProfileUpdateHook = "profile_update"

// MsgPersonHookMissing aborts a run: without the person hook the resync
// cannot produce anything useful.
const MsgPersonHookMissing = "You need to set the status 'User updated' in persons settings."

// ErrAlreadyRunning is returned when a run is requested while one is active.
var ErrAlreadyRunning = errors.New("a synchronization is already in progress")

// errStopped aborts the phases when the running flag was cleared externally.
var errStopped = errors.New("sync stopped")

// Processor is the slice of the query engine the orchestrator drives.
type Processor interface {
	Process(ctx context.Context, hook types.FormattedHook, userID *int64) (query.Outcome, error)
}

// Orchestrator walks every user and then every order in stable order,
// deduplicates and delivers one query per configured hook, and keeps its
// progress persisted so an interrupted run resumes where it stopped.
type Orchestrator struct {
	store     store.Store
	processor Processor
	hooks     HookProvider
	cfg       config.SyncConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator. The clock is injectable for tests.
func NewOrchestrator(st store.Store, processor Processor, hooks HookProvider, cfg config.SyncConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		processor: processor,
		hooks:     hooks,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the orchestrator clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run executes a full resync. retry resumes an interrupted run from its
// persisted indexes instead of starting over; without it an active run is
// refused with ErrAlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context, retry bool) error {
	st, err := o.store.SyncState(ctx)
	if err != nil {
		return err
	}
	if st.Running && !retry {
		return ErrAlreadyRunning
	}

	if !retry {
		st.RunID = ulid.Make().String()
		st.Counters = types.SyncCounters{}
		st.ProgressUsers = 0
		st.ProgressOrders = 0
	}
	st.Running = true
	st.Pending = false
	st.LastError = ""
	heartbeat := o.now()
	st.LastHeartbeat = &heartbeat
	if err := o.store.SaveSyncState(ctx, st); err != nil {
		return err
	}

	o.logger.Info("sync run started",
		"component", "sync",
		"action", "run",
		"run_id", st.RunID,
		"retry", retry)

	if err := o.runPhases(ctx, st); err != nil {
		if errors.Is(err, errStopped) {
			st.Running = false
			return o.store.SaveSyncState(ctx, st)
		}
		st.Running = false
		st.LastError = err.Error()
		if saveErr := o.store.SaveSyncState(ctx, st); saveErr != nil {
			o.logger.Error("persist sync failure state",
				"component", "sync",
				"action", "run",
				"error", saveErr)
		}
		o.logger.Error("sync run failed",
			"component", "sync",
			"action", "run",
			"run_id", st.RunID,
			"error", err)
		return err
	}

	st.Running = false
	lastSync := o.now()
	st.LastSync = &lastSync
	if err := o.store.SaveSyncState(ctx, st); err != nil {
		return err
	}

	o.logger.Info("sync run finished",
		"component", "sync",
		"action", "run",
		"run_id", st.RunID,
		"person_done", st.Counters.PersonDone,
		"person_errors", st.Counters.PersonErrors,
		"person_uptodate", st.Counters.PersonUpToDate,
		"order_done", st.Counters.OrderDone,
		"order_errors", st.Counters.OrderErrors,
		"order_uptodate", st.Counters.OrderUpToDate)
	return nil
}

func (o *Orchestrator) runPhases(ctx context.Context, st *types.SyncState) error {
	if err := o.syncUsers(ctx, st); err != nil {
		return err
	}
	return o.syncOrders(ctx, st)
}

// syncUsers processes every user in registration order: the organization
// hook first (optional), then the person hook (mandatory).
func (o *Orchestrator) syncUsers(ctx context.Context, st *types.SyncState) error {
	users, err := o.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	st.Counters.TotalUsers = int64(len(users))

	for idx, user := range users {
		if int64(idx) < st.Counters.CurrentUserIndex {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stop, err := o.tick(ctx, st)
		if err != nil {
			return err
		}
		if stop {
			o.logger.Info("sync run stopped cooperatively",
				"component", "sync",
				"action", "sync_users",
				"run_id", st.RunID,
				"user_index", idx)
			return errStopped
		}

		userID := user.ID
		// Organization first so the person query can link to it. A missing
		// organization hook just skips this half.
		if orgHook, err := o.hooks.FormattedHook(ctx, ProfileUpdateHook, types.CategoryOrganization, userID); err == nil {
			if _, err := o.processor.Process(ctx, orgHook, &userID); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrHookNotConfigured) {
			return err
		}

		personHook, err := o.hooks.FormattedHook(ctx, ProfileUpdateHook, types.CategoryPerson, userID)
		if errors.Is(err, ErrHookNotConfigured) {
			return errors.New(MsgPersonHookMissing)
		}
		if err != nil {
			return err
		}

		outcome, err := o.processor.Process(ctx, personHook, &userID)
		if err != nil {
			return err
		}
		switch outcome {
		case query.OutcomeDone:
			st.Counters.PersonDone++
		case query.OutcomeUpToDate:
			st.Counters.PersonUpToDate++
		default:
			st.Counters.PersonErrors++
		}

		st.Counters.CurrentUser = user.ID
		st.Counters.CurrentUserIndex = int64(idx) + 1
		st.ProgressUsers = int(float64(idx+1) / float64(len(users)) * 100)
		if err := o.saveProgress(ctx, st); err != nil {
			return err
		}
	}

	st.ProgressUsers = 100
	return nil
}

// syncOrders processes every order in creation order through its
// status-specific deal hook. Orders whose status has no configured hook are
// skipped.
func (o *Orchestrator) syncOrders(ctx context.Context, st *types.SyncState) error {
	orders, err := o.store.ListOrders(ctx)
	if err != nil {
		return err
	}
	st.Counters.TotalOrders = int64(len(orders))

	for idx, order := range orders {
		if int64(idx) < st.Counters.CurrentOrderIndex {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stop, err := o.tick(ctx, st)
		if err != nil {
			return err
		}
		if stop {
			o.logger.Info("sync run stopped cooperatively",
				"component", "sync",
				"action", "sync_orders",
				"run_id", st.RunID,
				"order_index", idx)
			return errStopped
		}

		userID := order.UserID
		hookKey := config.OrderStatusHook(order.Status)
		hook, err := o.hooks.FormattedHook(ctx, hookKey, types.CategoryDeal, order.ID)
		if errors.Is(err, ErrHookNotConfigured) {
			o.logger.Debug("order status without hook",
				"component", "sync",
				"action", "sync_orders",
				"order_id", order.ID,
				"status", order.Status)
		} else if err != nil {
			return err
		} else {
			outcome, err := o.processor.Process(ctx, hook, &userID)
			if err != nil {
				return err
			}
			switch outcome {
			case query.OutcomeDone:
				st.Counters.OrderDone++
			case query.OutcomeUpToDate:
				st.Counters.OrderUpToDate++
			default:
				st.Counters.OrderErrors++
			}
		}

		st.Counters.CurrentOrder = order.ID
		st.Counters.CurrentOrderIndex = int64(idx) + 1
		st.ProgressOrders = int(float64(idx+1) / float64(len(orders)) * 100)
		if err := o.saveProgress(ctx, st); err != nil {
			return err
		}
	}

	st.ProgressOrders = 100
	return nil
}

// tick refreshes the heartbeat and checks the cooperative stop flag. An
// operator (or the force reset) can clear `running` to stop an active run
// between items.
func (o *Orchestrator) tick(ctx context.Context, st *types.SyncState) (stop bool, err error) {
	persisted, err := o.store.SyncState(ctx)
	if err != nil {
		return false, err
	}
	if !persisted.Running {
		return true, nil
	}

	heartbeat := o.now()
	st.LastHeartbeat = &heartbeat
	if err := o.store.SaveSyncState(ctx, st); err != nil {
		return false, err
	}
	return false, nil
}

// saveProgress persists counters and progress without clobbering a stop
// flag written by another actor since the last read.
func (o *Orchestrator) saveProgress(ctx context.Context, st *types.SyncState) error {
	persisted, err := o.store.SyncState(ctx)
	if err != nil {
		return err
	}
	st.Running = persisted.Running
	return o.store.SaveSyncState(ctx, st)
}

// Progress returns the current run state. A run whose heartbeat has been
// silent longer than the force-reset window is declared dead and its
// running flag cleared.
func (o *Orchestrator) Progress(ctx context.Context) (*types.SyncState, error) {
	st, err := o.store.SyncState(ctx)
	if err != nil {
		return nil, err
	}

	if st.Running && st.LastHeartbeat != nil {
		if o.now().Sub(*st.LastHeartbeat) > time.Duration(o.cfg.ForceResetAfter) {
			st.Running = false
			st.LastError = "synchronization abandoned after a silent heartbeat"
			if err := o.store.SaveSyncState(ctx, st); err != nil {
				return nil, err
			}
			o.logger.Warn("stale sync run force-reset",
				"component", "sync",
				"action", "progress",
				"run_id", st.RunID)
		}
	}

	return st, nil
}

// Stalled reports whether an active run has missed its heartbeat window and
// should be resumed by the watchdog.
func (o *Orchestrator) Stalled(ctx context.Context) (bool, error) {
	st, err := o.Progress(ctx)
	if err != nil {
		return false, err
	}
	if !st.Running || st.LastHeartbeat == nil {
		return false, nil
	}
	return o.now().Sub(*st.LastHeartbeat) > time.Duration(o.cfg.HeartbeatTTL), nil
}

// Stop clears the running flag; the active run notices at its next item.
func (o *Orchestrator) Stop(ctx context.Context) error {
	st, err := o.store.SyncState(ctx)
	if err != nil {
		return err
	}
	if !st.Running {
		return nil
	}
	st.Running = false
	if err := o.store.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("persist stop: %w", err)
	}
	return nil
}
