package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/query"
	"github.com/hyperengineering/pipesync/internal/store"
	"github.com/hyperengineering/pipesync/internal/types"
)

// fakeProcessor records processed hooks and returns scripted outcomes.
type fakeProcessor struct {
	outcomes  map[string]query.Outcome
	processed []string
	onProcess func()
}

func (f *fakeProcessor) Process(_ context.Context, hook types.FormattedHook, _ *int64) (query.Outcome, error) {
	key := fmt.Sprintf("%s/%s/%d", hook.Key, hook.Category, hook.SourceID)
	f.processed = append(f.processed, key)
	if f.onProcess != nil {
		f.onProcess()
	}
	if outcome, ok := f.outcomes[key]; ok {
		return outcome, nil
	}
	return query.OutcomeDone, nil
}

// fakeHooks serves snapshots for configured (key, category) pairs.
type fakeHooks struct {
	configured map[string]bool
}

func (f *fakeHooks) FormattedHook(_ context.Context, hookKey string, category types.Category, sourceID int64) (types.FormattedHook, error) {
	if !f.configured[hookKey+"/"+string(category)] {
		return types.FormattedHook{}, fmt.Errorf("%w: %s/%s", ErrHookNotConfigured, hookKey, category)
	}
	return types.FormattedHook{
		Category: category,
		Key:      hookKey,
		Source:   types.SourceUser,
		SourceID: sourceID,
	}, nil
}

type syncFixture struct {
	orch      *Orchestrator
	store     *store.SQLiteStore
	processor *fakeProcessor
	hooks     *fakeHooks
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "pipesync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	processor := &fakeProcessor{outcomes: map[string]query.Outcome{}}
	hooks := &fakeHooks{configured: map[string]bool{
		"profile_update/organization": true,
		"profile_update/person":       true,
		"order_status_completed/deal": true,
	}}

	cfg := config.SyncConfig{
		HeartbeatTTL:    config.Duration(60 * time.Second),
		ForceResetAfter: config.Duration(4 * time.Hour),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(st, processor, hooks, cfg, logger)

	ctx := context.Background()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 2; i++ {
		if err := st.UpsertUser(ctx, &types.UserData{
			ID:           i,
			Login:        fmt.Sprintf("user%d", i),
			Email:        fmt.Sprintf("user%d@example.com", i),
			RegisteredAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpsertOrder(ctx, &types.Order{ID: 10, UserID: 1, Status: "completed", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertOrder(ctx, &types.Order{ID: 11, UserID: 2, Status: "pending", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	return &syncFixture{orch: orch, store: st, processor: processor, hooks: hooks}
}

func TestRunProcessesUsersThenOrders(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	f.processor.outcomes["profile_update/person/2"] = query.OutcomeUpToDate

	if err := f.orch.Run(ctx, false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{
		"profile_update/organization/1",
		"profile_update/person/1",
		"profile_update/organization/2",
		"profile_update/person/2",
		"order_status_completed/deal/10",
	}
	if len(f.processor.processed) != len(want) {
		t.Fatalf("processed = %v, want %v", f.processor.processed, want)
	}
	for i, key := range want {
		if f.processor.processed[i] != key {
			t.Errorf("processed[%d] = %s, want %s", i, f.processor.processed[i], key)
		}
	}

	st, err := f.store.SyncState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Error("run should finish with running=false")
	}
	if st.LastSync == nil {
		t.Error("last sync timestamp should be stamped")
	}
	if st.ProgressUsers != 100 || st.ProgressOrders != 100 {
		t.Errorf("progress = %d/%d, want 100/100", st.ProgressUsers, st.ProgressOrders)
	}
	if st.Counters.PersonDone != 1 || st.Counters.PersonUpToDate != 1 {
		t.Errorf("person counters = %+v", st.Counters)
	}
	// The pending-status order has no configured hook and is skipped
	if st.Counters.OrderDone != 1 || st.Counters.OrderErrors != 0 {
		t.Errorf("order counters = %+v", st.Counters)
	}
	if st.Counters.TotalUsers != 2 || st.Counters.TotalOrders != 2 {
		t.Errorf("totals = %+v", st.Counters)
	}
	if st.RunID == "" {
		t.Error("run id should be assigned")
	}
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	st, _ := f.store.SyncState(ctx)
	st.Running = true
	now := time.Now().UTC()
	st.LastHeartbeat = &now
	if err := f.store.SaveSyncState(ctx, st); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Run(ctx, false); err != ErrAlreadyRunning {
		t.Errorf("Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestRunAbortsWithoutPersonHook(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	delete(f.hooks.configured, "profile_update/person")

	err := f.orch.Run(ctx, false)
	if err == nil || err.Error() != MsgPersonHookMissing {
		t.Fatalf("Run() error = %v, want person-hook message", err)
	}

	st, _ := f.store.SyncState(ctx)
	if st.Running {
		t.Error("failed run should clear running")
	}
	if st.LastError != MsgPersonHookMissing {
		t.Errorf("last error = %q", st.LastError)
	}
	if st.LastSync != nil {
		t.Error("failed run should not stamp last sync")
	}
}

func TestRunSkipsMissingOrganizationHook(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	delete(f.hooks.configured, "profile_update/organization")

	if err := f.orch.Run(ctx, false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, key := range f.processor.processed {
		if key == "profile_update/organization/1" {
			t.Error("organization hook should be skipped when unconfigured")
		}
	}
}

func TestRunResumesFromPersistedIndex(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	st, _ := f.store.SyncState(ctx)
	st.RunID = "01TESTRUN"
	st.Counters.CurrentUserIndex = 1
	st.Counters.CurrentOrderIndex = 2
	if err := f.store.SaveSyncState(ctx, st); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Run(ctx, true); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, key := range f.processor.processed {
		if key == "profile_update/person/1" || key == "order_status_completed/deal/10" {
			t.Errorf("already-processed item repeated: %s", key)
		}
	}
	found := false
	for _, key := range f.processor.processed {
		if key == "profile_update/person/2" {
			found = true
		}
	}
	if !found {
		t.Error("resume should continue with the next user")
	}

	got, _ := f.store.SyncState(ctx)
	if got.RunID != "01TESTRUN" {
		t.Errorf("retry should keep the run id, got %q", got.RunID)
	}
}

func TestRunStopsCooperatively(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// Clear the running flag after the first processed hook; the run must
	// stop at the next item without stamping last_sync.
	f.processor.onProcess = func() {
		st, _ := f.store.SyncState(ctx)
		st.Running = false
		if err := f.store.SaveSyncState(ctx, st); err != nil {
			t.Error(err)
		}
	}

	if err := f.orch.Run(ctx, false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	st, _ := f.store.SyncState(ctx)
	if st.Running {
		t.Error("stopped run should not be running")
	}
	if st.LastSync != nil {
		t.Error("stopped run should not stamp last sync")
	}
	if len(f.processor.processed) >= 5 {
		t.Errorf("run should have stopped early, processed %v", f.processor.processed)
	}
}

func TestProgressForceResetsStaleRun(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-5 * time.Hour)
	st, _ := f.store.SyncState(ctx)
	st.Running = true
	st.LastHeartbeat = &stale
	if err := f.store.SaveSyncState(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, err := f.orch.Progress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Running {
		t.Error("stale run should be force-reset")
	}

	persisted, _ := f.store.SyncState(ctx)
	if persisted.Running {
		t.Error("force reset should be persisted")
	}
}

func TestStalled(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	stalled, err := f.orch.Stalled(ctx)
	if err != nil || stalled {
		t.Errorf("idle state should not be stalled: %v, %v", stalled, err)
	}

	recent := time.Now().UTC().Add(-10 * time.Second)
	st, _ := f.store.SyncState(ctx)
	st.Running = true
	st.LastHeartbeat = &recent
	if err := f.store.SaveSyncState(ctx, st); err != nil {
		t.Fatal(err)
	}
	if stalled, _ := f.orch.Stalled(ctx); stalled {
		t.Error("fresh heartbeat should not be stalled")
	}

	old := time.Now().UTC().Add(-3 * time.Minute)
	st.LastHeartbeat = &old
	if err := f.store.SaveSyncState(ctx, st); err != nil {
		t.Fatal(err)
	}
	if stalled, _ := f.orch.Stalled(ctx); !stalled {
		t.Error("silent heartbeat past the TTL should be stalled")
	}
}
