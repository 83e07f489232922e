package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/query"
	"github.com/hyperengineering/pipesync/internal/types"
)

type stubHooks struct {
	err error
}

func (s *stubHooks) FormattedHook(_ context.Context, hookKey string, category types.Category, sourceID int64) (types.FormattedHook, error) {
	if s.err != nil {
		return types.FormattedHook{}, s.err
	}
	return types.FormattedHook{
		Category: category,
		Key:      hookKey,
		Source:   types.SourceUser,
		SourceID: sourceID,
	}, nil
}

type stubProcessor struct {
	outcome   query.Outcome
	err       error
	processed []string
}

func (s *stubProcessor) Process(_ context.Context, hook types.FormattedHook, _ *int64) (query.Outcome, error) {
	s.processed = append(s.processed, fmt.Sprintf("%s/%d", hook.Category, hook.SourceID))
	return s.outcome, s.err
}

func newDispatcher(hooks *stubHooks, processor *stubProcessor, window time.Duration) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(hooks, processor, NewDebouncer(window), logger)
}

func TestDebouncerWindow(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d := NewDebouncer(60 * time.Second).WithClock(func() time.Time { return now })

	if !d.Allow(types.CategoryPerson, types.SourceUser, 7) {
		t.Fatal("first event should pass")
	}
	now = base.Add(30 * time.Second)
	if d.Allow(types.CategoryPerson, types.SourceUser, 7) {
		t.Error("event inside the window should be suppressed")
	}
	now = base.Add(61 * time.Second)
	if !d.Allow(types.CategoryPerson, types.SourceUser, 7) {
		t.Error("event past the window should pass")
	}
}

func TestDebouncerKeysEntitiesIndependently(t *testing.T) {
	d := NewDebouncer(time.Minute)

	if !d.Allow(types.CategoryPerson, types.SourceUser, 7) {
		t.Fatal("first entity should pass")
	}
	if !d.Allow(types.CategoryDeal, types.SourceOrder, 7) {
		t.Error("same id in another category should pass")
	}
	if !d.Allow(types.CategoryPerson, types.SourceUser, 8) {
		t.Error("another user should pass")
	}
}

func TestDebouncerForget(t *testing.T) {
	d := NewDebouncer(time.Minute)

	d.Allow(types.CategoryPerson, types.SourceUser, 7)
	d.Forget(types.CategoryPerson, types.SourceUser, 7)
	if !d.Allow(types.CategoryPerson, types.SourceUser, 7) {
		t.Error("forgotten entity should pass again")
	}
}

func TestDebouncerDisabled(t *testing.T) {
	d := NewDebouncer(0)

	for i := 0; i < 3; i++ {
		if !d.Allow(types.CategoryPerson, types.SourceUser, 7) {
			t.Fatal("zero window should never suppress")
		}
	}
}

func TestDispatchProcessesEvent(t *testing.T) {
	processor := &stubProcessor{outcome: query.OutcomeDone}
	d := newDispatcher(&stubHooks{}, processor, time.Minute)

	outcome, err := d.Dispatch(context.Background(), "profile_update", types.CategoryPerson, 7, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome != query.OutcomeDone {
		t.Errorf("outcome = %q, want done", outcome)
	}
	if len(processor.processed) != 1 || processor.processed[0] != "person/7" {
		t.Errorf("processed = %v", processor.processed)
	}
}

func TestDispatchSuppressesBurst(t *testing.T) {
	processor := &stubProcessor{outcome: query.OutcomeDone}
	d := newDispatcher(&stubHooks{}, processor, time.Minute)

	if _, err := d.Dispatch(context.Background(), "profile_update", types.CategoryPerson, 7, nil); err != nil {
		t.Fatal(err)
	}
	_, err := d.Dispatch(context.Background(), "profile_update", types.CategoryPerson, 7, nil)
	if !errors.Is(err, ErrDebounced) {
		t.Fatalf("Dispatch() error = %v, want ErrDebounced", err)
	}
	if len(processor.processed) != 1 {
		t.Errorf("processed = %v, want one entry", processor.processed)
	}
}

func TestDispatchPropagatesHookError(t *testing.T) {
	hookErr := errors.New("hook not configured")
	processor := &stubProcessor{}
	d := newDispatcher(&stubHooks{err: hookErr}, processor, time.Minute)

	_, err := d.Dispatch(context.Background(), "profile_update", types.CategoryPerson, 7, nil)
	if !errors.Is(err, hookErr) {
		t.Fatalf("Dispatch() error = %v, want hook error", err)
	}
	if len(processor.processed) != 0 {
		t.Error("processor should not run when the snapshot fails")
	}
}

func TestDispatchKeepsWindowOnProcessorError(t *testing.T) {
	processor := &stubProcessor{outcome: query.OutcomeError, err: errors.New("gateway down")}
	d := newDispatcher(&stubHooks{}, processor, time.Minute)

	if _, err := d.Dispatch(context.Background(), "profile_update", types.CategoryPerson, 7, nil); err == nil {
		t.Fatal("expected processor error")
	}
	// The failed attempt still anchors the window: re-sending is the
	// sweeper's job.
	_, err := d.Dispatch(context.Background(), "profile_update", types.CategoryPerson, 7, nil)
	if !errors.Is(err, ErrDebounced) {
		t.Errorf("Dispatch() error = %v, want ErrDebounced", err)
	}
}
