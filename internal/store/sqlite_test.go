package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pipesync.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestQuery(category types.Category, sourceID int64) *types.Query {
	return &types.Query{
		Category: category,
		Source:   types.SourceUser,
		SourceID: sourceID,
		Hook:     "profile_update",
		Method:   "POST",
		State:    types.StateTodo,
		Payload: types.FormattedHook{
			Category: category,
			Key:      "profile_update",
			Source:   types.SourceUser,
			SourceID: sourceID,
			Fields: []types.HookField{
				{FieldID: 9001, Values: [][]string{{"ada@example.com"}}},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := newTestQuery(types.CategoryPerson, 7)
	q.Traceback = []types.TraceEntry{{Step: "Processing data", Success: true, Message: "ok", Internal: true}}
	q.TotalError = 2

	if err := s.CreateQuery(ctx, q); err != nil {
		t.Fatalf("CreateQuery() error = %v", err)
	}
	if q.ID == 0 {
		t.Fatal("CreateQuery should assign an id")
	}

	got, err := s.GetQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuery() error = %v", err)
	}
	if got.Category != types.CategoryPerson || got.SourceID != 7 || got.State != types.StateTodo {
		t.Errorf("unexpected query: %+v", got)
	}
	if got.TotalError != 2 || len(got.Traceback) != 1 || got.Traceback[0].Step != "Processing data" {
		t.Errorf("additional data not round-tripped: %+v", got)
	}
	if len(got.Payload.Fields) != 1 || got.Payload.Fields[0].FieldID != 9001 {
		t.Errorf("payload not round-tripped: %+v", got.Payload)
	}
}

func TestGetQueryNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetQuery(context.Background(), 12345)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetQuery() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := newTestQuery(types.CategoryDeal, 11)
	if err := s.CreateQuery(ctx, q); err != nil {
		t.Fatal(err)
	}

	target := int64(501)
	now := time.Now().UTC()
	q.State = types.StateDone
	q.TargetID = &target
	q.Response = &types.CRMResponse{ID: 501}
	q.SentAt = &now
	q.RespondedAt = &now

	if err := s.UpdateQuery(ctx, q); err != nil {
		t.Fatalf("UpdateQuery() error = %v", err)
	}

	got, err := s.GetQuery(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.StateDone {
		t.Errorf("state = %s, want DONE", got.State)
	}
	if got.TargetID == nil || *got.TargetID != 501 {
		t.Errorf("target_id = %v, want 501", got.TargetID)
	}
	if got.Response == nil || got.Response.ID != 501 {
		t.Errorf("response = %+v, want id 501", got.Response)
	}
	if got.SentAt == nil || got.RespondedAt == nil {
		t.Error("sent/responded timestamps should persist")
	}

	missing := newTestQuery(types.CategoryDeal, 12)
	missing.ID = 99999
	if err := s.UpdateQuery(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateQuery(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestListQueriesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		if err := s.CreateQuery(ctx, newTestQuery(types.CategoryPerson, i)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("default ordering is newest first", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{}, 1, 3, types.OrderDesc)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 3 {
			t.Fatalf("items = %d, want 3", len(page.Items))
		}
		if page.Items[0].ID <= page.Items[1].ID {
			t.Error("expected descending id order")
		}
		if page.Pagination.TotalItems != 10 || page.Pagination.TotalPages != 4 {
			t.Errorf("pagination = %+v", page.Pagination)
		}
		if !page.Pagination.HasNextPage {
			t.Error("page 1 of 4 should have a next page")
		}
	})

	t.Run("exact fit has no next page", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{}, 1, 10, types.OrderDesc)
		if err != nil {
			t.Fatal(err)
		}
		if page.Pagination.TotalPages != 1 || page.Pagination.HasNextPage {
			t.Errorf("pagination = %+v, want single page without next", page.Pagination)
		}
	})

	t.Run("unbounded returns everything", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{}, 1, -1, types.OrderAsc)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 10 {
			t.Fatalf("items = %d, want 10", len(page.Items))
		}
		if page.Pagination.TotalPages != 1 || page.Pagination.HasNextPage {
			t.Errorf("pagination = %+v", page.Pagination)
		}
		if page.Items[0].ID >= page.Items[9].ID {
			t.Error("expected ascending id order")
		}
	})

	t.Run("last page", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{}, 4, 3, types.OrderDesc)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 1 {
			t.Fatalf("items = %d, want 1", len(page.Items))
		}
		if page.Pagination.HasNextPage {
			t.Error("last page should not have a next page")
		}
	})
}

func TestListQueriesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(category types.Category, sourceID int64, state types.State, hook string) *types.Query {
		q := newTestQuery(category, sourceID)
		q.State = state
		q.Hook = hook
		if err := s.CreateQuery(ctx, q); err != nil {
			t.Fatal(err)
		}
		return q
	}

	mk(types.CategoryPerson, 1, types.StateTodo, "profile_update")
	mk(types.CategoryPerson, 1, types.StateError, "profile_update")
	done := mk(types.CategoryPerson, 1, types.StateDone, "profile_update")
	mk(types.CategoryDeal, 2, types.StateTodo, "order_status_completed")
	newest := mk(types.CategoryPerson, 1, types.StateTodo, "profile_update")

	t.Run("state set is OR", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{
			States: []types.State{types.StateTodo, types.StateError},
		}, 1, -1, types.OrderDesc)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 3 {
			t.Errorf("items = %d, want 3", len(page.Items))
		}
	})

	t.Run("identity filter", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{
			Category: types.CategoryPerson,
			Source:   types.SourceUser,
			SourceID: 1,
			States:   []types.State{types.StateDone, types.StateSended},
		}, 1, 1, types.OrderDesc)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 1 || page.Items[0].ID != done.ID {
			t.Errorf("expected the DONE query, got %+v", page.Items)
		}
	})

	t.Run("id before excludes newer rows", func(t *testing.T) {
		page, err := s.ListQueries(ctx, types.QueryFilter{
			Hook:     "profile_update",
			IDBefore: newest.ID,
			States:   []types.State{types.StateTodo, types.StateError},
		}, 1, -1, types.OrderAsc)
		if err != nil {
			t.Fatal(err)
		}
		for _, item := range page.Items {
			if item.ID >= newest.ID {
				t.Errorf("query %d should be excluded by IDBefore", item.ID)
			}
		}
		if len(page.Items) != 2 {
			t.Errorf("items = %d, want 2", len(page.Items))
		}
	})
}

func TestExternalIDLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ExternalID(ctx, types.CategoryPerson, 7); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("ExternalID(unlinked) error = %v, want ErrLinkNotFound", err)
	}

	if err := s.SetExternalID(ctx, types.CategoryPerson, 7, 301); err != nil {
		t.Fatal(err)
	}
	got, err := s.ExternalID(ctx, types.CategoryPerson, 7)
	if err != nil || got != 301 {
		t.Errorf("ExternalID() = %d, %v, want 301", got, err)
	}

	// Same entity id, different category, independent link
	if err := s.SetExternalID(ctx, types.CategoryOrganization, 7, 88); err != nil {
		t.Fatal(err)
	}
	got, err = s.ExternalID(ctx, types.CategoryPerson, 7)
	if err != nil || got != 301 {
		t.Errorf("person link clobbered: %d, %v", got, err)
	}

	// Replacing an existing link
	if err := s.SetExternalID(ctx, types.CategoryPerson, 7, 302); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ExternalID(ctx, types.CategoryPerson, 7)
	if got != 302 {
		t.Errorf("link = %d, want 302 after replace", got)
	}
}

func TestDirectoryOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	users := []types.UserData{
		{ID: 3, Login: "carol", Email: "carol@example.com", RegisteredAt: base.Add(48 * time.Hour)},
		{ID: 1, Login: "ada", Email: "ada@example.com", RegisteredAt: base},
		{ID: 2, Login: "bob", Email: "bob@example.com", RegisteredAt: base.Add(24 * time.Hour)},
	}
	for i := range users {
		if err := s.UpsertUser(ctx, &users[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != 1 || got[1].ID != 2 || got[2].ID != 3 {
		t.Errorf("users not ordered by registration date: %+v", got)
	}

	orders := []types.Order{
		{ID: 20, UserID: 1, Status: "completed", Total: 50, CreatedAt: base.Add(time.Hour),
			Items: []types.OrderItem{{ProductID: 5, Name: "Widget", Quantity: 2, Total: 50}}},
		{ID: 10, UserID: 2, Status: "processing", Total: 10, CreatedAt: base},
	}
	for i := range orders {
		if err := s.UpsertOrder(ctx, &orders[i]); err != nil {
			t.Fatal(err)
		}
	}

	gotOrders, err := s.ListOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotOrders) != 2 || gotOrders[0].ID != 10 || gotOrders[1].ID != 20 {
		t.Errorf("orders not ordered by creation date: %+v", gotOrders)
	}
	if len(gotOrders[1].Items) != 1 || gotOrders[1].Items[0].Name != "Widget" {
		t.Errorf("order items not round-tripped: %+v", gotOrders[1].Items)
	}

	if _, err := s.GetUser(ctx, 99); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser(unknown) error = %v, want ErrUserNotFound", err)
	}
	if _, err := s.GetOrder(ctx, 99); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("GetOrder(unknown) error = %v, want ErrOrderNotFound", err)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.SyncState(ctx)
	if err != nil {
		t.Fatalf("SyncState() error = %v", err)
	}
	if st.Running || st.Pending || st.LastHeartbeat != nil {
		t.Errorf("seeded state should be idle: %+v", st)
	}

	now := time.Now().UTC().Truncate(time.Second)
	st.RunID = "01JC0000000000000000000000"
	st.Running = true
	st.LastHeartbeat = &now
	st.ProgressUsers = 40
	st.Counters = types.SyncCounters{TotalUsers: 10, CurrentUserIndex: 4, PersonDone: 3, PersonErrors: 1}

	if err := s.SaveSyncState(ctx, st); err != nil {
		t.Fatalf("SaveSyncState() error = %v", err)
	}

	got, err := s.SyncState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Running || got.RunID != st.RunID || got.ProgressUsers != 40 {
		t.Errorf("state not round-tripped: %+v", got)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(now) {
		t.Errorf("heartbeat = %v, want %v", got.LastHeartbeat, now)
	}
	if got.Counters.TotalUsers != 10 || got.Counters.CurrentUserIndex != 4 || got.Counters.PersonErrors != 1 {
		t.Errorf("counters not round-tripped: %+v", got.Counters)
	}
}
