package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/pipesync/internal/query"
	syncpkg "github.com/hyperengineering/pipesync/internal/sync"
	"github.com/hyperengineering/pipesync/internal/trigger"
	"github.com/hyperengineering/pipesync/internal/types"
	"github.com/hyperengineering/pipesync/internal/validation"
)

// StartSync handles GET /api/v1/start-sync. It marks a run pending and
// spawns it as a background task; `retry` resumes an interrupted run from
// its persisted position instead of starting over.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	retry := boolParam(r, "retry")
	if boolParam(r, "re-sync") {
		retry = false
	}

	st, err := h.orch.Progress(r.Context())
	if err != nil {
		writeInternal(w, r, err, r.URL.Query())
		return
	}
	if st.Running && !retry {
		writeJSON(w, http.StatusOK, envelope{
			"message": "Synchronization already in progress.",
			"running": true,
		})
		return
	}

	st.Pending = true
	if err := h.store.SaveSyncState(r.Context(), st); err != nil {
		writeInternal(w, r, err, r.URL.Query())
		return
	}

	ctx := background(r)
	go func() {
		// Run reports its own failures through the persisted state.
		_ = h.orch.Run(ctx, retry)
	}()

	writeJSON(w, http.StatusOK, envelope{
		"success": true,
		"message": "Synchronization started in the background.",
	})
}

// RunSync handles POST /api/v1/run-sync: it drives a pending run to
// completion in the request. Only runs marked pending by start-sync are
// accepted.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	retry := boolParam(r, "retry")

	st, err := h.orch.Progress(r.Context())
	if err != nil {
		writeInternal(w, r, err, r.URL.Query())
		return
	}
	if !st.Pending {
		writeFailure(w, "No synchronization is pending.", nil)
		return
	}

	err = h.orch.Run(r.Context(), retry)
	switch {
	case errors.Is(err, syncpkg.ErrAlreadyRunning):
		writeJSON(w, http.StatusOK, envelope{
			"message":               "synchronization already in progress",
			"running":               true,
			"sync_progress_users":   st.ProgressUsers,
			"sync_progress_orders":  st.ProgressOrders,
			"sync_additional_datas": st.Counters,
		})
	case err != nil:
		writeFailure(w, err.Error(), nil)
	default:
		writeJSON(w, http.StatusOK, envelope{
			"success": true,
			"message": "Data synced",
		})
	}
}

// SyncProgress handles GET /api/v1/sync-progress. A run whose heartbeat
// went silent past the force-reset window is reported as not running.
func (h *Handler) SyncProgress(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Progress(r.Context())
	if err != nil {
		writeInternal(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// triggerRequest is one domain event entering through the intake endpoint.
type triggerRequest struct {
	Hook     string `json:"hook"`
	Category string `json:"category"`
	SourceID int64  `json:"source_id"`
	UserID   *int64 `json:"user_id"`
}

// Trigger handles POST /api/v1/trigger: the intake path for domain
// events. Bursts for the same entity inside the debounce window collapse
// into a single delivery.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, fmt.Sprintf("Invalid JSON: %s", err), nil)
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateRequired("hook", req.Hook))
	c.Add(validation.ValidateEnum("category", req.Category, []string{
		string(types.CategoryPerson),
		string(types.CategoryOrganization),
		string(types.CategoryDeal),
	}))
	c.Add(validation.ValidatePositive("source_id", req.SourceID))
	if c.HasErrors() {
		writeFailure(w, c.Error(), envelope{"errors": c.Errors()})
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), req.Hook, types.Category(req.Category), req.SourceID, req.UserID)
	switch {
	case errors.Is(err, trigger.ErrDebounced):
		writeJSON(w, http.StatusOK, envelope{
			"success": true,
			"message": "Event debounced",
			"outcome": outcome,
		})
	case errors.Is(err, syncpkg.ErrHookNotConfigured):
		writeFailure(w, err.Error(), envelope{"payload": req})
	case err != nil:
		writeFailure(w, err.Error(), envelope{
			"outcome": outcome,
			"payload": req,
		})
	default:
		message := "Event dispatched"
		if outcome == query.OutcomeUpToDate {
			message = "Already up to date"
		}
		writeJSON(w, http.StatusOK, envelope{
			"success": true,
			"message": message,
			"outcome": outcome,
		})
	}
}

// boolParam reads a query-string boolean, accepting "true" and "1".
func boolParam(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}
