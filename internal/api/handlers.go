// Package api exposes the query outbox and the sync orchestrator over
// HTTP. Responses carry a success flag and a human-readable message; an
// unknown entity id answers 204 so callers can tell "nothing there" from
// a failure.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/pipesync/internal/gateway"
	"github.com/hyperengineering/pipesync/internal/query"
	"github.com/hyperengineering/pipesync/internal/store"
	syncpkg "github.com/hyperengineering/pipesync/internal/sync"
	"github.com/hyperengineering/pipesync/internal/trigger"
	"github.com/hyperengineering/pipesync/internal/types"
)

// MsgNoSuchQuery rejects a send for an id the outbox does not know.
const MsgNoSuchQuery = "There is no query for this id"

// Handler implements the API handlers
type Handler struct {
	store      store.Store
	engine     *query.Engine
	orch       *syncpkg.Orchestrator
	dispatcher *trigger.Dispatcher
	apiKey     string
	version    string
}

// NewHandler wires the HTTP surface over the engine and orchestrator.
func NewHandler(s store.Store, e *query.Engine, o *syncpkg.Orchestrator, d *trigger.Dispatcher, apiKey, version string) *Handler {
	return &Handler{
		store:      s,
		engine:     e,
		orch:       o,
		dispatcher: d,
		apiKey:     apiKey,
		version:    version,
	}
}

// Health returns the service status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{
		"status":  "healthy",
		"version": h.version,
	})
}

// ListQueries handles GET /api/v1/queries
func (h *Handler) ListQueries(w http.ResponseWriter, r *http.Request) {
	filter, page, perPage, order, err := parseListRequest(r)
	if err != nil {
		writeFailure(w, err.Error(), nil)
		return
	}

	result, err := h.store.ListQueries(r.Context(), filter, page, perPage, order)
	if err != nil {
		writeInternal(w, r, err, r.URL.Query())
		return
	}
	if result.Items == nil {
		result.Items = []types.Query{}
	}

	writeJSON(w, http.StatusOK, result)
}

// GetQuery handles GET /api/v1/query/{id}
func (h *Handler) GetQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.loadQuery(w, r)
	if !ok {
		return
	}

	view, err := h.engine.View(r.Context(), q)
	if err != nil {
		writeInternal(w, r, err, chi.URLParam(r, "id"))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		"success": true,
		"data":    view,
	})
}

// updateQueryRequest is a gateway callback: merge a remote traceback,
// record the CRM response, or cancel the query outright.
type updateQueryRequest struct {
	Cancel            bool                  `json:"cancel"`
	Traceback         []gateway.RemoteTrace `json:"traceback"`
	PipedriveResponse *types.CRMResponse    `json:"pipedrive_response"`
}

// UpdateQuery handles PUT /api/v1/query/{id}
func (h *Handler) UpdateQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.loadQuery(w, r)
	if !ok {
		return
	}

	var req updateQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, fmt.Sprintf("Invalid JSON: %s", err), nil)
		return
	}

	update := query.RemoteUpdate{
		Cancel:    req.Cancel,
		Traceback: req.Traceback,
		Response:  req.PipedriveResponse,
	}
	if err := h.engine.ApplyRemote(r.Context(), q, update); err != nil {
		writeInternal(w, r, err, req)
		return
	}

	message := "Query updated"
	if req.Cancel {
		message = "Query canceled"
	}
	writeJSON(w, http.StatusOK, envelope{
		"success": true,
		"message": message,
		"data":    q,
	})
}

// SendQuery handles PUT /api/v1/query/{id}/send
func (h *Handler) SendQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeFailure(w, MsgNoSuchQuery, nil)
		return
	}
	q, err := h.store.GetQuery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeFailure(w, MsgNoSuchQuery, nil)
		return
	}
	if err != nil {
		writeInternal(w, r, err, id)
		return
	}

	direct := true
	if v := r.URL.Query().Get("direct_to_pipedrive"); v != "" {
		direct = v == "true" || v == "1"
	}

	result, err := h.engine.Send(r.Context(), q, direct)
	if err != nil {
		writeInternal(w, r, err, id)
		return
	}

	if !result.Success {
		writeJSON(w, http.StatusBadRequest, envelope{
			"success":   false,
			"message":   result.Message,
			"send_info": result,
			"data":      q,
		})
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		"success":   true,
		"message":   result.Message,
		"send_info": result,
		"data":      q,
	})
}

// loadQuery resolves the {id} route parameter. An unknown or malformed id
// answers 204 and reports false.
func (h *Handler) loadQuery(w http.ResponseWriter, r *http.Request) (*types.Query, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeEmpty(w)
		return nil, false
	}

	q, err := h.store.GetQuery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeEmpty(w)
		return nil, false
	}
	if err != nil {
		writeInternal(w, r, err, id)
		return nil, false
	}
	return q, true
}

// parseListRequest extracts filters and pagination from GET /queries.
func parseListRequest(r *http.Request) (types.QueryFilter, int64, int64, types.SortOrder, error) {
	var filter types.QueryFilter
	q := r.URL.Query()

	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, types.State(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	filter.Method = q.Get("method")
	filter.Hook = q.Get("hook")
	filter.Category = types.Category(q.Get("category"))
	filter.Source = types.Source(q.Get("source"))

	for param, dst := range map[string]*int64{
		"source_id": &filter.SourceID,
		"target_id": &filter.TargetID,
		"user_id":   &filter.UserID,
	} {
		if v := q.Get(param); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return filter, 0, 0, "", fmt.Errorf("invalid %s parameter: must be an integer", param)
			}
			*dst = n
		}
	}

	page := int64(1)
	if v := q.Get("page"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return filter, 0, 0, "", fmt.Errorf("invalid page parameter: must be >= 1")
		}
		page = n
	}

	perPage := int64(10)
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || (n < 1 && n != -1) {
			return filter, 0, 0, "", fmt.Errorf("invalid per_page parameter: must be -1 or >= 1")
		}
		perPage = n
	}

	order := types.OrderDesc
	if v := strings.ToUpper(q.Get("order")); v == string(types.OrderAsc) {
		order = types.OrderAsc
	}

	return filter, page, perPage, order, nil
}

// background returns a context for work that must outlive the request.
func background(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
