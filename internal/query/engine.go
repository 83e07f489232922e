package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/gateway"
	"github.com/hyperengineering/pipesync/internal/payload"
	"github.com/hyperengineering/pipesync/internal/store"
	"github.com/hyperengineering/pipesync/internal/types"
)

// Traceback step names. Re-recording a step overwrites its prior entry.
const (
	StepProcessingData = "Processing data"
	StepSending        = "Sending query from your server"
	StepRemote         = "Processing the request on our servers"
	StepChecking       = "Checking query"
	StepCancellation   = "Request Cancellation"
)

// Failure messages surfaced to operators.
const (
	MsgNotValid      = "This query is not valid."
	MsgSuperseded    = "Your request has been canceled because a more recent request has already been created or sent to Pipedrive."
	MsgTooManyErrors = "Your request encountered too many errors and needs to be cancelled. You may want to check your settings"
	MsgRemoteCancel  = "Your query has been canceled due to too many errors on our servers."
	MsgReadyToSend   = "The query is ready to be sent"
	MsgQueryNotValid = "The query is not valid"
	MsgQuerySended   = "Query sended"
)

// maxErrors is the error-counter threshold that auto-cancels a query.
const maxErrors = 5

// Deliverer posts a query to the CRM gateway.
type Deliverer interface {
	Deliver(ctx context.Context, req gateway.Request) *gateway.Response
}

// Engine owns the query lifecycle: creation with supersede cancellation,
// validation, delivery, error accounting, and remote-callback application.
type Engine struct {
	store    store.Store
	resolver *payload.Resolver
	gateway  Deliverer
	params   *config.ParamsConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires the engine. The clock is injectable for tests.
func NewEngine(st store.Store, resolver *payload.Resolver, gw Deliverer, params *config.ParamsConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		resolver: resolver,
		gateway:  gw,
		params:   params,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Create persists a new TODO query for the hook snapshot and cancels the
// retryable queries it supersedes. The external id is resolved lazily from
// the link table when one is already known.
func (e *Engine) Create(ctx context.Context, hook types.FormattedHook, userID *int64) (*types.Query, error) {
	q := &types.Query{
		Category:  hook.Category,
		Source:    hook.Source,
		SourceID:  hook.SourceID,
		Hook:      hook.Key,
		Payload:   hook,
		State:     types.StateTodo,
		UserID:    userID,
		CreatedAt: e.now(),
	}
	if !q.Savable() {
		return nil, fmt.Errorf("query is missing category or source id")
	}

	if extID, err := e.store.ExternalID(ctx, hook.Category, hook.SourceID); err == nil {
		q.TargetID = &extID
	}
	q.Method = methodFor(q.TargetID)

	if err := e.store.CreateQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("create query: %w", err)
	}

	e.logger.Info("query created",
		"component", "query",
		"action", "create",
		"query_id", q.ID,
		"category", q.Category,
		"source_id", q.SourceID,
		"hook", q.Hook)

	if err := e.CancelSuperseded(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// View returns the query with its derived attributes: resolved field values,
// target linkage, method, validity, sendability, and recomputed state. A
// validation failure records its reason as a processing step on the query.
func (e *Engine) View(ctx context.Context, q *types.Query) (*types.QueryView, error) {
	if q.TargetID == nil {
		if extID, err := e.store.ExternalID(ctx, q.Category, q.Payload.SourceID); err == nil {
			q.TargetID = &extID
		}
	}
	q.Method = methodFor(q.TargetID)

	data, err := e.resolver.Resolve(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve payload: %w", err)
	}

	valid, reason := Validate(q, data)
	if !valid {
		q.AddTrace(types.TraceEntry{
			Date:     e.now(),
			Step:     StepProcessingData,
			Success:  false,
			Message:  reason,
			Internal: true,
		})
	}
	q.State = DeriveState(q, valid)

	return &types.QueryView{
		Query:     *q,
		Data:      data,
		IsValid:   valid,
		CanBeSent: q.State.Sendable(),
		LastError: q.LastError(),
	}, nil
}

// Send delivers the query to the gateway. direct asks the gateway to forward
// to the CRM synchronously and return the CRM answer, which is then applied
// to the query (target id, linkage, supersede cancellation).
//
// Send never returns an error for delivery failures; those are recorded in
// the traceback and reported through the result. The error return covers
// persistence problems only.
func (e *Engine) Send(ctx context.Context, q *types.Query, direct bool) (*types.SendResult, error) {
	// A fresh attempt starts from a clean slate: prior steps and the sent
	// marker no longer describe this delivery.
	q.ResetTraceback()
	q.SentAt = nil

	view, err := e.View(ctx, q)
	if err != nil {
		return nil, err
	}

	if q.ID == 0 || !view.CanBeSent || !view.IsValid {
		q.AddTrace(types.TraceEntry{
			Date:    e.now(),
			Step:    StepSending,
			Success: false,
			Message: MsgQueryNotValid,
			Data: map[string]any{
				"get_id":      q.ID,
				"state":       q.State,
				"can_be_sent": view.CanBeSent,
				"is_valid":    view.IsValid,
			},
			Internal: true,
		})
		e.incrementError(q)
		q.State = DeriveState(q, view.IsValid)
		if err := e.save(ctx, q); err != nil {
			return nil, err
		}
		return &types.SendResult{Success: false, Message: MsgNotValid, Traceback: q.Traceback}, nil
	}

	q.AddTrace(types.TraceEntry{
		Date:     e.now(),
		Step:     StepSending,
		Success:  true,
		Message:  MsgReadyToSend,
		Internal: true,
	})

	resp := e.gateway.Deliver(ctx, gateway.Request{
		UserQueryID:       q.ID,
		DirectToPipedrive: direct,
		UserQuery:         e.queryContext(ctx, view),
	})

	sentAt := e.now()
	q.SentAt = &sentAt

	if !resp.OK() {
		msg := resp.FailureMessage()
		q.AddTrace(types.TraceEntry{
			Date:     e.now(),
			Step:     StepRemote,
			Success:  false,
			Message:  msg,
			Internal: true,
		})
		e.incrementError(q)
		q.State = DeriveState(q, true)
		if err := e.save(ctx, q); err != nil {
			return nil, err
		}
		e.logger.Warn("query delivery failed",
			"component", "query",
			"action", "send",
			"query_id", q.ID,
			"status", resp.StatusCode,
			"message", msg)
		return &types.SendResult{
			Success:   false,
			Message:   msg,
			Raw:       resp.Raw,
			Traceback: q.Traceback,
			Transient: resp.Transient(),
		}, nil
	}

	message := MsgQuerySended
	if resp.Body != nil && resp.Body.Message != "" {
		message = resp.Body.Message
	}

	if direct && resp.Body != nil && resp.Body.Data != nil {
		e.applyDirectResult(ctx, q, resp.Body.Data)
	}

	q.State = DeriveState(q, true)
	if err := e.save(ctx, q); err != nil {
		return nil, err
	}

	e.logger.Info("query sent",
		"component", "query",
		"action", "send",
		"query_id", q.ID,
		"state", q.State)

	return &types.SendResult{
		Success:   true,
		Message:   message,
		Response:  q.Response,
		Raw:       resp.Raw,
		Traceback: q.Traceback,
		TargetID:  q.TargetID,
	}, nil
}

// applyDirectResult folds the gateway's synchronous CRM answer into the
// query: remote traceback, CRM response and target linkage, and supersede
// cancellation once the remote entity exists.
func (e *Engine) applyDirectResult(ctx context.Context, q *types.Query, data *gateway.ResponseData) {
	e.mergeRemoteTraceback(q, data.Traceback)

	respondedAt := e.now()
	q.RespondedAt = &respondedAt

	pr := data.PipedriveResponse
	if pr == nil || pr.ID == 0 {
		e.incrementError(q)
		return
	}

	q.Response = pr
	q.TargetID = &pr.ID
	q.Method = methodFor(q.TargetID)

	if err := e.store.SetExternalID(ctx, q.Category, q.Payload.SourceID, pr.ID); err != nil {
		e.logger.Warn("persist external link failed",
			"component", "query",
			"action", "link",
			"query_id", q.ID,
			"error", err)
	}
	if err := e.CancelSuperseded(ctx, q); err != nil {
		e.logger.Warn("supersede cancellation failed",
			"component", "query",
			"action", "cancel_superseded",
			"query_id", q.ID,
			"error", err)
	}
}

// mergeRemoteTraceback appends the gateway's processing steps as external
// entries.
func (e *Engine) mergeRemoteTraceback(q *types.Query, remote []gateway.RemoteTrace) {
	for _, r := range remote {
		date := e.now()
		if r.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
				date = t
			}
		}
		q.AddTrace(types.TraceEntry{
			Date:     date,
			Step:     r.Step,
			Success:  r.Success,
			Message:  r.Value,
			Data:     r.Data,
			Internal: false,
		})
	}
}

// Cancel marks the query CANCELED with a cancellation step. The state is
// sticky from here on.
func (e *Engine) Cancel(ctx context.Context, q *types.Query, message string) error {
	q.AddTrace(types.TraceEntry{
		Date:     e.now(),
		Step:     StepCancellation,
		Success:  false,
		Message:  message,
		Internal: true,
	})
	q.State = types.StateCanceled
	return e.save(ctx, q)
}

// CancelSuperseded cancels every retryable (TODO or ERROR) query older than
// q that targets the same entity through the same hook. Target ids are
// compared only when both sides carry one.
func (e *Engine) CancelSuperseded(ctx context.Context, q *types.Query) error {
	page, err := e.store.ListQueries(ctx, types.QueryFilter{
		States:   []types.State{types.StateTodo, types.StateError},
		Category: q.Category,
		Source:   q.Source,
		SourceID: q.SourceID,
		Hook:     q.Hook,
		IDBefore: q.ID,
	}, 1, -1, types.OrderAsc)
	if err != nil {
		return fmt.Errorf("list superseded queries: %w", err)
	}

	for i := range page.Items {
		old := &page.Items[i]
		if old.TargetID != nil && q.TargetID != nil && *old.TargetID != *q.TargetID {
			continue
		}
		if err := e.Cancel(ctx, old, MsgSuperseded); err != nil {
			return err
		}
		e.logger.Info("query superseded",
			"component", "query",
			"action", "cancel_superseded",
			"query_id", old.ID,
			"superseded_by", q.ID)
	}
	return nil
}

// RemoteUpdate is a gateway callback applied to an existing query.
type RemoteUpdate struct {
	Cancel    bool
	Traceback []gateway.RemoteTrace
	Response  *types.CRMResponse
}

// ApplyRemote folds an asynchronous gateway callback into the query.
func (e *Engine) ApplyRemote(ctx context.Context, q *types.Query, update RemoteUpdate) error {
	e.mergeRemoteTraceback(q, update.Traceback)

	if update.Cancel {
		return e.Cancel(ctx, q, MsgRemoteCancel)
	}

	if update.Response != nil && update.Response.ID != 0 {
		q.Response = update.Response
		q.TargetID = &update.Response.ID
		q.Method = methodFor(q.TargetID)
		respondedAt := e.now()
		q.RespondedAt = &respondedAt

		if err := e.store.SetExternalID(ctx, q.Category, q.Payload.SourceID, update.Response.ID); err != nil {
			return fmt.Errorf("persist external link: %w", err)
		}
		if err := e.CancelSuperseded(ctx, q); err != nil {
			return err
		}
	}

	q.State = DeriveState(q, true)
	return e.save(ctx, q)
}

// incrementError bumps the error counter and auto-cancels at the threshold.
func (e *Engine) incrementError(q *types.Query) {
	q.TotalError++
	if q.TotalError >= maxErrors {
		q.AddTrace(types.TraceEntry{
			Date:     e.now(),
			Step:     StepChecking,
			Success:  false,
			Message:  MsgTooManyErrors,
			Internal: true,
		})
		q.State = types.StateCanceled
	}
}

// queryContext assembles the denormalized delivery context: the query view,
// the concerned user, and the CRM account parameters.
func (e *Engine) queryContext(ctx context.Context, view *types.QueryView) gateway.QueryContext {
	qc := gateway.QueryContext{
		Query: *view,
		PipedriveParameters: gateway.PipedriveParameters{
			Domain: e.params.Pipedrive.CompanyDomain,
			APIKey: e.params.Pipedrive.APIKey,
		},
	}

	userID := view.Payload.SourceID
	if view.Payload.Source == types.SourceOrder {
		if order, err := e.store.GetOrder(ctx, view.Payload.SourceID); err == nil {
			userID = order.UserID
		} else {
			return qc
		}
	}
	if user, err := e.store.GetUser(ctx, userID); err == nil {
		qc.UserData = user
	}
	return qc
}

func (e *Engine) save(ctx context.Context, q *types.Query) error {
	if err := e.store.UpdateQuery(ctx, q); err != nil {
		return fmt.Errorf("save query %d: %w", q.ID, err)
	}
	return nil
}
