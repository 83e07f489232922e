package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hyperengineering/pipesync/internal/types"
)

// Outcome classifies what processing a hook snapshot did.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeUpToDate Outcome = "uptodate"
	OutcomeError    Outcome = "error"
)

// FindEquivalent returns the most recent delivered-or-in-flight query for
// the snapshot's entity when its stored payload is equivalent to the
// snapshot, or nil when the snapshot carries new data.
func (e *Engine) FindEquivalent(ctx context.Context, hook types.FormattedHook) (*types.Query, error) {
	page, err := e.store.ListQueries(ctx, types.QueryFilter{
		States:   []types.State{types.StateDone, types.StateSended},
		Category: hook.Category,
		Source:   hook.Source,
		SourceID: hook.SourceID,
	}, 1, 1, types.OrderDesc)
	if err != nil {
		return nil, fmt.Errorf("find previous query: %w", err)
	}
	if len(page.Items) == 0 {
		return nil, nil
	}

	prev := &page.Items[0]
	if !PayloadEqual(prev.Payload, hook) {
		return nil, nil
	}
	return prev, nil
}

// Process is the full intake path for one hook snapshot: skip when an
// equivalent query already succeeded, resend when one is still in flight,
// otherwise create a new query and deliver it directly.
func (e *Engine) Process(ctx context.Context, hook types.FormattedHook, userID *int64) (Outcome, error) {
	prev, err := e.FindEquivalent(ctx, hook)
	if err != nil {
		return OutcomeError, err
	}

	if prev != nil {
		if prev.State == types.StateDone {
			e.logger.Debug("query up to date",
				"component", "query",
				"action", "process",
				"category", hook.Category,
				"source_id", hook.SourceID)
			return OutcomeUpToDate, nil
		}
		// Equivalent but never acknowledged: deliver the existing query again
		result, err := e.Send(ctx, prev, true)
		if err != nil {
			return OutcomeError, err
		}
		if !result.Success {
			return OutcomeError, nil
		}
		return OutcomeDone, nil
	}

	q, err := e.Create(ctx, hook, userID)
	if err != nil {
		return OutcomeError, err
	}
	result, err := e.Send(ctx, q, true)
	if err != nil {
		return OutcomeError, err
	}
	if !result.Success {
		return OutcomeError, nil
	}
	return OutcomeDone, nil
}

// PayloadEqual reports whether two hook snapshots carry the same fields and
// products. Fields and products are order-normalized before comparison; the
// candidate value sets inside a field are compared in order, since selection
// picks the first matching set.
func PayloadEqual(a, b types.FormattedHook) bool {
	return canonicalPayload(a) == canonicalPayload(b)
}

// canonicalPayload serializes the comparable parts of a snapshot in a
// normalized order: fields sorted by field id, products by name. Identity
// attributes (category, key, source) are excluded; equality is only asked
// of snapshots for the same entity.
func canonicalPayload(h types.FormattedHook) string {
	fields := make([]types.HookField, len(h.Fields))
	copy(fields, h.Fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].FieldID < fields[j].FieldID })

	products := make([]types.Product, len(h.Products))
	copy(products, h.Products)
	sort.SliceStable(products, func(i, j int) bool { return products[i].Name < products[j].Name })

	data, err := json.Marshal(struct {
		Fields   []types.HookField `json:"fields"`
		Products []types.Product   `json:"products"`
	}{fields, products})
	if err != nil {
		return ""
	}
	return string(data)
}
