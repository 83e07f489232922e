// Package query implements the query engine: entity lifecycle, delivery,
// deduplication, and cancellation.
package query

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/pipesync/internal/types"
)

// methodFor picks the CRM verb for the query: PUT once the remote entity is
// linked, POST to create it.
func methodFor(targetID *int64) string {
	if targetID != nil && *targetID != 0 {
		return "PUT"
	}
	return "POST"
}

// Validate checks whether the resolved payload satisfies the category's
// creation requirements. Only POST queries are validated; every other method
// passes. On failure it returns the reason recorded in the traceback.
func Validate(q *types.Query, data []types.FieldValue) (bool, string) {
	if q.Method != "" && q.Method != "POST" {
		return true, ""
	}

	if len(data) == 0 {
		return false, "No data available for this request."
	}

	keys := make(map[string]bool, len(data))
	for _, v := range data {
		if strings.TrimSpace(v.Value) != "" {
			keys[v.Key] = true
		}
	}

	for _, required := range types.RequiredFields(q.Category) {
		if !keys[required] {
			return false, fmt.Sprintf("You need at least a %s to create this %s.", required, q.Category)
		}
	}

	return true, ""
}

// DeriveState computes the query state from its current facts. CANCELED is
// sticky: once persisted it is never recomputed away. Everything else is
// derived in priority order so identical facts always produce the same state.
func DeriveState(q *types.Query, valid bool) types.State {
	if q.State == types.StateCanceled {
		return types.StateCanceled
	}
	if !valid {
		return types.StateInvalid
	}
	if q.LastError() != nil {
		return types.StateError
	}
	if q.Response != nil && q.Response.ID != 0 {
		return types.StateDone
	}
	if q.SentAt != nil {
		return types.StateSended
	}
	return types.StateTodo
}
