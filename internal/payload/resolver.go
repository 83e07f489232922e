// Package payload turns a stored hook snapshot into the flat list of CRM
// field values a query delivers.
package payload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/store"
	"github.com/hyperengineering/pipesync/internal/types"
)

// Directory is the slice of the store the resolver reads: entity lookups for
// category defaults and external-ID links for org/person references.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*types.UserData, error)
	GetOrder(ctx context.Context, id int64) (*types.Order, error)
	ExternalID(ctx context.Context, category types.Category, entityID int64) (int64, error)
}

// Resolver computes the field values of a query from its stored payload,
// the field catalog, and collaborator data.
type Resolver struct {
	dir    Directory
	params *config.ParamsConfig
}

// NewResolver creates a Resolver over the given directory and parameters.
func NewResolver(dir Directory, params *config.ParamsConfig) *Resolver {
	return &Resolver{dir: dir, params: params}
}

// Resolve returns the ordered field values for the query. Category defaults
// come first; mapped hook fields follow and overwrite defaults that share a
// key. Fields that resolve to an empty value are dropped entirely.
func (r *Resolver) Resolve(ctx context.Context, q *types.Query) ([]types.FieldValue, error) {
	rc, err := r.renderContext(ctx, q)
	if err != nil {
		return nil, err
	}

	values := r.defaults(ctx, q, rc)

	for _, f := range q.Payload.Fields {
		raw := selectValue(f)
		if strings.TrimSpace(raw) == "" {
			continue
		}

		def, ok := r.params.FieldByID(q.Category, f.FieldID)
		if !ok {
			continue
		}

		values = upsert(values, types.FieldValue{
			Key:          strings.ToLower(def.Key),
			Name:         def.Name,
			Value:        raw,
			Condition:    f.Condition,
			FieldID:      f.FieldID,
			IsLogicBlock: f.IsLogicBlock,
		})
	}

	return values, nil
}

// renderContext loads the entities referenced by the query. A user-sourced
// query loads its user; an order-sourced query loads the order and its user.
func (r *Resolver) renderContext(ctx context.Context, q *types.Query) (RenderContext, error) {
	rc := RenderContext{Site: r.params.Site}

	switch q.Payload.Source {
	case types.SourceUser:
		u, err := r.dir.GetUser(ctx, q.Payload.SourceID)
		if err != nil && !errors.Is(err, store.ErrUserNotFound) {
			return rc, fmt.Errorf("load user %d: %w", q.Payload.SourceID, err)
		}
		rc.User = u
	case types.SourceOrder:
		o, err := r.dir.GetOrder(ctx, q.Payload.SourceID)
		if err != nil && !errors.Is(err, store.ErrOrderNotFound) {
			return rc, fmt.Errorf("load order %d: %w", q.Payload.SourceID, err)
		}
		rc.Order = o
		if o != nil && o.UserID != 0 {
			u, err := r.dir.GetUser(ctx, o.UserID)
			if err != nil && !errors.Is(err, store.ErrUserNotFound) {
				return rc, fmt.Errorf("load user %d: %w", o.UserID, err)
			}
			rc.User = u
		}
	}

	return rc, nil
}

// defaults produces the category default values. Mapped fields with the same
// key overwrite them later.
func (r *Resolver) defaults(ctx context.Context, q *types.Query, rc RenderContext) []types.FieldValue {
	var values []types.FieldValue

	add := func(key, name, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		values = upsert(values, types.FieldValue{Key: key, Name: name, Value: value})
	}

	switch q.Category {
	case types.CategoryPerson:
		if r.params.Person.DefaultEmailAsName && rc.User != nil {
			add("name", "Name", rc.User.Email)
		}
		if r.params.Person.LinkToOrga && rc.User != nil {
			if orgID, err := r.dir.ExternalID(ctx, types.CategoryOrganization, rc.User.ID); err == nil {
				add("org_id", "Organization", strconv.FormatInt(orgID, 10))
			}
		}
	case types.CategoryDeal:
		add("title", "Title", Render(r.params.Deal.DefaultTitle, rc))
		if rc.User != nil {
			if orgID, err := r.dir.ExternalID(ctx, types.CategoryOrganization, rc.User.ID); err == nil {
				add("org_id", "Organization", strconv.FormatInt(orgID, 10))
			}
			if personID, err := r.dir.ExternalID(ctx, types.CategoryPerson, rc.User.ID); err == nil {
				add("person_id", "Person", strconv.FormatInt(personID, 10))
			}
		}
	}

	return values
}

// selectValue picks one candidate set from the field per its logic-block
// policy and flattens it: empty sub-values are dropped, the rest joined with
// single spaces.
func selectValue(f types.HookField) string {
	if len(f.Values) == 0 {
		return ""
	}

	logic := f.Condition != nil && f.Condition.LogicBlock != nil && f.Condition.LogicBlock.Enabled
	if !logic {
		return joinSet(f.Values[0])
	}

	switch f.Condition.LogicBlock.FieldNumber {
	case types.LogicAll:
		for _, set := range f.Values {
			if allNonEmpty(set) {
				return joinSet(set)
			}
		}
	case types.LogicAny:
		for _, set := range f.Values {
			if anyNonEmpty(set) {
				return joinSet(set)
			}
		}
	default:
		return joinSet(f.Values[0])
	}

	return ""
}

func joinSet(set []string) string {
	parts := make([]string, 0, len(set))
	for _, v := range set {
		if strings.TrimSpace(v) != "" {
			parts = append(parts, strings.TrimSpace(v))
		}
	}
	return strings.Join(parts, " ")
}

func allNonEmpty(set []string) bool {
	if len(set) == 0 {
		return false
	}
	for _, v := range set {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

func anyNonEmpty(set []string) bool {
	for _, v := range set {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// upsert replaces the value with the same key or appends, preserving the
// position of the first occurrence.
func upsert(values []types.FieldValue, v types.FieldValue) []types.FieldValue {
	for i := range values {
		if values[i].Key == v.Key {
			values[i] = v
			return values
		}
	}
	return append(values, v)
}
