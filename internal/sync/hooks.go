// Package sync implements the full-resync orchestrator and the hook
// snapshot builder it feeds from.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/payload"
	"github.com/hyperengineering/pipesync/internal/types"
)

// ErrHookNotConfigured is returned when no enabled hook exists for a key.
var ErrHookNotConfigured = errors.New("hook not configured")

// HookProvider builds the formatted snapshot of a domain event.
type HookProvider interface {
	FormattedHook(ctx context.Context, hookKey string, category types.Category, sourceID int64) (types.FormattedHook, error)
}

// ConfigHookProvider builds snapshots from the configured hook definitions
// and the entity directory: each hook field's variables are rendered against
// the concerned user and order, and deal hooks carry the order's products.
type ConfigHookProvider struct {
	dir    payload.Directory
	params *config.ParamsConfig
}

// NewConfigHookProvider wires a provider over the directory and parameters.
func NewConfigHookProvider(dir payload.Directory, params *config.ParamsConfig) *ConfigHookProvider {
	return &ConfigHookProvider{dir: dir, params: params}
}

// FormattedHook renders the hook's field variables for the given entity.
// The snapshot is self-contained: it captures the values at build time and
// is stored verbatim on the query.
func (p *ConfigHookProvider) FormattedHook(ctx context.Context, hookKey string, category types.Category, sourceID int64) (types.FormattedHook, error) {
	def, ok := p.params.Hook(hookKey, category)
	if !ok {
		return types.FormattedHook{}, fmt.Errorf("%w: %s/%s", ErrHookNotConfigured, hookKey, category)
	}

	rc, err := p.renderContext(ctx, types.Source(def.Source), sourceID)
	if err != nil {
		return types.FormattedHook{}, err
	}

	hook := types.FormattedHook{
		Category: types.Category(def.Category),
		Key:      def.Key,
		Label:    def.Label,
		Source:   types.Source(def.Source),
		SourceID: sourceID,
	}

	for _, fieldDef := range def.Fields {
		field := types.HookField{
			FieldID:      fieldDef.FieldID,
			IsLogicBlock: fieldDef.IsLogicBlock,
		}
		if fieldDef.LogicBlock != nil || fieldDef.SkipOnExist {
			field.Condition = &types.Condition{SkipOnExist: fieldDef.SkipOnExist}
			if fieldDef.LogicBlock != nil {
				field.Condition.LogicBlock = &types.LogicBlock{
					Enabled:     fieldDef.LogicBlock.Enabled,
					FieldNumber: fieldDef.LogicBlock.FieldNumber,
				}
			}
		}
		for _, set := range fieldDef.Values {
			rendered := make([]string, 0, len(set))
			for _, variable := range set {
				rendered = append(rendered, payload.Render([]config.Variable{variable}, rc))
			}
			field.Values = append(field.Values, rendered)
		}
		hook.Fields = append(hook.Fields, field)
	}

	if hook.Category == types.CategoryDeal {
		hook.Products = payload.FormatProducts(rc.Order, p.params.Deal, rc)
	}

	return hook, nil
}

func (p *ConfigHookProvider) renderContext(ctx context.Context, source types.Source, sourceID int64) (payload.RenderContext, error) {
	rc := payload.RenderContext{Site: p.params.Site}

	switch source {
	case types.SourceUser:
		u, err := p.dir.GetUser(ctx, sourceID)
		if err != nil {
			return rc, fmt.Errorf("load user %d: %w", sourceID, err)
		}
		rc.User = u
	case types.SourceOrder:
		o, err := p.dir.GetOrder(ctx, sourceID)
		if err != nil {
			return rc, fmt.Errorf("load order %d: %w", sourceID, err)
		}
		rc.Order = o
		if o.UserID != 0 {
			if u, err := p.dir.GetUser(ctx, o.UserID); err == nil {
				rc.User = u
			}
		}
	}

	return rc, nil
}
