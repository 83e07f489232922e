package config

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/pipesync/internal/types"
)

// ParamsConfig holds the synchronization parameters: the CRM field catalog,
// the configured hooks, and per-category payload options. It mirrors the
// mapping the operator maintains on the gateway side.
type ParamsConfig struct {
	Pipedrive PipedriveConfig `yaml:"pipedrive"`
	Fields    []FieldDef      `yaml:"fields"`
	Hooks     []HookDef       `yaml:"hooks"`
	Person    PersonParams    `yaml:"person"`
	Deal      DealParams      `yaml:"deal"`
	Site      SiteParams      `yaml:"site"`
}

// FieldDef is one CRM field known to the catalog. Lookups are keyed by
// (ID, Category) because field ids repeat across categories.
type FieldDef struct {
	ID       int64  `yaml:"id"`
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

// Variable references a value in collaborator data, e.g.
// {source: user, key: user_email} or {source: order, key: total}.
type Variable struct {
	Source string `yaml:"source" json:"source"`
	Key    string `yaml:"key" json:"key"`
}

// HookFieldDef maps one CRM field inside a hook to the variables whose
// rendered values feed it. Each entry of Values is one candidate set.
type HookFieldDef struct {
	FieldID      int64          `yaml:"pipedrive_field_id"`
	IsLogicBlock bool           `yaml:"is_logic_block"`
	LogicBlock   *LogicBlockDef `yaml:"logic_block"`
	SkipOnExist  bool           `yaml:"skip_on_exist"`
	Values       [][]Variable   `yaml:"values"`
}

// LogicBlockDef configures candidate-set selection for a hook field.
type LogicBlockDef struct {
	Enabled     bool   `yaml:"enabled"`
	FieldNumber string `yaml:"field_number"`
}

// HookDef is one configured hook: a domain event wired to a CRM category.
type HookDef struct {
	Key      string         `yaml:"key"`
	Label    string         `yaml:"label"`
	Category string         `yaml:"category"`
	Source   string         `yaml:"source"`
	Enabled  bool           `yaml:"enabled"`
	Fields   []HookFieldDef `yaml:"fields"`
}

// PersonParams holds person-category payload options.
type PersonParams struct {
	DefaultEmailAsName bool `yaml:"default_email_as_name"`
	LinkToOrga         bool `yaml:"link_to_orga"`
}

// DealParams holds deal-category payload options.
type DealParams struct {
	DefaultTitle    []Variable `yaml:"default_title"`
	SendProducts    bool       `yaml:"send_products"`
	AmountsAre      string     `yaml:"amounts_are"`
	ProductsComment []Variable `yaml:"products_comment"`
}

// Tax handling modes for deal products.
const (
	AmountsTaxInclusive = "tax_inclusive"
	AmountsTaxExclusive = "tax_exclusive"
)

// SiteParams exposes site-level values to variable rendering.
type SiteParams struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Currency string            `yaml:"currency"`
	Meta     map[string]string `yaml:"meta"`
}

func defaultParams() ParamsConfig {
	return ParamsConfig{
		Person: PersonParams{
			DefaultEmailAsName: true,
			LinkToOrga:         true,
		},
		Deal: DealParams{
			SendProducts: true,
			AmountsAre:   AmountsTaxInclusive,
		},
		Site: SiteParams{
			Currency: "EUR",
		},
	}
}

// Hook returns the configured, enabled hook for a key within a category.
// The same key may be configured once per category (a profile update feeds
// both the organization and the person hooks).
func (p *ParamsConfig) Hook(key string, category types.Category) (HookDef, bool) {
	for _, h := range p.Hooks {
		if h.Key == key && h.Category == string(category) && h.Enabled {
			return h, true
		}
	}
	return HookDef{}, false
}

// OrderStatusHook maps an order status to its deal hook key
// (completed → order_status_completed).
func OrderStatusHook(status string) string {
	return "order_status_" + strings.TrimPrefix(status, "wc-")
}

// FieldByID resolves a CRM field id within a category to its catalog entry.
func (p *ParamsConfig) FieldByID(category types.Category, id int64) (FieldDef, bool) {
	for _, f := range p.Fields {
		if f.ID == id && f.Category == string(category) {
			return f, true
		}
	}
	return FieldDef{}, false
}

func (p *ParamsConfig) validate() error {
	seen := make(map[string]struct{}, len(p.Hooks))
	for _, h := range p.Hooks {
		if h.Key == "" {
			return fmt.Errorf("params: hook with empty key")
		}
		id := h.Key + "/" + h.Category
		if _, dup := seen[id]; dup {
			return fmt.Errorf("params: duplicate hook key %q for category %q", h.Key, h.Category)
		}
		seen[id] = struct{}{}
		if !types.Category(h.Category).Valid() {
			return fmt.Errorf("params: hook %q: unknown category %q", h.Key, h.Category)
		}
		if !types.Source(h.Source).Valid() {
			return fmt.Errorf("params: hook %q: unknown source %q", h.Key, h.Source)
		}
	}
	switch p.Deal.AmountsAre {
	case "", AmountsTaxInclusive, AmountsTaxExclusive:
	default:
		return fmt.Errorf("params: deal.amounts_are must be %s or %s", AmountsTaxInclusive, AmountsTaxExclusive)
	}
	return nil
}
