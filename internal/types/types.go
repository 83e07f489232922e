package types

import (
	"encoding/json"
	"time"
)

// Category is the CRM entity type a query targets.
type Category string

const (
	CategoryOrganization Category = "organization"
	CategoryPerson       Category = "person"
	CategoryDeal         Category = "deal"
)

// Categories returns all categories in processing order. Organizations are
// synchronized before persons, persons before deals, so that linkage IDs
// (org_id, person_id) exist when later categories need them.
func Categories() []Category {
	return []Category{CategoryOrganization, CategoryPerson, CategoryDeal}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryOrganization, CategoryPerson, CategoryDeal:
		return true
	}
	return false
}

// RequiredFields returns the payload keys a create (POST) query must carry
// for the given category.
func RequiredFields(c Category) []string {
	switch c {
	case CategoryDeal:
		return []string{"title"}
	case CategoryPerson, CategoryOrganization:
		return []string{"name"}
	}
	return nil
}

// Source is the origin entity type of a triggering domain event.
type Source string

const (
	SourceUser    Source = "user"
	SourceOrder   Source = "order"
	SourceProduct Source = "product"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceUser, SourceOrder, SourceProduct:
		return true
	}
	return false
}

// State is a query's lifecycle state.
type State string

const (
	StateTodo     State = "TODO"
	StateSended   State = "SENDED"
	StateError    State = "ERROR"
	StateDone     State = "DONE"
	StateInvalid  State = "INVALID"
	StateCanceled State = "CANCELED"
)

// Sendable reports whether a query in this state may be sent.
// INVALID and CANCELED queries are dead; SENDED queries are in flight.
func (s State) Sendable() bool {
	return s != StateInvalid && s != StateCanceled && s != StateSended
}

// LogicBlock is the selection condition attached to a multi-candidate field.
// FieldNumber keeps the upstream wire values: "ALL" selects the first
// candidate set whose sub-values are all non-empty, "1" the first set with
// at least one non-empty sub-value.
type LogicBlock struct {
	Enabled     bool   `json:"enabled"`
	FieldNumber string `json:"fieldNumber"`
}

const (
	LogicAll = "ALL"
	LogicAny = "1"
)

// Condition carries per-field delivery rules supplied by the mapping UI.
type Condition struct {
	LogicBlock      *LogicBlock `json:"logicBlock,omitempty"`
	SkipOnExist     bool        `json:"SkipOnExist,omitempty"`
	FindInPipedrive bool        `json:"findInPipedrive,omitempty"`
}

// HookField is one mapped field inside a formatted hook. Values holds
// candidate value sets; a plain single-value field is a single one-element
// set. The resolver picks at most one set per field.
type HookField struct {
	FieldID      int64      `json:"pipedriveFieldId"`
	Condition    *Condition `json:"condition,omitempty"`
	IsLogicBlock bool       `json:"isLogicBlock,omitempty"`
	Values       [][]string `json:"values"`
}

// ProductPrices holds the per-unit prices of an order line.
type ProductPrices struct {
	RegularPrice float64 `json:"regular_price"`
	SalePrice    float64 `json:"sale_price"`
}

// Product is an order line item formatted for a deal payload.
type Product struct {
	Name           string        `json:"name"`
	Comments       string        `json:"comments"`
	Quantity       float64       `json:"quantity"`
	Tax            float64       `json:"tax"`
	Discount       float64       `json:"discount"`
	DiscountType   string        `json:"discount_type"`
	TaxMethod      string        `json:"tax_method"`
	Currency       string        `json:"currency"`
	CurrencySymbol string        `json:"currency_symbol"`
	ItemPrice      float64       `json:"item_price"`
	Prices         ProductPrices `json:"prices"`
}

// FormattedHook is the collaborator-supplied snapshot of a domain event:
// the mapped fields with their already-extracted candidate values, plus
// order products for deal hooks. It is stored verbatim on the query.
type FormattedHook struct {
	Fields   []HookField `json:"fields"`
	Products []Product   `json:"products,omitempty"`
	Category Category    `json:"category"`
	Key      string      `json:"key"`
	Label    string      `json:"label"`
	Source   Source      `json:"source"`
	SourceID int64       `json:"source_id"`
}

// FieldValue is one resolved target-system field, keyed by the lowercased
// CRM field key.
type FieldValue struct {
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Value        string     `json:"value"`
	Condition    *Condition `json:"condition"`
	FieldID      int64      `json:"pipedriveFieldId"`
	IsLogicBlock bool       `json:"isLogicBlock"`
}

// TraceEntry is one step record in a query's traceback. Entries are
// append-only with last-write-wins semantics keyed by Step.
type TraceEntry struct {
	Date     time.Time `json:"date"`
	Step     string    `json:"step"`
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	Data     any       `json:"additional_data,omitempty"`
	Internal bool      `json:"internal"`
}

// CRMRef is a nested reference inside a CRM response (e.g. org_id).
type CRMRef struct {
	Value int64 `json:"value"`
}

// CRMResponse is the last raw answer from the target system. A non-zero ID
// means the remote entity exists and the query is DONE.
type CRMResponse struct {
	ID       int64   `json:"id,omitempty"`
	OrgID    *CRMRef `json:"org_id,omitempty"`
	PersonID *CRMRef `json:"person_id,omitempty"`
}

// Query is the persisted unit of synchronization work.
type Query struct {
	ID       int64         `json:"id"`
	Category Category      `json:"category"`
	Source   Source        `json:"source"`
	SourceID int64         `json:"source_id"`
	TargetID *int64        `json:"target_id"`
	Hook     string        `json:"hook"`
	Method   string        `json:"method"`
	Payload  FormattedHook `json:"payload"`
	State    State         `json:"state"`
	Response *CRMResponse  `json:"pipedrive_response,omitempty"`
	UserID   *int64        `json:"user_id,omitempty"`

	// Bookkeeping persisted alongside the row (the additional_data bag).
	Traceback   []TraceEntry `json:"traceback"`
	TotalError  int          `json:"total_error"`
	CreatedAt   time.Time    `json:"created_at"`
	SentAt      *time.Time   `json:"sended_at,omitempty"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

// Savable reports whether the query carries enough identity to persist.
func (q *Query) Savable() bool {
	return q.Category != "" && q.SourceID != 0
}

// AddTrace records a step in the traceback. Re-adding an existing step
// overwrites its prior entry in place instead of appending a duplicate.
func (q *Query) AddTrace(e TraceEntry) {
	for i := range q.Traceback {
		if q.Traceback[i].Step == e.Step {
			q.Traceback[i] = e
			return
		}
	}
	q.Traceback = append(q.Traceback, e)
}

// ResetTraceback clears the step history before a fresh send attempt.
func (q *Query) ResetTraceback() {
	q.Traceback = nil
}

// LastError returns the message of the most recent failing traceback step,
// scanning newest-first, or nil when every step succeeded.
func (q *Query) LastError() *string {
	for i := len(q.Traceback) - 1; i >= 0; i-- {
		if !q.Traceback[i].Success {
			return &q.Traceback[i].Message
		}
	}
	return nil
}

// QueryView is a query enriched with every derived attribute the REST
// surface and the gateway context expose.
type QueryView struct {
	Query
	Data      []FieldValue `json:"data"`
	IsValid   bool         `json:"is_valid"`
	CanBeSent bool         `json:"can_be_sent"`
	LastError *string      `json:"last_error"`
}

// MarshalJSON ensures nil slices in QueryView marshal as [] not null.
func (v QueryView) MarshalJSON() ([]byte, error) {
	if v.Data == nil {
		v.Data = []FieldValue{}
	}
	if v.Traceback == nil {
		v.Traceback = []TraceEntry{}
	}
	type Alias QueryView
	return json.Marshal(Alias(v))
}

// SendResult is the structured outcome of a send attempt.
type SendResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Transient bool            `json:"-"`
	Response  *CRMResponse    `json:"pipedrive_response,omitempty"`
	Traceback []TraceEntry    `json:"traceback,omitempty"`
	Raw       json.RawMessage `json:"data,omitempty"`
	TargetID  *int64          `json:"target_id,omitempty"`
}

// SortOrder is the id ordering of a query listing.
type SortOrder string

const (
	OrderAsc  SortOrder = "ASC"
	OrderDesc SortOrder = "DESC"
)

// QueryFilter selects queries in the store. Zero values mean "no filter";
// States uses OR semantics. IDBefore restricts to rows with a smaller id.
type QueryFilter struct {
	States   []State
	Method   string
	Hook     string
	Category Category
	Source   Source
	SourceID int64
	TargetID int64
	UserID   int64
	IDBefore int64
}

// Pagination describes a page of results. PerPage -1 returns everything in
// a single page.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
	HasNextPage bool  `json:"has_next_page"`
}

// QueryPage is one page of listed queries.
type QueryPage struct {
	Items      []Query    `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// UserData is the denormalized profile used for payload building and the
// gateway context.
type UserData struct {
	ID           int64             `json:"ID"`
	Login        string            `json:"user_login"`
	Email        string            `json:"user_email"`
	DisplayName  string            `json:"display_name"`
	RegisteredAt time.Time         `json:"registered_at"`
	Meta         map[string]string `json:"user_meta"`
}

// OrderItem is a purchasable line inside an order.
type OrderItem struct {
	ProductID   int64   `json:"product_id"`
	VariationID int64   `json:"variation_id"`
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	Subtotal    float64 `json:"subtotal"`
	Total       float64 `json:"total"`
	TaxRate     float64 `json:"tax_rate"`
}

// Order is the local mirror of a commerce order.
type Order struct {
	ID        int64             `json:"id"`
	UserID    int64             `json:"user_id"`
	Status    string            `json:"status"`
	Currency  string            `json:"currency"`
	Total     float64           `json:"total"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta"`
	Items     []OrderItem       `json:"items"`
}

// SyncCounters are the persisted per-run counters of the orchestrator.
type SyncCounters struct {
	TotalUsers        int64 `json:"total_users"`
	CurrentUser       int64 `json:"current_user"`
	CurrentUserIndex  int64 `json:"current_user_index"`
	TotalOrders       int64 `json:"total_orders"`
	CurrentOrder      int64 `json:"current_order"`
	CurrentOrderIndex int64 `json:"current_order_index"`
	PersonDone        int64 `json:"total_person_done"`
	PersonErrors      int64 `json:"total_person_errors"`
	PersonUpToDate    int64 `json:"total_person_uptodate"`
	OrderDone         int64 `json:"total_order_done"`
	OrderErrors       int64 `json:"total_order_errors"`
	OrderUpToDate     int64 `json:"total_order_uptodate"`
}

// SyncState is the explicit run state record owned by the orchestrator.
type SyncState struct {
	RunID          string       `json:"run_id,omitempty"`
	Running        bool         `json:"running"`
	Pending        bool         `json:"pending"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
	LastSync       *time.Time   `json:"last_synced_date,omitempty"`
	LastError      string       `json:"last_error"`
	ProgressUsers  int          `json:"sync_progress_users"`
	ProgressOrders int          `json:"sync_progress_orders"`
	Counters       SyncCounters `json:"sync_additional_datas"`
}
