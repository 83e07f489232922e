package store

import (
	"context"

	"github.com/hyperengineering/pipesync/internal/types"
)

// Store defines the interface contract for all persistence operations:
// the query outbox, external-ID links, the local entity directory, and
// the orchestrator run state.
type Store interface {
	// Queries
	CreateQuery(ctx context.Context, q *types.Query) error
	GetQuery(ctx context.Context, id int64) (*types.Query, error)
	UpdateQuery(ctx context.Context, q *types.Query) error
	ListQueries(ctx context.Context, filter types.QueryFilter, page, perPage int64, order types.SortOrder) (*types.QueryPage, error)

	// External-ID links
	ExternalID(ctx context.Context, category types.Category, entityID int64) (int64, error)
	SetExternalID(ctx context.Context, category types.Category, entityID, externalID int64) error

	// Entity directory
	ListUsers(ctx context.Context) ([]types.UserData, error)
	GetUser(ctx context.Context, id int64) (*types.UserData, error)
	UpsertUser(ctx context.Context, u *types.UserData) error
	ListOrders(ctx context.Context) ([]types.Order, error)
	GetOrder(ctx context.Context, id int64) (*types.Order, error)
	UpsertOrder(ctx context.Context, o *types.Order) error

	// Sync run state
	SyncState(ctx context.Context) (*types.SyncState, error)
	SaveSyncState(ctx context.Context, st *types.SyncState) error

	Close() error
}
