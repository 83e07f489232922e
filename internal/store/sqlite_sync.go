package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// The sync_state table holds a single row (id = 1) seeded by migration.
// Every read and write addresses that row; there is never more than one
// orchestrator run per deployment.

// SyncState returns the current orchestrator run state.
func (s *SQLiteStore) SyncState(ctx context.Context) (*types.SyncState, error) {
	var st types.SyncState
	var running, pending int
	var lastHeartbeat, lastSync sql.NullString
	var countersJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, running, pending, last_heartbeat, last_sync, last_error,
		       progress_users, progress_orders, counters
		FROM sync_state WHERE id = 1
	`).Scan(&st.RunID, &running, &pending, &lastHeartbeat, &lastSync, &st.LastError,
		&st.ProgressUsers, &st.ProgressOrders, &countersJSON)
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}

	st.Running = running != 0
	st.Pending = pending != 0
	if lastHeartbeat.Valid {
		if t, err := time.Parse(time.RFC3339, lastHeartbeat.String); err == nil {
			st.LastHeartbeat = &t
		}
	}
	if lastSync.Valid {
		if t, err := time.Parse(time.RFC3339, lastSync.String); err == nil {
			st.LastSync = &t
		}
	}
	if countersJSON != "" {
		if err := json.Unmarshal([]byte(countersJSON), &st.Counters); err != nil {
			return nil, fmt.Errorf("parse sync counters: %w", err)
		}
	}

	return &st, nil
}

// SaveSyncState persists the orchestrator run state.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, st *types.SyncState) error {
	countersJSON, err := json.Marshal(st.Counters)
	if err != nil {
		return fmt.Errorf("marshal sync counters: %w", err)
	}

	var lastHeartbeat, lastSync any
	if st.LastHeartbeat != nil {
		lastHeartbeat = st.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	if st.LastSync != nil {
		lastSync = st.LastSync.UTC().Format(time.RFC3339)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET run_id = ?, running = ?, pending = ?, last_heartbeat = ?, last_sync = ?,
		    last_error = ?, progress_users = ?, progress_orders = ?, counters = ?
		WHERE id = 1
	`, st.RunID, boolToInt(st.Running), boolToInt(st.Pending), lastHeartbeat, lastSync,
		st.LastError, st.ProgressUsers, st.ProgressOrders, string(countersJSON))
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
