package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// ExternalID returns the CRM id linked to a local entity, or ErrLinkNotFound.
// Persons and organizations link users; deals link orders.
func (s *SQLiteStore) ExternalID(ctx context.Context, category types.Category, entityID int64) (int64, error) {
	var externalID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT external_id FROM links WHERE category = ? AND entity_id = ?",
		category, entityID,
	).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrLinkNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get link %s/%d: %w", category, entityID, err)
	}
	return externalID, nil
}

// SetExternalID records the CRM id for a local entity, replacing any
// previous link.
func (s *SQLiteStore) SetExternalID(ctx context.Context, category types.Category, entityID, externalID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (category, entity_id, external_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (category, entity_id) DO UPDATE SET
			external_id = excluded.external_id,
			updated_at = excluded.updated_at
	`, category, entityID, externalID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set link %s/%d: %w", category, entityID, err)
	}
	return nil
}
