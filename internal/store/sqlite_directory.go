package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// The entity directory is the local mirror of collaborator data: the users
// and orders a full resync iterates. Adapters keep it current through the
// trigger intake.

func scanUser(scanner interface{ Scan(...any) error }) (*types.UserData, error) {
	var u types.UserData
	var registeredAt, metaJSON string

	if err := scanner.Scan(&u.ID, &u.Login, &u.Email, &u.DisplayName, &registeredAt, &metaJSON); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, registeredAt); err == nil {
		u.RegisteredAt = t
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &u.Meta); err != nil {
			return nil, fmt.Errorf("parse user meta: %w", err)
		}
	}
	return &u, nil
}

// ListUsers returns every user ordered by registration date ascending.
// The stable order is what makes a resync resumable by index.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]types.UserData, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, login, email, display_name, registered_at, meta FROM users ORDER BY registered_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []types.UserData
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// GetUser returns the user with the given id, or ErrUserNotFound.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*types.UserData, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, login, email, display_name, registered_at, meta FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// UpsertUser inserts or replaces a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *types.UserData) error {
	metaJSON, err := json.Marshal(u.Meta)
	if err != nil {
		return fmt.Errorf("marshal user meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, login, email, display_name, registered_at, meta)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			login = excluded.login,
			email = excluded.email,
			display_name = excluded.display_name,
			registered_at = excluded.registered_at,
			meta = excluded.meta
	`, u.ID, u.Login, u.Email, u.DisplayName, u.RegisteredAt.UTC().Format(time.RFC3339), string(metaJSON))
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func scanOrder(scanner interface{ Scan(...any) error }) (*types.Order, error) {
	var o types.Order
	var createdAt, metaJSON, itemsJSON string

	if err := scanner.Scan(&o.ID, &o.UserID, &o.Status, &o.Currency, &o.Total, &createdAt, &metaJSON, &itemsJSON); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		o.CreatedAt = t
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &o.Meta); err != nil {
			return nil, fmt.Errorf("parse order meta: %w", err)
		}
	}
	if itemsJSON != "" {
		if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
			return nil, fmt.Errorf("parse order items: %w", err)
		}
	}
	return &o, nil
}

// ListOrders returns every order ordered by creation date ascending.
func (s *SQLiteStore) ListOrders(ctx context.Context) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, status, currency, total, created_at, meta, items FROM orders ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOrder returns the order with the given id, or ErrOrderNotFound.
func (s *SQLiteStore) GetOrder(ctx context.Context, id int64) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, status, currency, total, created_at, meta, items FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

// UpsertOrder inserts or replaces an order record.
func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *types.Order) error {
	metaJSON, err := json.Marshal(o.Meta)
	if err != nil {
		return fmt.Errorf("marshal order meta: %w", err)
	}
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, currency, total, created_at, meta, items)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			currency = excluded.currency,
			total = excluded.total,
			created_at = excluded.created_at,
			meta = excluded.meta,
			items = excluded.items
	`, o.ID, o.UserID, o.Status, o.Currency, o.Total, o.CreatedAt.UTC().Format(time.RFC3339), string(metaJSON), string(itemsJSON))
	if err != nil {
		return fmt.Errorf("upsert order %d: %w", o.ID, err)
	}
	return nil
}
