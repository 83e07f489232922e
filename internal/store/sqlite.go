package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore represents the SQLite-backed pipesync database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// additionalData is the JSON bag persisted next to each query row. It holds
// the bookkeeping that travels with the query but is never filtered on.
type additionalData struct {
	Traceback   []types.TraceEntry `json:"traceback"`
	TotalError  int                `json:"total_error"`
	CreatedAt   string             `json:"created_at"`
	SendedAt    *string            `json:"sended_at,omitempty"`
	RespondedAt *string            `json:"responded_at,omitempty"`
}

func packAdditionalData(q *types.Query) (string, error) {
	bag := additionalData{
		Traceback:  q.Traceback,
		TotalError: q.TotalError,
		CreatedAt:  q.CreatedAt.UTC().Format(time.RFC3339),
	}
	if q.SentAt != nil {
		v := q.SentAt.UTC().Format(time.RFC3339)
		bag.SendedAt = &v
	}
	if q.RespondedAt != nil {
		v := q.RespondedAt.UTC().Format(time.RFC3339)
		bag.RespondedAt = &v
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return "", fmt.Errorf("marshal additional data: %w", err)
	}
	return string(data), nil
}

func unpackAdditionalData(q *types.Query, raw string) error {
	if raw == "" {
		return nil
	}
	var bag additionalData
	if err := json.Unmarshal([]byte(raw), &bag); err != nil {
		return fmt.Errorf("parse additional data: %w", err)
	}
	q.Traceback = bag.Traceback
	q.TotalError = bag.TotalError
	if t, err := time.Parse(time.RFC3339, bag.CreatedAt); err == nil {
		q.CreatedAt = t
	}
	if bag.SendedAt != nil {
		if t, err := time.Parse(time.RFC3339, *bag.SendedAt); err == nil {
			q.SentAt = &t
		}
	}
	if bag.RespondedAt != nil {
		if t, err := time.Parse(time.RFC3339, *bag.RespondedAt); err == nil {
			q.RespondedAt = &t
		}
	}
	return nil
}

const queryColumns = "id, category, source, source_id, target_id, hook, method, payload, state, response, user_id, additional_data"

// scanQuery scans a row into a Query, handling JSON columns.
func scanQuery(scanner interface{ Scan(...any) error }) (*types.Query, error) {
	var q types.Query
	var payloadJSON, bagJSON string
	var responseJSON sql.NullString
	var targetID, userID sql.NullInt64

	err := scanner.Scan(
		&q.ID,
		&q.Category,
		&q.Source,
		&q.SourceID,
		&targetID,
		&q.Hook,
		&q.Method,
		&payloadJSON,
		&q.State,
		&responseJSON,
		&userID,
		&bagJSON,
	)
	if err != nil {
		return nil, err
	}

	if targetID.Valid {
		q.TargetID = &targetID.Int64
	}
	if userID.Valid {
		q.UserID = &userID.Int64
	}
	if err := json.Unmarshal([]byte(payloadJSON), &q.Payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if responseJSON.Valid && responseJSON.String != "" {
		q.Response = &types.CRMResponse{}
		if err := json.Unmarshal([]byte(responseJSON.String), q.Response); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
	}
	if err := unpackAdditionalData(&q, bagJSON); err != nil {
		return nil, err
	}

	return &q, nil
}

// CreateQuery inserts a new query and assigns its id. Ids are allocated by
// AUTOINCREMENT so a later query for the same entity always compares greater.
func (s *SQLiteStore) CreateQuery(ctx context.Context, q *types.Query) error {
	payloadJSON, err := json.Marshal(q.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	bagJSON, err := packAdditionalData(q)
	if err != nil {
		return err
	}
	var responseJSON any
	if q.Response != nil {
		data, err := json.Marshal(q.Response)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		responseJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (category, source, source_id, target_id, hook, method, payload, state, response, user_id, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Category, q.Source, q.SourceID, nullableInt(q.TargetID), q.Hook, q.Method, string(payloadJSON), q.State, responseJSON, nullableInt(q.UserID), bagJSON)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	q.ID = id
	return nil
}

// GetQuery returns the query with the given id, or ErrNotFound.
func (s *SQLiteStore) GetQuery(ctx context.Context, id int64) (*types.Query, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+queryColumns+" FROM queries WHERE id = ?", id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get query %d: %w", id, err)
	}
	return q, nil
}

// UpdateQuery persists all mutable columns of an existing query.
func (s *SQLiteStore) UpdateQuery(ctx context.Context, q *types.Query) error {
	payloadJSON, err := json.Marshal(q.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	bagJSON, err := packAdditionalData(q)
	if err != nil {
		return err
	}
	var responseJSON any
	if q.Response != nil {
		data, err := json.Marshal(q.Response)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		responseJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET category = ?, source = ?, source_id = ?, target_id = ?, hook = ?, method = ?,
		    payload = ?, state = ?, response = ?, user_id = ?, additional_data = ?
		WHERE id = ?
	`, q.Category, q.Source, q.SourceID, nullableInt(q.TargetID), q.Hook, q.Method,
		string(payloadJSON), q.State, responseJSON, nullableInt(q.UserID), bagJSON, q.ID)
	if err != nil {
		return fmt.Errorf("update query %d: %w", q.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListQueries returns one page of queries matching the filter.
// perPage -1 returns every match as a single page; the default ordering is
// newest first.
func (s *SQLiteStore) ListQueries(ctx context.Context, filter types.QueryFilter, page, perPage int64, order types.SortOrder) (*types.QueryPage, error) {
	where, args := buildQueryFilter(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queries"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count queries: %w", err)
	}

	dir := "DESC"
	if order == types.OrderAsc {
		dir = "ASC"
	}

	stmt := "SELECT " + queryColumns + " FROM queries" + where + " ORDER BY id " + dir
	if page < 1 {
		page = 1
	}
	if perPage == 0 {
		perPage = 10
	}
	pagination := types.Pagination{TotalItems: total, TotalPages: 1}
	if perPage != -1 {
		pagination.TotalPages = (total + perPage - 1) / perPage
		pagination.HasNextPage = page < pagination.TotalPages
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, perPage, (page-1)*perPage)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	items := []types.Query{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		items = append(items, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queries: %w", err)
	}

	return &types.QueryPage{Items: items, Pagination: pagination}, nil
}

func buildQueryFilter(filter types.QueryFilter) (string, []any) {
	var conds []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Method != "" {
		conds = append(conds, "method = ?")
		args = append(args, filter.Method)
	}
	if filter.Hook != "" {
		conds = append(conds, "hook = ?")
		args = append(args, filter.Hook)
	}
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.SourceID != 0 {
		conds = append(conds, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.TargetID != 0 {
		conds = append(conds, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.IDBefore != 0 {
		conds = append(conds, "id < ?")
		args = append(args, filter.IDBefore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
