package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists spells and requests to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ RequestLog = (*SQLiteStore)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS spells (
		id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (project_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_project_id ON requests(project_id)`,
}

// NewSQLite opens (and if needed creates) a SQLite store.
// The path should be a file path (e.g., "./grimoire.db") or ":memory:" for testing.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t strfmt.DateTime) string {
	return time.Time(t).UTC().Format(timeLayout)
}

func (s *SQLiteStore) Create(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return grimoire.Spell{}, ErrClosed
	}

	if spell.ID == "" {
		spell.ID = uuidx.NewString()
	}
	ts := now()
	if isZero(spell.CreatedAt) {
		spell.CreatedAt = ts
	}
	spell.UpdatedAt = ts

	data, err := json.Marshal(spell)
	if err != nil {
		return grimoire.Spell{}, fmt.Errorf("encode spell: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spells (id, project_id, name, hash, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, spell.ID, spell.ProjectID, spell.Name, spell.Hash, formatTime(spell.CreatedAt), formatTime(spell.UpdatedAt), data)
	if err != nil {
		if isConstraint(err) {
			return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrExists, spell.Name)
		}
		return grimoire.Spell{}, fmt.Errorf("create spell: %w", err)
	}
	return spell, nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

func (s *SQLiteStore) Get(ctx context.Context, projectID, name string) (grimoire.Spell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return grimoire.Spell{}, ErrClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM spells
		WHERE project_id = ? AND name = ?
	`, projectID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return grimoire.Spell{}, fmt.Errorf("load spell: %w", err)
	}
	return decodeSpell(data)
}

func decodeSpell(data []byte) (grimoire.Spell, error) {
	var spell grimoire.Spell
	if err := json.Unmarshal(data, &spell); err != nil {
		return grimoire.Spell{}, fmt.Errorf("decode spell: %w", err)
	}
	return spell, nil
}

func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]grimoire.Spell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []any
	)
	if q.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}

	stmt := "SELECT data FROM spells"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY project_id, name"
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("find spells: %w", err)
	}
	defer rows.Close()

	var result []grimoire.Spell
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan spell: %w", err)
		}
		spell, err := decodeSpell(data)
		if err != nil {
			return nil, err
		}
		result = append(result, spell)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spells: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Update(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	return s.update(ctx, spell, nil)
}

func (s *SQLiteStore) UpdateIfHash(ctx context.Context, spell grimoire.Spell, prevHash string) (grimoire.Spell, error) {
	return s.update(ctx, spell, &prevHash)
}

func (s *SQLiteStore) update(ctx context.Context, spell grimoire.Spell, prevHash *string) (grimoire.Spell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return grimoire.Spell{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grimoire.Spell{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		id        string
		createdAt string
		hash      string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_at, hash FROM spells
		WHERE project_id = ? AND name = ?
	`, spell.ProjectID, spell.Name).Scan(&id, &createdAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrNotFound, spell.Name)
	}
	if err != nil {
		return grimoire.Spell{}, fmt.Errorf("load spell: %w", err)
	}
	if prevHash != nil && hash != *prevHash {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrConflict, spell.Name)
	}

	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return grimoire.Spell{}, fmt.Errorf("parse created_at: %w", err)
	}
	spell.ID = id
	spell.CreatedAt = strfmt.DateTime(created)
	spell.UpdatedAt = now()

	data, err := json.Marshal(spell)
	if err != nil {
		return grimoire.Spell{}, fmt.Errorf("encode spell: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE spells SET hash = ?, updated_at = ?, data = ?
		WHERE project_id = ? AND name = ?
	`, spell.Hash, formatTime(spell.UpdatedAt), data, spell.ProjectID, spell.Name); err != nil {
		return grimoire.Spell{}, fmt.Errorf("update spell: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return grimoire.Spell{}, fmt.Errorf("commit update: %w", err)
	}
	return spell, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, projectID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM spells WHERE project_id = ? AND name = ?
	`, projectID, name)
	if err != nil {
		return fmt.Errorf("delete spell: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete spell: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) SaveRequest(ctx context.Context, req Request) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Request{}, ErrClosed
	}

	if req.ID == "" {
		req.ID = uuidx.NewString()
	}
	if isZero(req.CreatedAt) {
		req.CreatedAt = now()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Request{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, project_id, created_at, data) VALUES (?, ?, ?, ?)
	`, req.ID, req.ProjectID, formatTime(req.CreatedAt), data); err != nil {
		return Request{}, fmt.Errorf("save request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, projectID string) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	stmt := "SELECT data FROM requests"
	var args []any
	if projectID != "" {
		stmt += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	stmt += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var result []Request
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return result, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
