// Package sqlite persists rule sets so breakpoints and mocks survive a
// daemon restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/breakwire/breakwire/internal/rules"
)

// ErrStoreClosed is returned when the store has been closed.
var ErrStoreClosed = errors.New("rule store closed")

// Store implements rule persistence using SQLite. Rule order is
// significant, first match wins, so position is stored explicitly.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New creates a SQLite-backed rule store at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

// NewInMemory creates an in-memory store (useful for testing).
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
		CREATE TABLE IF NOT EXISTS breakpoint_rules (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mock_rules (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			data TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_breakpoint_rules_position ON breakpoint_rules(position);
		CREATE INDEX IF NOT EXISTS idx_mock_rules_position ON mock_rules(position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveBreakpointRules replaces the persisted breakpoint rule set.
func (s *Store) SaveBreakpointRules(ctx context.Context, rs []rules.BreakpointRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM breakpoint_rules`); err != nil {
		return fmt.Errorf("failed to clear breakpoint rules: %w", err)
	}
	for i, r := range rs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal rule %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO breakpoint_rules (id, position, enabled, data) VALUES (?, ?, ?, ?)`,
			r.ID, i, boolToInt(r.Enabled), string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LoadBreakpointRules returns the persisted breakpoint rule set in
// order.
func (s *Store) LoadBreakpointRules(ctx context.Context) ([]rules.BreakpointRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM breakpoint_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query breakpoint rules: %w", err)
	}
	defer rows.Close()

	var out []rules.BreakpointRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r rules.BreakpointRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveMockRules replaces the persisted mock rule set.
func (s *Store) SaveMockRules(ctx context.Context, rs []rules.MockRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mock_rules`); err != nil {
		return fmt.Errorf("failed to clear mock rules: %w", err)
	}
	for i, r := range rs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal rule %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO mock_rules (id, position, enabled, data) VALUES (?, ?, ?, ?)`,
			r.ID, i, boolToInt(r.Enabled), string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LoadMockRules returns the persisted mock rule set in order.
func (s *Store) LoadMockRules(ctx context.Context) ([]rules.MockRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM mock_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mock rules: %w", err)
	}
	defer rows.Close()

	var out []rules.MockRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r rules.MockRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
