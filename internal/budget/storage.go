// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// LEDGER STORAGE
// =============================================================================

// Period kinds persisted in the ledger table.
const (
	periodDay   = "day"
	periodMonth = "month"
)

// Store persists daily and monthly spend buckets so caps survive restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the ledger database at path.
// An empty path defaults to ~/.quorum/ledger.db.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(homeDir, ".quorum")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "ledger.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS spend (
		period_kind TEXT NOT NULL,
		period_key  TEXT NOT NULL,
		usd         REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (period_kind, period_key)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns the persisted spend for a period, zero if absent.
func (s *Store) Load(kind, key string) (float64, error) {
	var usd float64
	err := s.db.QueryRow(
		`SELECT usd FROM spend WHERE period_kind = ? AND period_key = ?`, kind, key,
	).Scan(&usd)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load spend: %w", err)
	}
	return usd, nil
}

// Save upserts the spend for a period.
func (s *Store) Save(kind, key string, usd float64) error {
	_, err := s.db.Exec(
		`INSERT INTO spend (period_kind, period_key, usd) VALUES (?, ?, ?)
		 ON CONFLICT (period_kind, period_key) DO UPDATE SET usd = excluded.usd`,
		kind, key, usd,
	)
	if err != nil {
		return fmt.Errorf("failed to save spend: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
