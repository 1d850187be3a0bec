// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// TRANSCRIPT STORAGE
// =============================================================================

// Store persists transcript messages to SQLite.
type Store struct {
	db        *sql.DB
	sessionID string
}

// OpenStore opens (creating if needed) the transcript database at path for
// the given session. An empty path defaults to ~/.quorum/transcripts.db.
func OpenStore(path, sessionID string) (*Store, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(homeDir, ".quorum")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "transcripts.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		author      TEXT NOT NULL,
		role        TEXT NOT NULL,
		text        TEXT NOT NULL,
		model       TEXT,
		responds_to TEXT,
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transcript schema: %w", err)
	}

	return &Store{db: db, sessionID: sessionID}, nil
}

// SaveMessage appends one message row. Sequence numbers follow insertion
// order within the session.
func (s *Store) SaveMessage(msg *model.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, seq, author, role, text, model, responds_to, timestamp)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?, ?)`,
		msg.ID, s.sessionID, s.sessionID,
		msg.Author, string(msg.Role), msg.Text, msg.Model, msg.RespondsTo,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// LoadSession returns the persisted messages for the store's session in
// sequence order.
func (s *Store) LoadSession() ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, author, role, text, model, responds_to, timestamp
		 FROM messages WHERE session_id = ? ORDER BY seq`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var msg model.Message
		var role, ts string
		if err := rows.Scan(&msg.ID, &msg.Author, &role, &msg.Text, &msg.Model, &msg.RespondsTo, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Timestamp = parsed
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// DeleteSession removes the session's rows (session teardown).
func (s *Store) DeleteSession() error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, s.sessionID)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
