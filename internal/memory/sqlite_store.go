package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores entries in a single table. The layout version is
// kept in PRAGMA user_version.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS similarity_entries (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	query      TEXT NOT NULL,
	response   TEXT NOT NULL,
	state      TEXT,
	vector     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_similarity_entries_created ON similarity_entries(created_at);
`

// NewSQLiteBackend opens (or creates) the database at path. Use ":memory:"
// for a throwaway store.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writes
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read layout version: %w", err)
	}
	if version > LayoutVersion {
		return fmt.Errorf("database layout version %d is newer than supported version %d", version, LayoutVersion)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", LayoutVersion)); err != nil {
		return fmt.Errorf("failed to write layout version: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Put(ctx context.Context, entry Entry) error {
	vector, err := json.Marshal(entry.Vector)
	if err != nil {
		return fmt.Errorf("failed to marshal vector: %w", err)
	}
	state, err := json.Marshal(entry.Metadata.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO similarity_entries (id, created_at, query, response, state, vector) VALUES (?, ?, ?, ?, ?, ?)",
		entry.ID, entry.Timestamp.UnixNano(), entry.Metadata.Query, entry.Metadata.Response, string(state), string(vector),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, query, response, state, vector FROM similarity_entries WHERE id = ?", id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

func (s *SQLiteBackend) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created_at, query, response, state, vector FROM similarity_entries ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteBackend) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM similarity_entries WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM similarity_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry     Entry
		createdAt int64
		state     sql.NullString
		vector    string
	)
	if err := row.Scan(&entry.ID, &createdAt, &entry.Metadata.Query, &entry.Metadata.Response, &state, &vector); err != nil {
		return Entry{}, err
	}

	entry.Timestamp = time.Unix(0, createdAt).UTC()
	entry.Metadata.Timestamp = entry.Timestamp

	if err := json.Unmarshal([]byte(vector), &entry.Vector); err != nil {
		return Entry{}, fmt.Errorf("entry %s: failed to parse vector: %w", entry.ID, err)
	}
	if state.Valid && state.String != "" && state.String != "null" {
		if err := json.Unmarshal([]byte(state.String), &entry.Metadata.State); err != nil {
			return Entry{}, fmt.Errorf("entry %s: failed to parse state: %w", entry.ID, err)
		}
	}
	return entry, nil
}
