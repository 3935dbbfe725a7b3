package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SQLiteStore keeps documents in a single table, one row per key.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path in WAL mode.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS cache_entries(
	  key        TEXT    PRIMARY KEY,
	  written_at INTEGER NOT NULL,
	  document   TEXT    NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (Document, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM cache_entries WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return decode([]byte(data))
}

// Save upserts the row in one statement, so readers see either the old or
// the new document.
func (s *SQLiteStore) Save(ctx context.Context, key string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO cache_entries(key, written_at, document) VALUES(?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET written_at = excluded.written_at, document = excluded.document`,
		key, doc.WrittenAt.Unix(), string(data))
	return err
}
