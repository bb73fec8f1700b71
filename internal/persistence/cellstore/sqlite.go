package cellstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV keeps items in a single sqlite table.
type SQLiteKV struct {
	db *sql.DB
}

func OpenSQLiteKV(path string) (*SQLiteKV, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS items (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) GetItem(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM items WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteKV) SetItem(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO items(key,value,updated_at) VALUES(?,?,?)`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteKV) Close() error { return s.db.Close() }
