package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// SQLiteBackend stores entries in a single SQLite table keyed by
// (namespace, key).
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteBackend{db: db, now: time.Now}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (namespace, key, value, created_at) VALUES (?, ?, ?, ?)`,
		namespace, key, value, b.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, namespace, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (b *SQLiteBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Prune removes entries older than olderThan.
func (b *SQLiteBackend) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := b.now().Add(-olderThan).Unix()
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
