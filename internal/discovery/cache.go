package discovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists discovery payloads keyed by the registry hash that
// produced them, at var/discovery_cache.db.
type Cache struct {
	db *sql.DB
}

// OpenCache initializes the cache database's schema at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("discovery: create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("discovery: open cache db: %w", err)
	}
	c := &Cache{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS discovery_cache (
			hash TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at REAL NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("discovery: init cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached payload for hash, if present.
func (c *Cache) Get(ctx context.Context, hash string) (payload string, found bool, err error) {
	row := c.db.QueryRowContext(ctx, `SELECT payload FROM discovery_cache WHERE hash=?`, hash)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return payload, true, nil
}

// Put stores payload under hash, evicting every older entry so the
// cache holds at most the current handler set's result.
func (c *Cache) Put(ctx context.Context, hash, payload string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM discovery_cache WHERE hash != ?`, hash); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO discovery_cache (hash, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at
	`, hash, payload, float64(time.Now().UnixNano())/1e9)
	return err
}
