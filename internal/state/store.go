// Package state implements the daemon's namespaced KV store, per-session
// scratch, and async per-key queues, SQLite-backed with per-key write
// serialization.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// GlobalNamespace is the reserved namespace name.
const GlobalNamespace = "global"

// NotFound is returned (wrapped) when a key/queue lookup misses. Several
// operations instead report {found:false} rather than returning this —
// it exists for callers that prefer Go error-style checking.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed KV + session + queue store.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Open initializes the state database's schema at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s := &Store{db: db, keyLocks: make(map[string]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			metadata TEXT,
			updated_at REAL,
			PRIMARY KEY (namespace, key)
		);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			last_output TEXT,
			updated_at REAL
		);
		CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			enqueued_at REAL,
			expires_at REAL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_items_nk ON queue_items(namespace, key, id);
	`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Checkpoint forces a WAL checkpoint, run periodically by the
// maintenance scheduler.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func (s *Store) lockFor(namespace, key string) func() {
	full := namespace + "\x00" + key
	s.mu.Lock()
	l, ok := s.keyLocks[full]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[full] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// --- Synchronous KV (state:get|set|delete|list|clear) ---

// Set writes (namespace, key) -> value with metadata, serialized by a
// per-key mutex.
func (s *Store) Set(ctx context.Context, namespace, key string, value any, metadata map[string]any) error {
	unlock := s.lockFor(namespace, key)
	defer unlock()

	valJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, metadata=excluded.metadata, updated_at=excluded.updated_at
	`, namespace, key, string(valJSON), string(metaJSON), nowSeconds())
	return err
}

// GetResult is the round-trip shape for state:get.
type GetResult struct {
	Found     bool
	Value     any
	Metadata  map[string]any
	UpdatedAt float64
}

// Get reads (namespace, key); a miss reports Found=false, not an error.
func (s *Store) Get(ctx context.Context, namespace, key string) (GetResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, metadata, updated_at FROM kv WHERE namespace=? AND key=?`, namespace, key)
	var valJSON, metaJSON string
	var updatedAt float64
	if err := row.Scan(&valJSON, &metaJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GetResult{Found: false}, nil
		}
		return GetResult{}, err
	}
	var value any
	_ = json.Unmarshal([]byte(valJSON), &value)
	var meta map[string]any
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	return GetResult{Found: true, Value: value, Metadata: meta, UpdatedAt: updatedAt}, nil
}

// Delete removes (namespace, key). Repeated deletes return
// {status: not_found} semantics via the ok=false return, not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) (ok bool, err error) {
	unlock := s.lockFor(namespace, key)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace=? AND key=?`, namespace, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns all keys in namespace.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE namespace=? ORDER BY key`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every key in namespace and returns the count removed.
func (s *Store) Clear(ctx context.Context, namespace string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace=?`, namespace)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Session scratch (state:session:get|update) ---

// SessionGet returns a session's last_output and updated_at, or
// found=false if the session has never been updated.
func (s *Store) SessionGet(ctx context.Context, sessionID string) (found bool, lastOutput any, updatedAt float64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_output, updated_at FROM sessions WHERE session_id=?`, sessionID)
	var outJSON string
	if err := row.Scan(&outJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil, 0, nil
		}
		return false, nil, 0, err
	}
	var out any
	_ = json.Unmarshal([]byte(outJSON), &out)
	return true, out, updatedAt, nil
}

// SessionUpdate overwrites a session's last_output.
func (s *Store) SessionUpdate(ctx context.Context, sessionID string, lastOutput any) error {
	unlock := s.lockFor("session", sessionID)
	defer unlock()

	outJSON, err := json.Marshal(lastOutput)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, last_output, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_output=excluded.last_output, updated_at=excluded.updated_at
	`, sessionID, string(outJSON), nowSeconds())
	return err
}
