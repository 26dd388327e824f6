package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// Push appends value to the FIFO queue (namespace, key). If ttl > 0 the
// item is skipped on Pop and purged by SweepExpired once it expires.
func (s *Store) Push(ctx context.Context, namespace, key string, value any, ttlSeconds float64) error {
	unlock := s.lockFor(namespace, key)
	defer unlock()

	valJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := nowSeconds()
	var expiresAt any
	if ttlSeconds > 0 {
		expiresAt = now + ttlSeconds
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items (namespace, key, value, enqueued_at, expires_at) VALUES (?, ?, ?, ?, ?)
	`, namespace, key, string(valJSON), now, expiresAt)
	return err
}

// PopResult is the round-trip shape for async_state:pop.
type PopResult struct {
	Found bool
	Value any
}

// Pop removes and returns the oldest non-expired item in (namespace,
// key). An empty or all-expired queue reports {found:false}, not an
// error.
func (s *Store) Pop(ctx context.Context, namespace, key string) (PopResult, error) {
	unlock := s.lockFor(namespace, key)
	defer unlock()

	now := nowSeconds()
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, value, expires_at FROM queue_items
			WHERE namespace=? AND key=? ORDER BY id ASC LIMIT 1
		`, namespace, key)
		var id int64
		var valJSON string
		var expiresAt sql.NullFloat64
		if err := row.Scan(&id, &valJSON, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return PopResult{Found: false}, nil
			}
			return PopResult{}, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id=?`, id); err != nil {
			return PopResult{}, err
		}
		if expiresAt.Valid && expiresAt.Float64 <= now {
			continue // expired: skip and try the next item
		}
		var value any
		_ = json.Unmarshal([]byte(valJSON), &value)
		return PopResult{Found: true, Value: value}, nil
	}
}

// GetQueue returns every non-expired item in (namespace, key), oldest
// first, without removing them.
func (s *Store) GetQueue(ctx context.Context, namespace, key string) ([]any, error) {
	now := nowSeconds()
	rows, err := s.db.QueryContext(ctx, `
		SELECT value, expires_at FROM queue_items
		WHERE namespace=? AND key=? ORDER BY id ASC
	`, namespace, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var valJSON string
		var expiresAt sql.NullFloat64
		if err := rows.Scan(&valJSON, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid && expiresAt.Float64 <= now {
			continue
		}
		var value any
		_ = json.Unmarshal([]byte(valJSON), &value)
		out = append(out, value)
	}
	return out, rows.Err()
}

// QueueLength reports the non-expired item count for (namespace, key).
func (s *Store) QueueLength(ctx context.Context, namespace, key string) (int, error) {
	now := nowSeconds()
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE namespace=? AND key=? AND (expires_at IS NULL OR expires_at > ?)
	`, namespace, key, now)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GetKeys returns the distinct queue keys present in namespace.
func (s *Store) GetKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM queue_items WHERE namespace=? ORDER BY key`, namespace)
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

// DeleteQueue atomically removes every item in (namespace, key).
func (s *Store) DeleteQueue(ctx context.Context, namespace, key string) error {
	unlock := s.lockFor(namespace, key)
	defer unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE namespace=? AND key=?`, namespace, key)
	return err
}

// SweepExpired purges every expired item across all queues, called
// periodically by the maintenance scheduler. Returns the number removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowSeconds())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
