// Package maintenance runs the daemon's periodic sweep jobs: correlation
// trace GC, async-queue TTL expiry, event-log WAL checkpoints, and
// empty-session-worker GC.
package maintenance

import (
	"context"
	"time"
)

// RetryConfig controls backoff when a job returns an error.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// JobFunc performs one sweep pass and reports how many items it acted on.
type JobFunc func(ctx context.Context) (affected int, err error)

// Job is a named, scheduled maintenance task.
type Job struct {
	ID       string
	Name     string
	Schedule Schedule
	Retry    RetryConfig
	Fn       JobFunc

	NextRun    time.Time
	LastRun    time.Time
	LastError  string
	LastCount  int
	RetryCount int
}
