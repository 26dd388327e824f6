package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Scheduler drives the daemon's sweep jobs: each Register'd job runs
// on its own interval or cron expression, with bounded retry backoff
// on failure and a run-history ring for introspection.
type Scheduler struct {
	logger       *slog.Logger
	history      *History
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option customizes a Scheduler at construction.
type Option func(*Scheduler)

// WithLogger routes job logging through the daemon logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistory configures the run-history buffer.
func WithHistory(history *History) Option {
	return func(s *Scheduler) {
		if history != nil {
			s.history = history
		}
	}
}

// WithNow injects a clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval shortens the due-check cadence, for tests.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds an empty scheduler. Jobs are attached with
// Register before Start.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       slog.Default().With("component", "maintenance"),
		history:      NewHistory(256),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches a job and computes its first due time. Registering
// an existing id replaces the job in place.
func (s *Scheduler) Register(id, name string, schedule Schedule, retry RetryConfig, fn JobFunc) error {
	if s == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: fn required", id)
	}
	now := s.now()
	next, ok, err := schedule.Next(now)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("job %s: no next run scheduled", id)
	}

	job := &Job{ID: id, Name: name, Schedule: schedule, Retry: retry, Fn: fn, NextRun: next}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.jobs {
		if existing.ID == id {
			s.jobs[i] = job
			return nil
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches the tick loop; it runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()
}

// Stop blocks until the tick loop has exited or ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDue runs every job whose due time has passed, returning how many
// ran. The tick loop calls this; tests call it directly.
func (s *Scheduler) RunDue(ctx context.Context) int {
	if s == nil {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	count := 0
	for _, job := range jobs {
		s.mu.Lock()
		due := !job.NextRun.IsZero() && !now.Before(job.NextRun)
		s.mu.Unlock()
		if !due {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.WarnContext(ctx, "maintenance job failed", "id", job.ID, "error", err)
		}
		count++
	}
	return count
}

// RunJob forces one job to run now, schedule notwithstanding.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	var target *Job
	for _, job := range s.jobs {
		if job.ID == id {
			target = job
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("job not found: %s", id)
	}
	return s.runJob(ctx, target, s.now())
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	if job == nil {
		return errors.New("job is nil")
	}
	s.mu.Lock()
	job.LastRun = now
	retryCount := job.RetryCount
	schedule := job.Schedule
	s.mu.Unlock()

	affected, err := job.Fn(ctx)
	finished := s.now()
	if s.history != nil {
		run := JobRun{JobID: job.ID, StartedAt: now, Duration: finished.Sub(now), Affected: affected, Retry: retryCount}
		if err != nil {
			run.Error = err.Error()
		}
		s.history.Record(run)
	}

	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
		job.LastCount = affected
	}
	next, disable, nextErr := s.nextRunForJob(job, schedule, now, err)
	switch {
	case nextErr != nil:
		job.LastError = nextErr.Error()
		job.NextRun = time.Time{}
	case disable:
		job.NextRun = time.Time{}
	default:
		job.NextRun = next
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) nextRunForJob(job *Job, schedule Schedule, now time.Time, err error) (time.Time, bool, error) {
	if err != nil {
		if job.Retry.MaxRetries > 0 && job.RetryCount < job.Retry.MaxRetries {
			job.RetryCount++
			return now.Add(retryDelay(job.Retry, job.RetryCount)), false, nil
		}
	}
	job.RetryCount = 0
	next, ok, nextErr := schedule.Next(now)
	if nextErr != nil {
		return time.Time{}, true, nextErr
	}
	if !ok {
		return time.Time{}, true, nil
	}
	return next, false, nil
}

func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	delay := backoff
	if attempt > 1 {
		delay = time.Duration(1<<(attempt-1)) * backoff
	}
	if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return delay
}

// History exposes the run-history buffer.
func (s *Scheduler) History() *History {
	if s == nil {
		return nil
	}
	return s.history
}

// Jobs snapshots the registered jobs, including their last outcome.
func (s *Scheduler) Jobs() []*Job {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	for i, job := range s.jobs {
		copyJob := *job
		out[i] = &copyJob
	}
	return out
}
