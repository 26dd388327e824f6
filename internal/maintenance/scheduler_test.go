package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsDueJob(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	var calls int32

	s := NewScheduler(WithNow(func() time.Time { return *clock }), WithTickInterval(time.Millisecond))
	err := s.Register("gc-correlation", "correlation gc", Every(time.Minute), RetryConfig{}, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 3, nil
	})
	require.NoError(t, err)

	require.Equal(t, 0, s.RunDue(context.Background()))

	*clock = clock.Add(2 * time.Minute)
	require.Equal(t, 1, s.RunDue(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, 3, jobs[0].LastCount)
}

func TestSchedulerRetriesOnError(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	var attempts int32

	s := NewScheduler(WithNow(func() time.Time { return *clock }))
	retry := RetryConfig{MaxRetries: 2, Backoff: time.Second}
	err := s.Register("flaky", "flaky job", Every(time.Hour), retry, func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return 0, errors.New("transient")
		}
		return 0, nil
	})
	require.NoError(t, err)

	require.ErrorContains(t, s.RunJob(context.Background(), "flaky"), "transient")
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "transient", jobs[0].LastError)
	require.Equal(t, 1, jobs[0].RetryCount)
	// The failed attempt is scheduled for a backoff retry, not the full
	// interval.
	require.Equal(t, clock.Add(time.Second), jobs[0].NextRun)
}

func TestSchedulerRecordsHistory(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Register("sweep", "ttl sweep", Every(time.Hour), RetryConfig{}, func(ctx context.Context) (int, error) {
		return 7, nil
	}))
	require.NoError(t, s.RunJob(context.Background(), "sweep"))
	require.NoError(t, s.RunJob(context.Background(), "sweep"))

	runs := s.History().Recent("sweep", 0)
	require.Len(t, runs, 2)
	require.Equal(t, 7, runs[0].Affected)
	require.Empty(t, runs[0].Error)
}

func TestHistoryBoundedEviction(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(JobRun{JobID: "j", Affected: i})
	}
	runs := h.Recent("j", 0)
	require.Len(t, runs, 3)
	require.Equal(t, 4, runs[0].Affected) // newest first
	require.Equal(t, 2, runs[2].Affected)
}

func TestRunJobUnknownID(t *testing.T) {
	s := NewScheduler()
	err := s.RunJob(context.Background(), "missing")
	require.Error(t, err)
}
