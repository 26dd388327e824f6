package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEverySchedule(t *testing.T) {
	sched := Every(5 * time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, now.Add(5*time.Minute), next)
}

func TestParseCronInvalid(t *testing.T) {
	_, err := ParseCron("not a cron expr !!", "")
	require.Error(t, err)
}

func TestParseCronValid(t *testing.T) {
	sched, err := ParseCron("0 */10 * * * *", "UTC")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(now)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.After(now))
}
