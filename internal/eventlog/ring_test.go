package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/event"
)

func TestRingOverwritesOldestAndCountsDrops(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(Entry{Event: event.New("a:b", map[string]any{"i": i})})
	}
	require.Equal(t, 3, r.Len())
	require.EqualValues(t, 2, r.Dropped())

	snap := r.Snapshot(0)
	require.Len(t, snap, 3)
	// newest-first: last pushed (i=4) comes first.
	require.Equal(t, 4, snap[0].Event.Data["i"])
	require.Equal(t, 2, snap[2].Event.Data["i"])
}

func TestRingSnapshotLimit(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Push(Entry{Event: event.New("a:b", nil)})
	}
	require.Len(t, r.Snapshot(2), 2)
	require.Len(t, r.Snapshot(0), 5)
}
