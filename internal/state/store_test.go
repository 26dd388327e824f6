package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVRoundTripAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, GlobalNamespace, "k1", "v1", nil))
	got, err := s.Get(ctx, GlobalNamespace, "k1")
	require.NoError(t, err)
	require.True(t, got.Found)
	require.Equal(t, "v1", got.Value)

	ok, err := s.Delete(ctx, GlobalNamespace, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.Get(ctx, GlobalNamespace, "k1")
	require.NoError(t, err)
	require.False(t, got.Found)

	// repeated delete reports not-found, not an error.
	ok, err = s.Delete(ctx, GlobalNamespace, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueuePushPopOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(ctx, "ns", "q1", i, 0))
	}
	for i := 0; i < 3; i++ {
		r, err := s.Pop(ctx, "ns", "q1")
		require.NoError(t, err)
		require.True(t, r.Found)
		require.EqualValues(t, i, r.Value)
	}
	r, err := s.Pop(ctx, "ns", "q1")
	require.NoError(t, err)
	require.False(t, r.Found)
}

func TestQueueTTLExpirySkippedOnPop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "ns", "q1", "expired", -1)) // already expired
	require.NoError(t, s.Push(ctx, "ns", "q1", "fresh", 0))

	r, err := s.Pop(ctx, "ns", "q1")
	require.NoError(t, err)
	require.True(t, r.Found)
	require.Equal(t, "fresh", r.Value)
}

func TestDeleteQueueIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "ns", "q1", "a", 0))
	require.NoError(t, s.Push(ctx, "ns", "q1", "b", 0))
	require.NoError(t, s.DeleteQueue(ctx, "ns", "q1"))
	n, err := s.QueueLength(ctx, "ns", "q1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSessionScratchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	found, _, _, err := s.SessionGet(ctx, "s1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.SessionUpdate(ctx, "s1", map[string]any{"text": "hi"}))
	found, out, _, err := s.SessionGet(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hi", out.(map[string]any)["text"])
}
