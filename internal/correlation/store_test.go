package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChainAndTree(t *testing.T) {
	s := NewStore(time.Hour)
	s.Begin("root", "a:1", nil, "")
	s.Begin("mid", "a:2", nil, "root")
	s.Begin("leaf", "a:3", nil, "mid")

	chain := s.Chain("leaf")
	require.Len(t, chain, 3)
	require.Equal(t, "root", chain[0].CorrelationID)
	require.Equal(t, "leaf", chain[2].CorrelationID)

	tree := s.Tree("leaf")
	require.Equal(t, "root", tree.CorrelationID)
	require.Equal(t, []string{"mid"}, tree.Children)
}

func TestGCSkipsOpenChildren(t *testing.T) {
	s := NewStore(time.Millisecond)
	s.now = func() time.Time { return time.Now() }
	s.Begin("root", "a:1", nil, "")
	s.Begin("child", "a:2", nil, "root")
	s.End("root", nil, "")
	// child stays open; GC must not remove root while child is open.
	time.Sleep(2 * time.Millisecond)
	removed := s.GC()
	require.Equal(t, 0, removed)
	require.NotNil(t, s.Get("root"))

	s.End("child", nil, "")
	time.Sleep(2 * time.Millisecond)
	removed = s.GC()
	require.Equal(t, 2, removed)
	require.Nil(t, s.Get("root"))
}

func TestStatsCountsOpen(t *testing.T) {
	s := NewStore(time.Hour)
	s.Begin("a", "x:1", nil, "")
	s.Begin("b", "x:2", nil, "")
	s.End("a", "ok", "")

	st := s.Stats()
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.Open)
	require.Equal(t, 2, st.Roots)
}
