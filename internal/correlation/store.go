// Package correlation maintains the in-memory trace tree keyed by
// correlation id: parent/child links, open/close lifecycle,
// and age-based eviction.
package correlation

import (
	"sync"
	"time"
)

// Trace is one node in the correlation tree.
type Trace struct {
	CorrelationID string
	ParentID      string
	EventName     string
	CreatedAt     time.Time
	CompletedAt   time.Time
	Data          map[string]any
	Children      []string
	Result        any
	Error         string
}

// Stats summarizes the store's current population.
type Stats struct {
	Total     int
	Open      int
	Roots     int
	OldestAge time.Duration
}

// Store is the process-wide correlation trace table. Safe for concurrent
// use.
type Store struct {
	mu         sync.RWMutex
	traces     map[string]*Trace
	roots      []string
	MaxAge     time.Duration
	now        func() time.Time
}

// NewStore constructs an empty Store. maxAge bounds how long a closed
// trace with no open children survives before GC collects it.
func NewStore(maxAge time.Duration) *Store {
	return &Store{
		traces: make(map[string]*Trace),
		MaxAge: maxAge,
		now:    time.Now,
	}
}

// Begin opens a trace for id if one does not already exist. If parent is
// non-empty and known, id is linked as its child; otherwise id becomes a
// root. Calling Begin again for an id that already exists is a no-op
// (the router may call Begin redundantly when an event carries an
// inherited correlation id).
func (s *Store) Begin(id, eventName string, data map[string]any, parent string) *Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.traces[id]; ok {
		return t
	}
	t := &Trace{
		CorrelationID: id,
		ParentID:      parent,
		EventName:     eventName,
		CreatedAt:     s.now(),
		Data:          data,
	}
	s.traces[id] = t
	if parent != "" {
		if pt, ok := s.traces[parent]; ok {
			pt.Children = append(pt.Children, id)
			return t
		}
	}
	s.roots = append(s.roots, id)
	return t
}

// End closes id's trace with a result or error. Closing an unknown id is
// a no-op.
func (s *Store) End(id string, result any, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[id]
	if !ok {
		return
	}
	t.CompletedAt = s.now()
	t.Result = result
	t.Error = errMsg
}

// Get returns the trace for id, or nil if unknown.
func (s *Store) Get(id string) *Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traces[id]
}

// Chain walks from a leaf trace up to its root, returning traces
// root-first.
func (s *Store) Chain(id string) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chain []*Trace
	cur := id
	seen := make(map[string]bool)
	for cur != "" && !seen[cur] {
		t, ok := s.traces[cur]
		if !ok {
			break
		}
		seen[cur] = true
		chain = append(chain, t)
		cur = t.ParentID
	}
	// reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Tree returns the subtree rooted at the chain root of id.
func (s *Store) Tree(id string) *Trace {
	chain := s.Chain(id)
	if len(chain) == 0 {
		return nil
	}
	return chain[0]
}

// Stats reports store-wide counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.traces), Roots: len(s.roots)}
	now := s.now()
	for _, t := range s.traces {
		if t.CompletedAt.IsZero() {
			st.Open++
		}
		age := now.Sub(t.CreatedAt)
		if age > st.OldestAge {
			st.OldestAge = age
		}
	}
	return st
}

// GC purges closed traces (no open children) older than MaxAge. Returns
// the number of traces removed.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxAge <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.MaxAge)
	removed := 0
	for id, t := range s.traces {
		if t.CompletedAt.IsZero() || t.CompletedAt.After(cutoff) {
			continue
		}
		if s.hasOpenChildren(id) {
			continue
		}
		delete(s.traces, id)
		removed++
	}
	if removed > 0 {
		s.pruneRoots()
	}
	return removed
}

func (s *Store) hasOpenChildren(id string) bool {
	t, ok := s.traces[id]
	if !ok {
		return false
	}
	for _, cid := range t.Children {
		ct, ok := s.traces[cid]
		if !ok {
			continue
		}
		if ct.CompletedAt.IsZero() || s.hasOpenChildren(cid) {
			return true
		}
	}
	return false
}

func (s *Store) pruneRoots() {
	kept := s.roots[:0]
	for _, id := range s.roots {
		if _, ok := s.traces[id]; ok {
			kept = append(kept, id)
		}
	}
	s.roots = kept
}
