package completion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/circuitbreaker"
)

type fakeProvider struct {
	mu       sync.Mutex
	delay    time.Duration
	calls    []string
	sessions map[string]string // request_id -> session_id to return
}

func (p *fakeProvider) Invoke(ctx context.Context, req Request) (ProviderResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.RequestID)
	sess := req.SessionID
	if p.sessions != nil {
		if s, ok := p.sessions[req.RequestID]; ok {
			sess = s
		}
	}
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ProviderResult{}, ctx.Err()
	}
	return ProviderResult{Content: "ok", SessionID: sess, DurationMS: 1}, nil
}

func (p *fakeProvider) callOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.calls...)
}

func newTestScheduler(t *testing.T, provider Provider) (*Scheduler, chan Result) {
	t.Helper()
	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		MaxDepth: 100, TokenBudget: 1_000_000, TimeWindow: time.Hour, PoisoningScore: 0.99, CircularLookback: 5,
	}, circuitbreaker.NewChainTracker())
	results := make(chan Result, 32)
	emit := func(ctx context.Context, res Result) { results <- res }
	dir := t.TempDir()
	return New(Config{RequestTimeout: 2 * time.Second, ShutdownGrace: time.Second, ResponsesDir: dir}, breaker, provider, emit, nil, nil, nil), results
}

func TestSerialPerSessionCompletions(t *testing.T) {
	// S1: B must not start until A's result is emitted.
	provider := &fakeProvider{delay: 50 * time.Millisecond}
	s, results := newTestScheduler(t, provider)

	r1 := s.Enqueue(context.Background(), Request{RequestID: "a", SessionID: "s1", Priority: PriorityAsync, Prompt: "hi"})
	require.Equal(t, "ready", r1.Status)
	r2 := s.Enqueue(context.Background(), Request{RequestID: "b", SessionID: "s1", Priority: PriorityAsync, Prompt: "hi"})
	require.Equal(t, "queued", r2.Status)

	var got []Result
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			got = append(got, res)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for completion results")
		}
	}

	require.Equal(t, []string{"a", "b"}, provider.callOrder())
	require.Equal(t, "s1", got[0].SessionID)
	require.Equal(t, "s1", got[1].SessionID)

	lock, ok := s.Lock("s1")
	require.True(t, ok)
	require.Equal(t, LockUnlocked, lock.State)
}

func TestForkDetection(t *testing.T) {
	// S2: a provider call returning a different session id forks the lock.
	provider := &fakeProvider{sessions: map[string]string{"a": "s1_forked"}}
	s, results := newTestScheduler(t, provider)

	s.Enqueue(context.Background(), Request{RequestID: "a", SessionID: "s1", Priority: PriorityAsync, Prompt: "hi"})
	res := <-results
	require.True(t, res.Forked)
	require.Equal(t, "s1_forked", res.SessionID)

	origLock, ok := s.Lock("s1")
	require.True(t, ok)
	require.Equal(t, LockForked, origLock.State)
	require.Contains(t, origLock.ChildSessionIDs, "s1_forked")

	newLock, ok := s.Lock("s1_forked")
	require.True(t, ok)
	require.Equal(t, "s1", newLock.ParentSessionID)

	r := s.Enqueue(context.Background(), Request{RequestID: "c", SessionID: "s1", Priority: PriorityAsync, Prompt: "hi"})
	require.Equal(t, "ready", r.Status)
	<-results
}

func TestCircuitBreakerBlocksDeepChain(t *testing.T) {
	// S3: max_depth=3, r1..r3 accepted, r4 blocked without invoking the provider.
	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		MaxDepth: 3, TokenBudget: 1_000_000, TimeWindow: time.Hour, PoisoningScore: 0.99, CircularLookback: 5,
	}, circuitbreaker.NewChainTracker())
	provider := &fakeProvider{}
	results := make(chan Result, 8)
	emit := func(ctx context.Context, res Result) { results <- res }
	s := New(Config{RequestTimeout: time.Second, ShutdownGrace: time.Second}, breaker, provider, emit, nil, nil, nil)

	r1 := s.Enqueue(context.Background(), Request{RequestID: "r1", SessionID: "s1", Prompt: "a"})
	require.NotEqual(t, "blocked", r1.Status)
	r2 := s.Enqueue(context.Background(), Request{RequestID: "r2", SessionID: "s1", Prompt: "b", CircuitBreaker: CircuitBreakerConfig{ParentRequestID: "r1"}})
	require.NotEqual(t, "blocked", r2.Status)
	r3 := s.Enqueue(context.Background(), Request{RequestID: "r3", SessionID: "s1", Prompt: "c", CircuitBreaker: CircuitBreakerConfig{ParentRequestID: "r2"}})
	require.NotEqual(t, "blocked", r3.Status)

	for i := 0; i < 3; i++ {
		<-results
	}

	r4 := s.Enqueue(context.Background(), Request{RequestID: "r4", SessionID: "s1", Prompt: "d", CircuitBreaker: CircuitBreakerConfig{ParentRequestID: "r3"}})
	require.Equal(t, "blocked", r4.Status)
	require.Equal(t, "ideation_depth", r4.BlockReason.Check)
	require.Equal(t, 3, r4.BlockReason.CurrentDepth)
	require.Equal(t, 3, r4.BlockReason.MaxDepth)
	require.Len(t, provider.callOrder(), 3)
}

func TestCancelQueuedRequest(t *testing.T) {
	provider := &fakeProvider{delay: 100 * time.Millisecond}
	s, results := newTestScheduler(t, provider)

	s.Enqueue(context.Background(), Request{RequestID: "a", SessionID: "s1", Prompt: "hi"})
	s.Enqueue(context.Background(), Request{RequestID: "b", SessionID: "s1", Prompt: "hi"})

	status, found := s.Cancel("b")
	require.True(t, found)
	require.Equal(t, "cancelled", status)

	<-results // a's result
	require.Equal(t, []string{"a"}, provider.callOrder())
}
