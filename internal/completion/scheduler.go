package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/circuitbreaker"
	"github.com/ksi-project/ksid/internal/observability"
)

// ProviderResult is the normalized shape of a provider subprocess's
// stdout JSON (spec §6.2).
type ProviderResult struct {
	Content      string
	SessionID    string
	DurationMS   float64
	CostUSD      float64
	IsError      bool
	ErrorMessage string
}

// Provider invokes one completion request against an LLM provider
// subprocess and waits for its structured result, honoring ctx
// cancellation/timeout.
type Provider interface {
	Invoke(ctx context.Context, req Request) (ProviderResult, error)
}

// ResultSink is notified after every completion:result is produced, so
// the injection router can react to injection_config without the
// scheduler importing it directly.
type ResultSink interface {
	HandleResult(ctx context.Context, req Request, res Result)
}

// ResultEmitter publishes a completion:result event; supplied by the
// handler layer so the scheduler package need not import router.
type ResultEmitter func(ctx context.Context, res Result)

// Config tunes the scheduler.
type Config struct {
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
	ResponsesDir   string

	// MaxConcurrent bounds provider invocations in flight across all
	// sessions; zero means 16. Per-session serialization is separate
	// (the conversation lock); this caps total subprocess fan-out.
	MaxConcurrent int
}

// Scheduler runs one worker per session, serializing chained LLM calls
// through that session's ConversationLock.
type Scheduler struct {
	cfg      Config
	breaker  *circuitbreaker.Breaker
	provider Provider
	emit     ResultEmitter
	sink     ResultSink
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// slots is a counting semaphore over provider invocations.
	slots chan struct{}

	mu       sync.Mutex
	queues   map[string]*SessionQueue
	active   map[string]bool
	locks    map[string]*ConversationLock
	inflight map[string]context.CancelFunc
	status   map[string]Status // last known status per request, for completion:cancel races
	closed   bool
	wg       sync.WaitGroup
}

// New constructs a Scheduler. sink may be nil if no injection router is
// wired yet.
func New(cfg Config, breaker *circuitbreaker.Breaker, provider Provider, emit ResultEmitter, sink ResultSink, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Scheduler{
		slots: make(chan struct{}, cfg.MaxConcurrent),
		cfg:      cfg,
		breaker:  breaker,
		provider: provider,
		emit:     emit,
		sink:     sink,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		queues:   make(map[string]*SessionQueue),
		active:   make(map[string]bool),
		locks:    make(map[string]*ConversationLock),
		inflight: make(map[string]context.CancelFunc),
		status:   make(map[string]Status),
	}
}

// SetSink wires the post-result sink after construction; the injection
// router and the scheduler reference each other, so one side has to be
// attached late.
func (s *Scheduler) SetSink(sink ResultSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// SetEmitter wires the completion:result emitter after construction,
// for the same reason as SetSink: the router's handler set is built
// after the scheduler exists.
func (s *Scheduler) SetEmitter(emit ResultEmitter) {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
}

// EnqueueResult is the round-trip shape for completion:async.
type EnqueueResult struct {
	Status      string
	Priority    Priority
	QueueDepth  int
	BlockReason *circuitbreaker.BlockReason
}

// Enqueue accepts a completion request. An empty SessionID is assigned a
// transient one so queueing stays per-request. The circuit breaker runs
// first; a blocked request is never queued.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) EnqueueResult {
	if req.SessionID == "" {
		req.SessionID = "transient-" + uuid.NewString()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.EnqueuedAt = s.now()

	blocked, reason := s.breaker.Check(circuitbreaker.Request{
		RequestID:     req.RequestID,
		ParentID:      req.CircuitBreaker.ParentRequestID,
		Content:       req.content(),
		PriorContents: nil,
		MaxDepth:      req.CircuitBreaker.MaxDepth,
		TokenBudget:   req.CircuitBreaker.TokenBudget,
		TimeWindow:    time.Duration(req.CircuitBreaker.TimeWindowS * float64(time.Second)),
	})
	if blocked {
		if s.metrics != nil {
			s.metrics.RecordCircuitBreakerBlock(reason.Check)
		}
		return EnqueueResult{Status: "blocked", BlockReason: reason}
	}

	s.mu.Lock()
	q, ok := s.queues[req.SessionID]
	if !ok {
		q = NewSessionQueue()
		s.queues[req.SessionID] = q
	}
	s.status[req.RequestID] = StatusQueued
	q.Push(req)
	depth := q.Len()
	needsWorker := !s.active[req.SessionID]
	if needsWorker {
		s.active[req.SessionID] = true
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetQueueDepth(req.SessionID, depth)
	}

	status := "queued"
	if depth == 1 && needsWorker {
		status = "ready"
	}

	if needsWorker {
		s.wg.Add(1)
		go s.runWorker(req.SessionID)
	}

	return EnqueueResult{Status: status, Priority: req.Priority, QueueDepth: depth}
}

// Cancel marks a queued request cancelled, or signals an in-flight
// provider invocation to terminate.
func (s *Scheduler) Cancel(requestID string) (status string, found bool) {
	s.mu.Lock()
	if cancel, ok := s.inflight[requestID]; ok {
		cancel()
		s.mu.Unlock()
		return "cancelling", true
	}
	queues := make([]*SessionQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		if q.Cancel(requestID) {
			return "cancelled", true
		}
	}
	return "", false
}

func (s *Scheduler) lockFor(sessionID string) *ConversationLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = NewConversationLock(sessionID)
		s.locks[sessionID] = l
	}
	return l
}

// runWorker drains sessionID's queue, one request at a time, holding
// the conversation lock for the full provider round trip.
func (s *Scheduler) runWorker(sessionID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[sessionID]
		closed := s.closed
		s.mu.Unlock()
		if closed || q == nil {
			s.stopWorker(sessionID)
			return
		}

		req, ok := q.Pop()
		if !ok {
			s.stopWorker(sessionID)
			return
		}
		if s.metrics != nil {
			s.metrics.SetQueueDepth(sessionID, q.Len())
			s.metrics.RecordQueueWait(s.now().Sub(req.EnqueuedAt).Seconds())
		}

		lock := s.lockFor(req.SessionID)
		lock.Acquire(req.RequestID)
		s.runOne(req, lock)
	}
}

func (s *Scheduler) stopWorker(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues[sessionID] == nil || s.queues[sessionID].Len() == 0 {
		delete(s.active, sessionID)
	}
}

func (s *Scheduler) runOne(req Request, lock *ConversationLock) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	s.mu.Lock()
	s.inflight[req.RequestID] = cancel
	s.status[req.RequestID] = StatusRunning
	s.mu.Unlock()

	start := s.now()
	s.slots <- struct{}{}
	pres, err := s.provider.Invoke(ctx, req)
	<-s.slots
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	delete(s.inflight, req.RequestID)
	s.mu.Unlock()
	cancel()

	result := Result{RequestID: req.RequestID, SessionID: req.SessionID}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimeout
		result.ErrorDetail = "provider request exceeded the configured timeout"
	case ctx.Err() == context.Canceled:
		result.Status = StatusCancelled
	case err != nil:
		result.Status = StatusError
		result.ErrorDetail = err.Error()
	case pres.IsError:
		result.Status = StatusError
		result.ErrorDetail = pres.ErrorMessage
	default:
		result.Status = StatusSuccess
		result.Content = pres.Content
		result.DurationMS = pres.DurationMS
		result.CostUSD = pres.CostUSD
	}
	if result.DurationMS == 0 {
		result.DurationMS = float64(elapsed.Milliseconds())
	}

	forkedSessionID := ""
	if result.Status == StatusSuccess && pres.SessionID != "" && pres.SessionID != req.SessionID {
		forkedSessionID = pres.SessionID
		result.Forked = true
		result.SessionID = pres.SessionID
	}

	s.persistResponse(req.SessionID, req, result)

	if s.metrics != nil {
		profile := req.Model
		s.metrics.RecordCompletion(profile, string(result.Status), elapsed.Seconds())
	}

	if forkedSessionID != "" {
		s.handleFork(req.SessionID, forkedSessionID, req.RequestID)
	}
	lock.Release(forkedSessionID != "")

	s.mu.Lock()
	s.status[req.RequestID] = result.Status
	s.mu.Unlock()

	s.mu.Lock()
	emit, sink := s.emit, s.sink
	s.mu.Unlock()
	if emit != nil {
		emit(context.Background(), result)
	}
	if sink != nil {
		sink.HandleResult(context.Background(), req, result)
	}
}

// handleFork records the new session's lock with a parent link back to
// the original, per spec S2: the original session's lock is left
// Forked (by the caller's Release(true)) and never shares state with
// the new session's lock.
func (s *Scheduler) handleFork(originalSessionID, newSessionID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig := s.locks[originalSessionID]
	if orig != nil {
		orig.ChildSessionIDs = append(orig.ChildSessionIDs, newSessionID)
	}
	newLock, ok := s.locks[newSessionID]
	if !ok {
		newLock = NewConversationLock(newSessionID)
		s.locks[newSessionID] = newLock
	}
	newLock.ParentSessionID = originalSessionID
	newLock.State = LockLocked
	newLock.HolderRequestID = requestID
	newLock.Release(false)
	if s.logger != nil {
		s.logger.Warn(context.Background(), "completion fork detected",
			"original_session_id", originalSessionID, "forked_session_id", newSessionID, "request_id", requestID)
	}
}

func (s *Scheduler) persistResponse(sessionID string, req Request, res Result) {
	if s.cfg.ResponsesDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.ResponsesDir, 0o755); err != nil {
		if s.logger != nil {
			s.logger.Error(context.Background(), "create responses dir failed", "error", err.Error())
		}
		return
	}
	path := filepath.Join(s.cfg.ResponsesDir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(context.Background(), "open responses file failed", "path", path, "error", err.Error())
		}
		return
	}
	defer f.Close()

	line, err := json.Marshal(map[string]any{
		"request_id": req.RequestID,
		"session_id": res.SessionID,
		"status":     res.Status,
		"content":    res.Content,
		"duration_ms": res.DurationMS,
		"total_cost_usd": res.CostUSD,
		"error":      res.ErrorDetail,
		"timestamp":  float64(s.now().UnixNano()) / 1e9,
	})
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil && s.logger != nil {
		s.logger.Error(context.Background(), "write response line failed", "path", path, "error", err.Error())
	}
}

// Shutdown cancels every in-flight provider invocation, waits up to the
// configured grace period for workers to exit, then marks the
// scheduler closed so no further worker starts.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-grace.Done():
		return fmt.Errorf("completion scheduler: workers still draining after grace period")
	}
}

// LockSnapshot exposes a session's conversation lock state for
// introspection/monitoring handlers.
type LockSnapshot struct {
	SessionID       string
	State           LockState
	HolderRequestID string
	QueueDepth      int
	ParentSessionID string
	ChildSessionIDs []string
}

// Lock returns a point-in-time snapshot of sessionID's lock, if any.
func (s *Scheduler) Lock(sessionID string) (LockSnapshot, bool) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	s.mu.Unlock()
	if !ok {
		return LockSnapshot{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return LockSnapshot{
		SessionID:       l.SessionID,
		State:           l.State,
		HolderRequestID: l.HolderRequestID,
		QueueDepth:      len(l.waiters),
		ParentSessionID: l.ParentSessionID,
		ChildSessionIDs: append([]string{}, l.ChildSessionIDs...),
	}, true
}

// QueueDepth reports the current non-cancelled queue length for a
// session.
func (s *Scheduler) QueueDepth(sessionID string) int {
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}
