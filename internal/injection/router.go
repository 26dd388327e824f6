package injection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/observability"
)

// Namespace is the async-state queue namespace next-mode injections are
// parked under, keyed by target session id.
const Namespace = "injection"

// Enqueuer is the subset of *completion.Scheduler the router needs for
// direct-mode re-injection.
type Enqueuer interface {
	Enqueue(ctx context.Context, req completion.Request) completion.EnqueueResult
}

// StateQueue is the subset of *state.Store the router needs for
// next-mode (queued) re-injection.
type StateQueue interface {
	Push(ctx context.Context, namespace, key string, value any, ttlSeconds float64) error
	GetQueue(ctx context.Context, namespace, key string) ([]any, error)
	DeleteQueue(ctx context.Context, namespace, key string) error
}

// Item is one queued next-mode injection, as stored in the state queue
// and returned by List.
type Item struct {
	Content     string `json:"content"`
	Position    string `json:"position"`
	TriggerType string `json:"trigger_type"`
	EnqueuedAt  string `json:"enqueued_at"`
}

// Router re-injects completed completion content into a session's
// conversation, either as a fresh high-priority completion request
// (direct mode) or queued for the next real prompt (next mode).
type Router struct {
	enqueuer Enqueuer
	state    StateQueue
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// New constructs a Router.
func New(enqueuer Enqueuer, state StateQueue, logger *observability.Logger, metrics *observability.Metrics) *Router {
	return &Router{enqueuer: enqueuer, state: state, logger: logger, metrics: metrics, now: time.Now}
}

// HandleResult implements completion.ResultSink. It is invoked after
// every completion finishes; req.IsInjection guards against an
// injected request's own result triggering a further injection.
func (r *Router) HandleResult(ctx context.Context, req completion.Request, res completion.Result) {
	if req.IsInjection {
		return
	}
	cfg := req.InjectionConfig
	if !cfg.Enabled || res.Status != completion.StatusSuccess {
		return
	}

	targets := cfg.TargetSessions
	if len(targets) == 0 {
		targets = []string{res.SessionID}
	}
	composed := ComposeContent(Position(cfg.Position), cfg.TriggerType, cfg.Guidance, res.Content)

	for _, target := range targets {
		r.deliver(ctx, target, composed, cfg, req.RequestID)
	}
}

// Inject performs a one-off injection outside the completion-result
// pipeline, for the injection:inject handler.
type InjectRequest struct {
	Content         string
	Mode            string
	Position        Position
	TriggerType     string
	Guidance        string
	TargetSessions  []string
	TTLSeconds      float64
	ParentRequestID string
}

// Inject composes req.Content and delivers it to every target session
// per req.Mode, returning the number of sessions injected into.
func (r *Router) Inject(ctx context.Context, req InjectRequest) int {
	targets := req.TargetSessions
	composed := ComposeContent(req.Position, req.TriggerType, req.Guidance, req.Content)
	cfg := completion.InjectionConfig{
		Enabled:     true,
		Mode:        req.Mode,
		Position:    string(req.Position),
		TriggerType: req.TriggerType,
		Guidance:    req.Guidance,
		TTLSeconds:  req.TTLSeconds,
	}
	for _, target := range targets {
		r.deliver(ctx, target, composed, cfg, req.ParentRequestID)
	}
	return len(targets)
}

func (r *Router) deliver(ctx context.Context, target, composed string, cfg completion.InjectionConfig, parentRequestID string) {
	mode := cfg.Mode
	if mode == "" {
		mode = "next"
	}

	if mode == "direct" {
		r.enqueuer.Enqueue(ctx, completion.Request{
			RequestID:   uuid.NewString(),
			SessionID:   target,
			Prompt:      composed,
			Priority:    completion.PriorityInject,
			IsInjection: true,
			CircuitBreaker: completion.CircuitBreakerConfig{
				ParentRequestID: parentRequestID,
			},
		})
	} else {
		item := Item{
			Content:     composed,
			Position:    cfg.Position,
			TriggerType: cfg.TriggerType,
			EnqueuedAt:  r.now().UTC().Format(time.RFC3339Nano),
		}
		if err := r.state.Push(ctx, Namespace, target, item, cfg.TTLSeconds); err != nil && r.logger != nil {
			r.logger.Error(ctx, "injection: queue push failed", "session_id", target, "error", err.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.RecordInjection(mode, cfg.Position)
	}
}

// List returns the pending next-mode injections queued for sessionID,
// oldest first, without removing them.
func (r *Router) List(ctx context.Context, sessionID string) ([]any, error) {
	return r.state.GetQueue(ctx, Namespace, sessionID)
}

// Clear drops every pending next-mode injection queued for sessionID.
func (r *Router) Clear(ctx context.Context, sessionID string) error {
	return r.state.DeleteQueue(ctx, Namespace, sessionID)
}

// ApplyPending folds every pending next-mode injection for sessionID
// into prompt, in queue order, then clears the queue. Called by the
// completion handler immediately before building a new request.
func (r *Router) ApplyPending(ctx context.Context, sessionID, prompt string) (string, error) {
	items, err := r.state.GetQueue(ctx, Namespace, sessionID)
	if err != nil || len(items) == 0 {
		return prompt, err
	}
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		pos, _ := m["position"].(string)
		prompt = ApplyToPrompt(prompt, content, Position(pos))
	}
	if err := r.state.DeleteQueue(ctx, Namespace, sessionID); err != nil {
		return prompt, err
	}
	return prompt, nil
}
