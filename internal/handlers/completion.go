package handlers

import (
	"strings"

	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/router"
)

type completionAsyncParams struct {
	RequestID string           `json:"request_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Prompt    string           `json:"prompt,omitempty"`
	Messages  []map[string]any `json:"messages,omitempty"`
	Model     string           `json:"model,omitempty"`
	Priority  string           `json:"priority,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`

	InjectionConfig *struct {
		Enabled        bool     `json:"enabled"`
		Mode           string   `json:"mode,omitempty"`
		Position       string   `json:"position,omitempty"`
		TargetSessions []string `json:"target_sessions,omitempty"`
		TriggerType    string   `json:"trigger_type,omitempty"`
		Guidance       string   `json:"guidance,omitempty"`
		TTLSeconds     float64  `json:"ttl_seconds,omitempty"`
	} `json:"injection_config,omitempty"`

	CircuitBreakerConfig *struct {
		ParentRequestID string  `json:"parent_request_id,omitempty"`
		MaxDepth        int     `json:"max_depth,omitempty"`
		TokenBudget     int     `json:"token_budget,omitempty"`
		TimeWindowS     float64 `json:"time_window_s,omitempty"`
	} `json:"circuit_breaker_config,omitempty"`
}

type completionCancelParams struct {
	RequestID string `json:"request_id"`
}

// parsePriority buckets the request-level priority names into the
// scheduler's two-level scheme: anything critical/high competes with
// injections, everything else is ordinary async work.
func parsePriority(name string) completion.Priority {
	switch strings.ToLower(name) {
	case "critical", "high", "inject":
		return completion.PriorityInject
	default:
		return completion.PriorityAsync
	}
}

func registerCompletion(d *Deps) {
	register(d, "completion:async", "Enqueue a completion on the per-session priority queue.", completionAsyncParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p completionAsyncParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Prompt == "" && len(p.Messages) == 0 {
				return nil, errMissing("prompt")
			}

			req := completion.Request{
				RequestID: p.RequestID,
				SessionID: p.SessionID,
				Prompt:    p.Prompt,
				Messages:  p.Messages,
				Model:     p.Model,
				Priority:  parsePriority(p.Priority),
				MaxTokens: p.MaxTokens,
			}
			if p.InjectionConfig != nil {
				req.InjectionConfig = completion.InjectionConfig{
					Enabled:        p.InjectionConfig.Enabled,
					Mode:           p.InjectionConfig.Mode,
					Position:       p.InjectionConfig.Position,
					TargetSessions: p.InjectionConfig.TargetSessions,
					TriggerType:    p.InjectionConfig.TriggerType,
					Guidance:       p.InjectionConfig.Guidance,
					TTLSeconds:     p.InjectionConfig.TTLSeconds,
				}
			}
			if p.CircuitBreakerConfig != nil {
				req.CircuitBreaker = completion.CircuitBreakerConfig{
					ParentRequestID: p.CircuitBreakerConfig.ParentRequestID,
					MaxDepth:        p.CircuitBreakerConfig.MaxDepth,
					TokenBudget:     p.CircuitBreakerConfig.TokenBudget,
					TimeWindowS:     p.CircuitBreakerConfig.TimeWindowS,
				}
			}

			// Fold queued next-mode injections into the prompt before the
			// request is scheduled (S5). Injected requests themselves skip
			// this so a direct-mode injection never consumes the queue.
			if d.Injections != nil && req.SessionID != "" && !req.IsInjection {
				prompt, err := d.Injections.ApplyPending(rctx.Context, req.SessionID, req.Prompt)
				if err == nil {
					req.Prompt = prompt
				}
			}

			res := d.Scheduler.Enqueue(rctx.Context, req)
			out := map[string]any{
				"status":      res.Status,
				"priority":    int(res.Priority),
				"queue_depth": res.QueueDepth,
			}
			if res.Status == "blocked" && res.BlockReason != nil {
				out["reason"] = "circuit_breaker"
				out["check"] = res.BlockReason.Check
				out["detail"] = res.BlockReason.Detail
				if res.BlockReason.CurrentDepth > 0 || res.BlockReason.Check == "ideation_depth" {
					out["current_depth"] = res.BlockReason.CurrentDepth
					out["max_depth"] = res.BlockReason.MaxDepth
				}
			}
			return out, nil
		})

	register(d, "completion:cancel", "Cancel a queued or in-flight completion.", completionCancelParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p completionCancelParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.RequestID == "" {
				return nil, errMissing("request_id")
			}
			status, found := d.Scheduler.Cancel(p.RequestID)
			if !found {
				return map[string]any{"status": "not_found", "request_id": p.RequestID}, nil
			}
			return map[string]any{"status": status, "request_id": p.RequestID}, nil
		})

	// completion:result is emitted by the scheduler; this handler keeps
	// the session scratch record current so state:session:get reflects
	// the latest output.
	register(d, "completion:result", "Record a finished completion's output on its session.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			sessionID, _ := data["session_id"].(string)
			if sessionID == "" || d.State == nil {
				return nil, nil
			}
			if status, _ := data["status"].(string); status == string(completion.StatusSuccess) {
				_ = d.State.SessionUpdate(rctx.Context, sessionID, data["result"])
			}
			return nil, nil
		})
}
