package handlers

import (
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/router"
)

type injectParams struct {
	Content         string   `json:"content"`
	Mode            string   `json:"mode,omitempty"`
	Position        string   `json:"position,omitempty"`
	TriggerType     string   `json:"trigger_type,omitempty"`
	Guidance        string   `json:"guidance,omitempty"`
	TargetSessions  []string `json:"target_sessions"`
	TTLSeconds      float64  `json:"ttl_seconds,omitempty"`
	ParentRequestID string   `json:"parent_request_id,omitempty"`
}

type injectBatchParams struct {
	Injections []injectParams `json:"injections"`
}

type injectionSessionParams struct {
	SessionID string `json:"session_id"`
}

func registerInjection(d *Deps) {
	register(d, "injection:inject", "Deliver content to target sessions, direct or queued.", injectParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p injectParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Content == "" {
				return nil, errMissing("content")
			}
			if len(p.TargetSessions) == 0 {
				return nil, errMissing("target_sessions")
			}
			n := d.Injections.Inject(rctx.Context, injection.InjectRequest{
				Content:         p.Content,
				Mode:            p.Mode,
				Position:        injection.Position(p.Position),
				TriggerType:     p.TriggerType,
				Guidance:        p.Guidance,
				TargetSessions:  p.TargetSessions,
				TTLSeconds:      p.TTLSeconds,
				ParentRequestID: p.ParentRequestID,
			})
			return map[string]any{"status": "injected", "sessions": n}, nil
		})

	register(d, "injection:batch", "Deliver a batch of injections in order.", injectBatchParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p injectBatchParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if len(p.Injections) == 0 {
				return nil, errMissing("injections")
			}
			total := 0
			for _, inj := range p.Injections {
				if inj.Content == "" || len(inj.TargetSessions) == 0 {
					continue
				}
				total += d.Injections.Inject(rctx.Context, injection.InjectRequest{
					Content:         inj.Content,
					Mode:            inj.Mode,
					Position:        injection.Position(inj.Position),
					TriggerType:     inj.TriggerType,
					Guidance:        inj.Guidance,
					TargetSessions:  inj.TargetSessions,
					TTLSeconds:      inj.TTLSeconds,
					ParentRequestID: inj.ParentRequestID,
				})
			}
			return map[string]any{"status": "injected", "sessions": total}, nil
		})

	register(d, "injection:list", "List a session's pending next-mode injections.", injectionSessionParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p injectionSessionParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.SessionID == "" {
				return nil, errMissing("session_id")
			}
			items, err := d.Injections.List(rctx.Context, p.SessionID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"session_id": p.SessionID, "items": items, "count": len(items)}, nil
		})

	register(d, "injection:clear", "Drop a session's pending next-mode injections.", injectionSessionParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p injectionSessionParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.SessionID == "" {
				return nil, errMissing("session_id")
			}
			if err := d.Injections.Clear(rctx.Context, p.SessionID); err != nil {
				return nil, err
			}
			return map[string]any{"status": "cleared", "session_id": p.SessionID}, nil
		})
}
