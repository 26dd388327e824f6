package handlers

import (
	"errors"

	"github.com/ksi-project/ksid/internal/router"
	"github.com/ksi-project/ksid/internal/sandbox"
)

type sandboxCreateParams struct {
	AgentID       string `json:"agent_id"`
	Mode          string `json:"mode,omitempty"`
	ParentAgentID string `json:"parent_agent_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	ParentShare   bool   `json:"parent_share,omitempty"`
	SessionShare  bool   `json:"session_share,omitempty"`
}

func sandboxRecord(sb *sandbox.Sandbox) map[string]any {
	return map[string]any{
		"agent_id":        sb.AgentID,
		"path":            sb.Path,
		"mode":            string(sb.Mode),
		"parent_agent_id": sb.ParentAgentID,
		"session_id":      sb.SessionID,
		"parent_share":    sb.ParentShare,
		"session_share":   sb.SessionShare,
	}
}

func registerSandbox(d *Deps) {
	register(d, "sandbox:create", "Provision a sandbox directory for an agent.", sandboxCreateParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p sandboxCreateParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}
			sb, err := d.Sandboxes.Create(p.AgentID, sandbox.CreateOptions{
				Mode:          sandbox.Mode(p.Mode),
				ParentAgentID: p.ParentAgentID,
				SessionID:     p.SessionID,
				ParentShare:   p.ParentShare,
				SessionShare:  p.SessionShare,
			})
			if err != nil {
				return nil, err
			}
			out := sandboxRecord(sb)
			out["status"] = "created"
			return out, nil
		})

	register(d, "sandbox:get", "Return an agent's sandbox record.", agentIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}
			sb, ok := d.Sandboxes.Get(p.AgentID)
			if !ok {
				return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
			}
			return sandboxRecord(sb), nil
		})

	register(d, "sandbox:remove", "Tear down an agent's sandbox.", agentIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}
			if err := d.Sandboxes.Remove(p.AgentID, p.Force); err != nil {
				if errors.Is(err, sandbox.ErrNotFound) {
					return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
				}
				if errors.Is(err, sandbox.ErrHasChildren) {
					return map[string]any{"status": "refused", "reason": "has_children", "agent_id": p.AgentID}, nil
				}
				return nil, err
			}
			return map[string]any{"status": "removed", "agent_id": p.AgentID}, nil
		})

	register(d, "sandbox:list", "List every live sandbox.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			sbs := d.Sandboxes.List()
			out := make([]map[string]any, 0, len(sbs))
			for _, sb := range sbs {
				out = append(out, sandboxRecord(sb))
			}
			return map[string]any{"sandboxes": out, "count": len(out)}, nil
		})

	register(d, "sandbox:stats", "Summarize the sandbox population.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			stats := d.Sandboxes.Stats()
			byMode := make(map[string]int, len(stats.ByMode))
			for mode, n := range stats.ByMode {
				byMode[string(mode)] = n
			}
			return map[string]any{
				"total":    stats.Total,
				"by_mode":  byMode,
				"sessions": stats.Sessions,
			}, nil
		})
}
