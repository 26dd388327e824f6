package handlers

import (
	"errors"

	"github.com/ksi-project/ksid/internal/agent"
	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/router"
	"github.com/ksi-project/ksid/internal/sandbox"
)

type agentSpawnParams struct {
	AgentID           string         `json:"agent_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	ParentAgentID     string         `json:"parent_agent_id,omitempty"`
	OrchestrationID   string         `json:"orchestration_id,omitempty"`
	Profile           string         `json:"profile,omitempty"`
	Composition       string         `json:"composition,omitempty"`
	CompositionVars   map[string]any `json:"composition_vars,omitempty"`
	PermissionProfile string         `json:"permission_profile,omitempty"`
	CapabilityProfile string         `json:"capability_profile,omitempty"`
	InitialPrompt     string         `json:"initial_prompt,omitempty"`
	Model             string         `json:"model,omitempty"`

	SandboxConfig *struct {
		Mode         string `json:"mode,omitempty"`
		ParentShare  bool   `json:"parent_share,omitempty"`
		SessionShare bool   `json:"session_share,omitempty"`
	} `json:"sandbox_config,omitempty"`
}

type agentIDParams struct {
	AgentID string `json:"agent_id"`
	Force   bool   `json:"force,omitempty"`
}

type agentMessageParams struct {
	AgentID   string `json:"agent_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func agentRecord(a *agent.Agent) map[string]any {
	out := map[string]any{
		"agent_id":         a.ID,
		"session_id":       a.SessionID,
		"parent_agent_id":  a.ParentAgentID,
		"orchestration_id": a.OrchestrationID,
		"depth":            a.Depth,
		"profile":          a.Profile,
		"permission_level": string(a.PermissionLevel),
		"status":           string(a.Status),
		"created_at":       a.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if a.Sandbox != nil {
		out["sandbox"] = map[string]any{
			"path": a.Sandbox.Path,
			"mode": string(a.Sandbox.Mode),
		}
	}
	if len(a.Capabilities.AllowedEvents) > 0 {
		out["allowed_events"] = a.Capabilities.AllowedEvents
		out["allowed_tools"] = a.Capabilities.AllowedTools
		out["expanded_capabilities"] = a.Capabilities.ExpandedCapabilities
	}
	return out
}

func registerAgent(d *Deps) {
	register(d, "agent:spawn", "Spawn an agent from a composed profile.", agentSpawnParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentSpawnParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}

			req := agent.SpawnRequest{
				AgentID:           p.AgentID,
				SessionID:         p.SessionID,
				ParentAgentID:     p.ParentAgentID,
				OrchestrationID:   p.OrchestrationID,
				PermissionLevel:   permission.Level(p.PermissionProfile),
				CapabilityProfile: p.CapabilityProfile,
				CompositionName:   p.Composition,
				CompositionVars:   p.CompositionVars,
				InitialPrompt:     p.InitialPrompt,
				Model:             p.Model,
			}
			if req.CompositionName == "" {
				req.CompositionName = p.Profile
			}
			if p.SandboxConfig != nil {
				req.SandboxMode = sandbox.Mode(p.SandboxConfig.Mode)
				req.SandboxParentShare = p.SandboxConfig.ParentShare
				req.SandboxSessionShare = p.SandboxConfig.SessionShare
			}

			a, err := d.Agents.Spawn(rctx.Context, req)
			if err != nil {
				switch {
				case errors.Is(err, agent.ErrPermissionEscalation):
					return map[string]any{
						"status": "refused",
						"reason": "permission_escalation",
						"detail": err.Error(),
					}, nil
				case errors.Is(err, agent.ErrDuplicateID):
					return map[string]any{
						"status": "refused",
						"reason": "duplicate_agent_id",
						"detail": err.Error(),
					}, nil
				}
				return nil, err
			}
			out := agentRecord(a)
			out["status"] = "spawned"
			return out, nil
		})

	register(d, "agent:terminate", "Terminate an agent and remove its sandbox.", agentIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}
			if err := d.Agents.Terminate(rctx.Context, p.AgentID, p.Force); err != nil {
				if errors.Is(err, agent.ErrNotFound) {
					return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
				}
				if errors.Is(err, sandbox.ErrHasChildren) {
					return map[string]any{"status": "refused", "reason": "has_children", "agent_id": p.AgentID}, nil
				}
				return nil, err
			}
			return map[string]any{"status": "terminated", "agent_id": p.AgentID}, nil
		})

	register(d, "agent:send_message", "Enqueue a message on an agent's session.", agentMessageParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentMessageParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}
			if p.Message == "" {
				return nil, errMissing("message")
			}
			res, err := d.Agents.SendMessage(rctx.Context, agent.SendMessageRequest{
				AgentID:   p.AgentID,
				Message:   p.Message,
				Model:     p.Model,
				MaxTokens: p.MaxTokens,
			})
			if err != nil {
				if errors.Is(err, agent.ErrNotFound) {
					return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
				}
				return nil, err
			}
			return map[string]any{"status": res.Status, "queue_depth": res.QueueDepth}, nil
		})

	register(d, "agent:status", "Return an agent's record, or every agent when no id is given.", agentIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				agents := d.Agents.List()
				out := make([]map[string]any, 0, len(agents))
				for _, a := range agents {
					out = append(out, agentRecord(a))
				}
				return map[string]any{"agents": out, "count": len(out)}, nil
			}
			a, ok := d.Agents.Status(p.AgentID)
			if !ok {
				return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
			}
			return agentRecord(a), nil
		})
}
