package handlers

import (
	"errors"

	"github.com/ksi-project/ksid/internal/agent"
	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/router"
)

type permissionShape struct {
	Level string `json:"level,omitempty"`
	Tools struct {
		Allowed    []string `json:"allowed,omitempty"`
		Disallowed []string `json:"disallowed,omitempty"`
	} `json:"tools,omitempty"`
	Filesystem struct {
		ReadPaths  []string `json:"read_paths,omitempty"`
		WritePaths []string `json:"write_paths,omitempty"`
	} `json:"filesystem,omitempty"`
	Resources struct {
		MaxTokens int `json:"max_tokens,omitempty"`
		TimeoutS  int `json:"timeout_s,omitempty"`
	} `json:"resources,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

type getProfileParams struct {
	Level string `json:"level"`
}

type setAgentParams struct {
	AgentID     string           `json:"agent_id"`
	Level       string           `json:"level,omitempty"`
	Permissions *permissionShape `json:"permissions,omitempty"`
	Overrides   *struct {
		ToolsAllowedAdd    []string `json:"tools_allowed_add,omitempty"`
		ToolsAllowedRemove []string `json:"tools_allowed_remove,omitempty"`
		ToolsDisallowedAdd []string `json:"tools_disallowed_add,omitempty"`
		FilesystemReadAdd  []string `json:"filesystem_read_paths_add,omitempty"`
		FilesystemWriteAdd []string `json:"filesystem_write_paths_add,omitempty"`
		Resources          struct {
			MaxTokens int `json:"max_tokens,omitempty"`
			TimeoutS  int `json:"timeout_s,omitempty"`
		} `json:"resources,omitempty"`
	} `json:"overrides,omitempty"`
}

type validateSpawnParams struct {
	ParentAgentID string           `json:"parent_agent_id,omitempty"`
	ParentLevel   string           `json:"parent_level,omitempty"`
	Child         *permissionShape `json:"child"`
}

func permsToShape(p permission.Permissions) map[string]any {
	return map[string]any{
		"level": string(p.Level),
		"tools": map[string]any{
			"allowed":    p.Tools.Allowed,
			"disallowed": p.Tools.Disallowed,
		},
		"filesystem": map[string]any{
			"read_paths":  p.Filesystem.ReadPaths,
			"write_paths": p.Filesystem.WritePaths,
		},
		"resources": map[string]any{
			"max_tokens": p.Resources.MaxTokens,
			"timeout_s":  p.Resources.TimeoutS,
		},
		"capabilities": p.Capabilities,
	}
}

func shapeToPerms(s *permissionShape) permission.Permissions {
	return permission.Permissions{
		Level: permission.Level(s.Level),
		Tools: permission.Tools{
			Allowed:    s.Tools.Allowed,
			Disallowed: s.Tools.Disallowed,
		},
		Filesystem: permission.Filesystem{
			ReadPaths:  s.Filesystem.ReadPaths,
			WritePaths: s.Filesystem.WritePaths,
		},
		Resources: permission.Resources{
			MaxTokens: s.Resources.MaxTokens,
			TimeoutS:  s.Resources.TimeoutS,
		},
		Capabilities: s.Capabilities,
	}
}

func registerPermission(d *Deps) {
	register(d, "permission:get_profile", "Return a named permission profile's defaults.", getProfileParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p getProfileParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Level == "" {
				return nil, errMissing("level")
			}
			perms, ok := permission.DefaultProfiles[permission.Level(p.Level)]
			if !ok {
				return map[string]any{"found": false, "level": p.Level}, nil
			}
			out := permsToShape(perms)
			out["found"] = true
			return out, nil
		})

	register(d, "permission:list_profiles", "List the available permission levels.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			levels := []string{
				string(permission.LevelRestricted),
				string(permission.LevelStandard),
				string(permission.LevelTrusted),
				string(permission.LevelResearcher),
			}
			return map[string]any{"levels": levels}, nil
		})

	register(d, "permission:get_agent", "Return an agent's effective permissions.", agentIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p agentIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}
			a, ok := d.Agents.Status(p.AgentID)
			if !ok {
				return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
			}
			out := permsToShape(a.Permissions)
			out["agent_id"] = p.AgentID
			return out, nil
		})

	register(d, "permission:set_agent", "Replace or adjust an agent's effective permissions.", setAgentParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p setAgentParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.AgentID == "" {
				return nil, errMissing("agent_id")
			}

			var perms permission.Permissions
			switch {
			case p.Permissions != nil:
				perms = shapeToPerms(p.Permissions)
			case p.Level != "":
				var overrides *permission.Overrides
				if p.Overrides != nil {
					overrides = &permission.Overrides{
						ToolsAllowedAdd:    p.Overrides.ToolsAllowedAdd,
						ToolsAllowedRemove: p.Overrides.ToolsAllowedRemove,
						ToolsDisallowedAdd: p.Overrides.ToolsDisallowedAdd,
						FilesystemReadAdd:  p.Overrides.FilesystemReadAdd,
						FilesystemWriteAdd: p.Overrides.FilesystemWriteAdd,
						Resources: permission.Resources{
							MaxTokens: p.Overrides.Resources.MaxTokens,
							TimeoutS:  p.Overrides.Resources.TimeoutS,
						},
					}
				}
				var err error
				perms, err = permission.Resolve(permission.Level(p.Level), overrides)
				if err != nil {
					return nil, err
				}
			default:
				return nil, errMissing("permissions")
			}

			if err := d.Agents.SetPermissions(p.AgentID, perms); err != nil {
				if errors.Is(err, agent.ErrNotFound) {
					return map[string]any{"status": "not_found", "agent_id": p.AgentID}, nil
				}
				if errors.Is(err, agent.ErrPermissionEscalation) {
					return map[string]any{"status": "refused", "reason": "permission_escalation"}, nil
				}
				return nil, err
			}
			return map[string]any{"status": "set", "agent_id": p.AgentID}, nil
		})

	register(d, "permission:validate_spawn", "Check child permissions against a parent's profile.", validateSpawnParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p validateSpawnParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Child == nil {
				return nil, errMissing("child")
			}

			var parent permission.Permissions
			switch {
			case p.ParentAgentID != "":
				a, ok := d.Agents.Status(p.ParentAgentID)
				if !ok {
					return map[string]any{"status": "not_found", "agent_id": p.ParentAgentID}, nil
				}
				parent = a.Permissions
			case p.ParentLevel != "":
				var ok bool
				parent, ok = permission.DefaultProfiles[permission.Level(p.ParentLevel)]
				if !ok {
					return map[string]any{"status": "not_found", "level": p.ParentLevel}, nil
				}
			default:
				return nil, errMissing("parent_agent_id")
			}

			valid := permission.ValidateSpawn(parent, shapeToPerms(p.Child))
			return map[string]any{"valid": valid}, nil
		})
}
