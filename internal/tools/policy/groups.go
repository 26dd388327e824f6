package policy

// ToolGroups are named sets of host tools. Group names carry a
// "group:" prefix so a policy entry can mix group references and bare
// tool names in one list.
var ToolGroups = map[string][]string{
	// Filesystem tools, scoped to the agent's sandbox.
	"group:fs": {"read", "write", "edit", "glob", "grep"},

	// Tools that mutate filesystem state; subtracted from readonly
	// sandboxes.
	"group:mutating": {"write", "edit", "bash"},

	// Process execution inside the sandbox.
	"group:runtime": {"bash"},

	// Completion and conversation tools.
	"group:messaging": {"completion", "send_message"},

	// Daemon state access.
	"group:state": {"state_get", "state_set", "queue_push", "queue_pop"},

	// Agent lifecycle control.
	"group:agents": {"spawn_agent", "terminate_agent", "agent_status"},

	// Composition and injection control.
	"group:orchestration": {"compose", "inject"},

	// Safe tools that never modify daemon or filesystem state.
	"group:readonly": {"read", "glob", "grep", "state_get", "agent_status"},

	// The whole host-tool surface.
	"group:all": {
		"read", "write", "edit", "glob", "grep",
		"bash",
		"completion", "send_message",
		"state_get", "state_set", "queue_push", "queue_pop",
		"spawn_agent", "terminate_agent", "agent_status",
		"compose", "inject",
	},
}

// ProfilePolicies maps the five capability profiles onto their default
// tool policies, so one profile name drives both the event surface
// (capability.go) and the tool surface.
var ProfilePolicies = map[Profile]*Policy{
	ProfileMinimal:      {Profile: ProfileMinimal, Allow: []string{"agent_status"}},
	ProfileObserver:     {Profile: ProfileObserver, Allow: []string{"group:readonly"}},
	ProfileCommunicator: {Profile: ProfileCommunicator, Allow: []string{"group:readonly", "group:messaging", "state_set"}},
	ProfileCoordinator:  {Profile: ProfileCoordinator, Allow: []string{"group:fs", "group:messaging", "group:state", "group:agents"}},
	ProfileOrchestrator: {Profile: ProfileOrchestrator, Allow: []string{"group:all"}},
}

// ExpandGroups expands group references in a tool list to their
// constituent tools, passing bare tool names through and deduplicating
// the result in first-seen order.
func ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)
	for _, item := range items {
		if tools, ok := ToolGroups[item]; ok {
			for _, tool := range tools {
				if !seen[tool] {
					seen[tool] = true
					result = append(result, tool)
				}
			}
			continue
		}
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}

// GetProfilePolicy returns the default policy for a capability profile
// name, or nil when the name is unknown.
func GetProfilePolicy(name string) *Policy {
	return ProfilePolicies[Profile(normalizeName(name))]
}

// ListGroups returns every group name.
func ListGroups() []string {
	groups := make([]string, 0, len(ToolGroups))
	for name := range ToolGroups {
		groups = append(groups, name)
	}
	sortStrings(groups)
	return groups
}

// IsGroup reports whether name is a group reference.
func IsGroup(name string) bool {
	_, ok := ToolGroups[name]
	return ok
}

// GetGroupTools returns a copy of a group's tool list, or nil for an
// unknown group.
func GetGroupTools(name string) []string {
	tools, ok := ToolGroups[name]
	if !ok {
		return nil
	}
	result := make([]string, len(tools))
	copy(result, tools)
	return result
}
