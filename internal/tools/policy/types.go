// Package policy implements the capability resolver: it expands a named
// profile or an ad hoc requirement expression into the concrete
// (allowed_events, allowed_tools, expanded_capabilities) triple an agent
// spawn is authorized for.
package policy

import "strings"

// Profile names a pre-declared capability profile. Profiles are loaded from
// the capability system file alongside atoms, mixins, and tool groups.
type Profile string

const (
	// ProfileMinimal grants only health/help/discover events.
	ProfileMinimal Profile = "minimal"

	// ProfileObserver grants read-only introspection events.
	ProfileObserver Profile = "observer"

	// ProfileCommunicator grants messaging and completion events.
	ProfileCommunicator Profile = "communicator"

	// ProfileCoordinator grants agent spawn/terminate and state events.
	ProfileCoordinator Profile = "coordinator"

	// ProfileOrchestrator grants the full event surface.
	ProfileOrchestrator Profile = "orchestrator"
)

// Atom is an atomic capability: a named, indivisible set of events.
type Atom struct {
	Name   string
	Events []string
}

// Mixin is a composable capability that can depend on atoms or other
// mixins and contribute additional events beyond its dependencies.
type Mixin struct {
	Name             string
	Dependencies     []string // atom or mixin names
	AdditionalEvents []string
}

// ToolGroup is a named set of agent-facing tools (the profile's
// "claude_tools" groups in the capability system file).
type ToolGroup struct {
	Name  string
	Tools []string
}

// CapabilityProfile declares a profile's composition: inherited parent,
// atoms, mixins, extra events, and tool groups.
type CapabilityProfile struct {
	Name             string
	Inherits         string
	Atoms            []string
	Mixins           []string
	AdditionalEvents []string
	ToolGroups       []string
}

// Resolved is the output of resolving a profile or requirement expression:
// the concrete event/tool surface an agent is authorized for.
type Resolved struct {
	AllowedEvents         []string
	AllowedTools          []string
	ExpandedCapabilities  []string
	ProfileName           string
}

// Requirement is a structured requirement expression, the alternative to a
// bare profile name. The "all" special form selects the universe of a
// level (all atoms or all tool groups); Exclude subtracts members from it.
type Requirement struct {
	Profile    string
	Atoms      []string
	Mixins     []string
	ToolGroups []string
	All        string // "atoms" or "tool_groups", selects the universe of that level
	Exclude    []string
}

// LegacyTierMapping maps legacy permission tier names to structured
// profiles, applied at the resolver boundary before lookup.
var LegacyTierMapping = map[string]Profile{
	"restricted": ProfileObserver,
	"standard":   ProfileCommunicator,
	"trusted":    ProfileCoordinator,
	"researcher": ProfileOrchestrator,
}

// normalizeName lowercases and trims a capability, event, or tool name.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
