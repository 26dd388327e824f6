package sandbox

import "strings"

// EnforcementMode determines which agents get sandboxes.
type EnforcementMode string

const (
	// EnforceOff disables sandbox creation entirely.
	EnforceOff EnforcementMode = "off"
	// EnforceAll sandboxes every spawned agent.
	EnforceAll EnforcementMode = "all"
	// EnforceNonMain sandboxes only child agents; a root agent (no
	// parent) runs unsandboxed.
	EnforceNonMain EnforcementMode = "non-main"
)

// Scope determines how sandbox directories are shared.
type Scope string

const (
	// ScopeAgent gives each agent its own sandbox.
	ScopeAgent Scope = "agent"
	// ScopeSession defaults agents to the session-shared directory.
	ScopeSession Scope = "session"
	// ScopeShared defaults every sandbox to shared mode.
	ScopeShared Scope = "shared"
)

// Policy is the daemon-level sandbox enforcement decision, resolved
// once from configuration and consulted on every spawn.
type Policy struct {
	Enabled bool
	Mode    EnforcementMode
	Scope   Scope
}

// ResolvePolicy normalizes configuration strings into a Policy,
// defaulting to non-main enforcement with per-agent scope.
func ResolvePolicy(enabled bool, mode, scope string) Policy {
	p := Policy{Enabled: enabled, Mode: EnforceNonMain, Scope: ScopeAgent}
	switch EnforcementMode(strings.ToLower(strings.TrimSpace(mode))) {
	case EnforceOff:
		p.Mode = EnforceOff
	case EnforceAll:
		p.Mode = EnforceAll
	case EnforceNonMain:
		p.Mode = EnforceNonMain
	}
	switch Scope(strings.ToLower(strings.TrimSpace(scope))) {
	case ScopeSession:
		p.Scope = ScopeSession
	case ScopeShared:
		p.Scope = ScopeShared
	case ScopeAgent:
		p.Scope = ScopeAgent
	}
	return p
}

// ShouldSandbox reports whether an agent with the given parent needs a
// sandbox under this policy.
func (p Policy) ShouldSandbox(parentAgentID string) bool {
	if !p.Enabled || p.Mode == EnforceOff {
		return false
	}
	if p.Mode == EnforceNonMain {
		return parentAgentID != ""
	}
	return true
}

// DefaultMode is the isolation mode used when a spawn request does not
// name one.
func (p Policy) DefaultMode() Mode {
	switch p.Scope {
	case ScopeSession, ScopeShared:
		return ModeShared
	default:
		return ModeIsolated
	}
}

// DefaultSessionShare reports whether sandboxes should link the
// session-shared directory by default under this policy.
func (p Policy) DefaultSessionShare() bool {
	return p.Scope == ScopeSession || p.Scope == ScopeShared
}
