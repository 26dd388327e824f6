package policy

import "strings"

// Policy is a tool access rule set: a base Profile preset plus explicit
// allow/deny additions. This is the host-tool allow/deny layer the
// permission manager's Tools{Allowed,Disallowed} draws on when an
// agent's sandboxed runtime asks "may I invoke tool X". Deny always
// wins over allow.
type Policy struct {
	Profile Profile
	Allow   []string
	Deny    []string
}

// NormalizeTool lowercases and trims a tool name for comparison.
func NormalizeTool(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}
