package policy

import "strings"

// Decision explains one allow/deny verdict.
type Decision struct {
	Allowed bool
	Rule    string // the allow/deny entry that matched, or "" for the default
}

// Decide evaluates toolName against policy: explicit denies win, then
// explicit allows, then the profile default. A policy with no allow
// list and no profile allows everything not denied.
func Decide(policy *Policy, toolName string) Decision {
	if policy == nil {
		return Decision{Allowed: true}
	}
	name := NormalizeTool(toolName)

	if rule, ok := matchList(policy.Deny, name); ok {
		return Decision{Allowed: false, Rule: rule}
	}
	if rule, ok := matchList(policy.Allow, name); ok {
		return Decision{Allowed: true, Rule: rule}
	}

	if base := ProfilePolicies[policy.Profile]; base != nil && base != policy {
		if rule, ok := matchList(base.Allow, name); ok {
			return Decision{Allowed: true, Rule: rule}
		}
		// A profile with an allow list is closed: anything unmatched is
		// denied.
		if len(base.Allow) > 0 || len(policy.Allow) > 0 {
			return Decision{Allowed: false}
		}
		return Decision{Allowed: true}
	}

	if len(policy.Allow) > 0 {
		return Decision{Allowed: false}
	}
	return Decision{Allowed: true}
}

// IsAllowed is Decide without the matched-rule detail.
func IsAllowed(policy *Policy, toolName string) bool {
	return Decide(policy, toolName).Allowed
}

// matchList checks name against entries, expanding group references and
// honoring a trailing "*" wildcard on bare entries.
func matchList(entries []string, name string) (string, bool) {
	for _, entry := range entries {
		if IsGroup(entry) {
			for _, tool := range ToolGroups[entry] {
				if NormalizeTool(tool) == name {
					return entry, true
				}
			}
			continue
		}
		if matchToolPattern(NormalizeTool(entry), name) {
			return entry, true
		}
	}
	return "", false
}

// matchToolPattern matches a bare tool entry against a name. "*"
// matches everything; "state_*" matches by prefix.
func matchToolPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// FilterAllowed returns the subset of tools the policy permits,
// preserving order.
func FilterAllowed(policy *Policy, tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if IsAllowed(policy, t) {
			out = append(out, t)
		}
	}
	return out
}

// GetAllowed returns the concrete tools the policy permits out of the
// full registered surface.
func GetAllowed(policy *Policy) []string {
	return FilterAllowed(policy, GetGroupTools("group:all"))
}

// GetDenied returns the concrete tools the policy refuses out of the
// full registered surface.
func GetDenied(policy *Policy) []string {
	all := GetGroupTools("group:all")
	out := make([]string, 0, len(all))
	for _, t := range all {
		if !IsAllowed(policy, t) {
			out = append(out, t)
		}
	}
	return out
}

// Merge combines policies left to right: later allow entries extend the
// allow set, later deny entries extend the deny set, and the last
// non-empty profile wins.
func Merge(policies ...*Policy) *Policy {
	merged := &Policy{}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if p.Profile != "" {
			merged.Profile = p.Profile
		}
		merged.Allow = append(merged.Allow, p.Allow...)
		merged.Deny = append(merged.Deny, p.Deny...)
	}
	merged.Allow = ExpandGroups(merged.Allow)
	merged.Deny = ExpandGroups(merged.Deny)
	return merged
}

// NewPolicy returns an empty policy on a profile base.
func NewPolicy(profile Profile) *Policy {
	return &Policy{Profile: profile}
}

// WithAllow appends allow entries, returning the policy for chaining.
func (p *Policy) WithAllow(tools ...string) *Policy {
	p.Allow = append(p.Allow, tools...)
	return p
}

// WithDeny appends deny entries, returning the policy for chaining.
func (p *Policy) WithDeny(tools ...string) *Policy {
	p.Deny = append(p.Deny, tools...)
	return p
}
