package permission

import (
	"fmt"

	"github.com/ksi-project/ksid/internal/tools/policy"
)

// Resolve builds an effective Permissions from either a bare level name
// or a base level plus structured Overrides. Tool entries may name
// policy groups ("group:fs"); they are expanded to concrete tools here
// so the subset checks in ValidateSpawn compare like with like.
func Resolve(level Level, overrides *Overrides) (Permissions, error) {
	base, ok := DefaultProfiles[level]
	if !ok {
		return Permissions{}, fmt.Errorf("unknown permission level %q", level)
	}
	p := clone(base)
	if overrides != nil {
		applyOverrides(&p, overrides)
	}
	if !containsAll(p.Tools.Allowed) {
		p.Tools.Allowed = policy.ExpandGroups(p.Tools.Allowed)
	}
	p.Tools.Disallowed = policy.ExpandGroups(p.Tools.Disallowed)
	return p, nil
}

func clone(p Permissions) Permissions {
	out := Permissions{
		Level:      p.Level,
		Tools:      Tools{Allowed: append([]string{}, p.Tools.Allowed...), Disallowed: append([]string{}, p.Tools.Disallowed...)},
		Filesystem: Filesystem{ReadPaths: append([]string{}, p.Filesystem.ReadPaths...), WritePaths: append([]string{}, p.Filesystem.WritePaths...)},
		Resources:  p.Resources,
	}
	if p.Capabilities != nil {
		out.Capabilities = make(map[string]any, len(p.Capabilities))
		for k, v := range p.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}

// applyOverrides mutates p in place using these override semantics:
// tools.allowed_add/remove adjust the allowed set; tools.disallowed_add
// adds disallowed; filesystem.*_add unions in paths; resources scalars
// take the max of base and override; capabilities map-merge.
func applyOverrides(p *Permissions, o *Overrides) {
	p.Tools.Allowed = unionStrings(p.Tools.Allowed, o.ToolsAllowedAdd)
	p.Tools.Allowed = subtractStrings(p.Tools.Allowed, o.ToolsAllowedRemove)
	p.Tools.Disallowed = unionStrings(p.Tools.Disallowed, o.ToolsDisallowedAdd)

	p.Filesystem.ReadPaths = unionStrings(p.Filesystem.ReadPaths, o.FilesystemReadAdd)
	p.Filesystem.WritePaths = unionStrings(p.Filesystem.WritePaths, o.FilesystemWriteAdd)

	if o.Resources.MaxTokens > p.Resources.MaxTokens {
		p.Resources.MaxTokens = o.Resources.MaxTokens
	}
	if o.Resources.TimeoutS > p.Resources.TimeoutS {
		p.Resources.TimeoutS = o.Resources.TimeoutS
	}

	if len(o.Capabilities) > 0 {
		if p.Capabilities == nil {
			p.Capabilities = make(map[string]any, len(o.Capabilities))
		}
		for k, v := range o.Capabilities {
			p.Capabilities[k] = v
		}
	}
}

func unionStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	out := append([]string{}, base...)
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func subtractStrings(base, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, v := range remove {
		removeSet[v] = true
	}
	out := make([]string, 0, len(base))
	for _, v := range base {
		if !removeSet[v] {
			out = append(out, v)
		}
	}
	return out
}
