package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandGroups(t *testing.T) {
	got := ExpandGroups([]string{"group:fs", "completion"})
	require.Equal(t, []string{"read", "write", "edit", "glob", "grep", "completion"}, got)

	// Bare names pass through; duplicates collapse.
	got = ExpandGroups([]string{"read", "group:fs", "read"})
	require.Equal(t, []string{"read", "write", "edit", "glob", "grep"}, got)
}

func TestDecideDenyWinsOverAllow(t *testing.T) {
	p := NewPolicy("").WithAllow("group:fs").WithDeny("write")
	require.True(t, IsAllowed(p, "read"))
	require.False(t, IsAllowed(p, "write"))
}

func TestDecideClosedWhenAllowListPresent(t *testing.T) {
	p := NewPolicy("").WithAllow("read")
	require.True(t, IsAllowed(p, "read"))
	require.False(t, IsAllowed(p, "bash"))
}

func TestDecideOpenWhenNoRules(t *testing.T) {
	require.True(t, IsAllowed(NewPolicy(""), "anything"))
	require.True(t, IsAllowed(nil, "anything"))
}

func TestDecideProfileDefaults(t *testing.T) {
	p := NewPolicy(ProfileObserver)
	require.True(t, IsAllowed(p, "read"))
	require.True(t, IsAllowed(p, "state_get"))
	require.False(t, IsAllowed(p, "write"))
	require.False(t, IsAllowed(p, "spawn_agent"))

	full := NewPolicy(ProfileOrchestrator)
	require.True(t, IsAllowed(full, "spawn_agent"))
}

func TestDecideWildcardEntries(t *testing.T) {
	p := NewPolicy("").WithAllow("state_*")
	require.True(t, IsAllowed(p, "state_get"))
	require.True(t, IsAllowed(p, "state_set"))
	require.False(t, IsAllowed(p, "read"))

	everything := NewPolicy("").WithAllow("*").WithDeny("bash")
	require.True(t, IsAllowed(everything, "read"))
	require.False(t, IsAllowed(everything, "bash"))
}

func TestMergeExpandsAndCombines(t *testing.T) {
	a := NewPolicy(ProfileObserver).WithAllow("group:messaging")
	b := NewPolicy("").WithDeny("send_message")
	merged := Merge(a, b)

	require.Equal(t, ProfileObserver, merged.Profile)
	require.Contains(t, merged.Allow, "completion")
	require.True(t, IsAllowed(merged, "completion"))
	require.False(t, IsAllowed(merged, "send_message"))
}

func TestFilterAllowedAndDenied(t *testing.T) {
	p := NewPolicy("").WithAllow("group:readonly")
	allowed := GetAllowed(p)
	require.Contains(t, allowed, "read")
	require.NotContains(t, allowed, "write")

	denied := GetDenied(p)
	require.Contains(t, denied, "write")
	require.NotContains(t, denied, "read")
}

func TestGetGroupToolsReturnsCopy(t *testing.T) {
	tools := GetGroupTools("group:fs")
	require.NotEmpty(t, tools)
	tools[0] = "mutated"
	require.NotEqual(t, "mutated", GetGroupTools("group:fs")[0])
}

func TestMutatingGroupSubsetOfAll(t *testing.T) {
	all := map[string]bool{}
	for _, tool := range GetGroupTools("group:all") {
		all[tool] = true
	}
	for _, tool := range GetGroupTools("group:mutating") {
		require.True(t, all[tool], "tool %q missing from group:all", tool)
	}
}

func TestReadonlyGroupHasNoMutatingTools(t *testing.T) {
	mutating := map[string]bool{}
	for _, tool := range GetGroupTools("group:mutating") {
		mutating[tool] = true
	}
	for _, tool := range GetGroupTools("group:readonly") {
		require.False(t, mutating[tool], "mutating tool %q in group:readonly", tool)
	}
}
