package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDefaultProfileRoundTrip(t *testing.T) {
	p, err := Resolve(LevelStandard, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultProfiles[LevelStandard].Tools.Allowed, p.Tools.Allowed)

	// Mutating the result must not leak back into DefaultProfiles.
	p.Tools.Allowed = append(p.Tools.Allowed, "extra")
	require.NotContains(t, DefaultProfiles[LevelStandard].Tools.Allowed, "extra")
}

func TestResolveAppliesOverrides(t *testing.T) {
	p, err := Resolve(LevelRestricted, &Overrides{
		ToolsAllowedAdd: []string{"write"},
		Resources:       Resources{MaxTokens: 9_000, TimeoutS: 10},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"read", "write"}, p.Tools.Allowed)
	require.Equal(t, 9_000, p.Resources.MaxTokens)
	// TimeoutS override (10) is below the restricted base (30); max-of keeps base.
	require.Equal(t, 30, p.Resources.TimeoutS)
}

func TestResolveUnknownLevel(t *testing.T) {
	_, err := Resolve(Level("bogus"), nil)
	require.Error(t, err)
}

// TestValidateSpawnRejectsToolEscalation is spec scenario S6: parent
// allows only "read"; child requests "write" added. validate_spawn
// must report false.
func TestValidateSpawnRejectsToolEscalation(t *testing.T) {
	parent := Permissions{
		Tools:      Tools{Allowed: []string{"read"}},
		Filesystem: Filesystem{ReadPaths: []string{"/workspace"}},
		Resources:  Resources{MaxTokens: 4_000, TimeoutS: 30},
	}
	child := parent
	child.Tools = Tools{Allowed: []string{"read", "write"}}

	require.False(t, ValidateSpawn(parent, child))
}

func TestValidateSpawnAllowsNarrowerChild(t *testing.T) {
	parent, err := Resolve(LevelTrusted, nil)
	require.NoError(t, err)
	child, err := Resolve(LevelStandard, nil)
	require.NoError(t, err)

	require.True(t, ValidateSpawn(parent, child))
}

func TestValidateSpawnRejectsFilesystemEscalation(t *testing.T) {
	parent := Permissions{
		Tools:      Tools{Allowed: []string{AllTools}},
		Filesystem: Filesystem{ReadPaths: []string{"/workspace/a"}},
		Resources:  Resources{MaxTokens: 10_000, TimeoutS: 60},
	}
	child := parent
	child.Filesystem = Filesystem{ReadPaths: []string{"/workspace/a", "/etc"}}

	require.False(t, ValidateSpawn(parent, child))
}

func TestValidateSpawnRejectsResourceEscalation(t *testing.T) {
	parent := Permissions{
		Tools:     Tools{Allowed: []string{AllTools}},
		Resources: Resources{MaxTokens: 1_000, TimeoutS: 60},
	}
	child := parent
	child.Resources.MaxTokens = 2_000

	require.False(t, ValidateSpawn(parent, child))
}

func TestValidateSpawnWildcardParentAllowsAnyChildTools(t *testing.T) {
	parent := Permissions{
		Tools:     Tools{Allowed: []string{AllTools}},
		Resources: Resources{MaxTokens: 1_000, TimeoutS: 60},
	}
	child := parent
	child.Tools = Tools{Allowed: []string{"read", "write", "agent_management"}}

	require.True(t, ValidateSpawn(parent, child))
}
