// Package permission resolves permission profiles and enforces the
// parent/child spawn invariant: a spawned child can never exceed its
// parent's profile on any axis.
package permission

// Level is one of the four permission tiers.
type Level string

const (
	LevelRestricted Level = "restricted"
	LevelStandard   Level = "standard"
	LevelTrusted    Level = "trusted"
	LevelResearcher Level = "researcher"
)

// AllTools is the sentinel value meaning "every tool is allowed".
const AllTools = "*"

// Tools is the allow/disallow set for host tools.
type Tools struct {
	Allowed    []string // may be []string{AllTools}
	Disallowed []string
}

// Filesystem bounds the paths an agent may read from and write to.
type Filesystem struct {
	ReadPaths  []string
	WritePaths []string
}

// Resources caps scalar resource consumption.
type Resources struct {
	MaxTokens int
	TimeoutS  int
}

// Permissions is the resolved, effective profile for an agent.
type Permissions struct {
	Level        Level
	Tools        Tools
	Filesystem   Filesystem
	Resources    Resources
	Capabilities map[string]any
}

// Overrides is a structured delta applied to a base profile.
type Overrides struct {
	ToolsAllowedAdd      []string
	ToolsAllowedRemove   []string
	ToolsDisallowedAdd   []string
	FilesystemReadAdd    []string
	FilesystemWriteAdd   []string
	Resources            Resources
	Capabilities         map[string]any
}

// DefaultProfiles are the concrete per-level defaults, expressed in
// terms of KSI's own tool-group names.
var DefaultProfiles = map[Level]Permissions{
	LevelRestricted: {
		Level:      LevelRestricted,
		Tools:      Tools{Allowed: []string{"read"}},
		Filesystem: Filesystem{ReadPaths: []string{"./"}},
		Resources:  Resources{MaxTokens: 4_000, TimeoutS: 30},
	},
	LevelStandard: {
		Level:      LevelStandard,
		Tools:      Tools{Allowed: []string{"read", "write", "completion"}},
		Filesystem: Filesystem{ReadPaths: []string{"./"}, WritePaths: []string{"./"}},
		Resources:  Resources{MaxTokens: 16_000, TimeoutS: 120},
	},
	LevelTrusted: {
		Level:      LevelTrusted,
		Tools:      Tools{Allowed: []string{"read", "write", "completion", "agent_management", "state"}},
		Filesystem: Filesystem{ReadPaths: []string{"./"}, WritePaths: []string{"./"}},
		Resources:  Resources{MaxTokens: 64_000, TimeoutS: 300},
	},
	LevelResearcher: {
		Level:      LevelResearcher,
		Tools:      Tools{Allowed: []string{AllTools}},
		Filesystem: Filesystem{ReadPaths: []string{"./"}, WritePaths: []string{"./"}},
		Resources:  Resources{MaxTokens: 256_000, TimeoutS: 900},
	},
}
