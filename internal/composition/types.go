// Package composition implements the recursive composition resolver:
// YAML/Markdown-with-frontmatter "components" with inheritance, mixins,
// conditional fragments, and variable substitution.
package composition

// Kind enumerates the composition's declared type.
type Kind string

const (
	KindComponent     Kind = "component"
	KindPersona       Kind = "persona"
	KindBehavior      Kind = "behavior"
	KindOrchestration Kind = "orchestration"
	KindEvaluation    Kind = "evaluation"
	KindTool          Kind = "tool"
	KindProfile       Kind = "profile"
	KindPrompt        Kind = "prompt"
)

// VariableSpec declares one of a composition's variables.
type VariableSpec struct {
	Type        string `yaml:"type,omitempty"`
	Default     any    `yaml:"default,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Conditions is the multi-clause gate on a Component ("conditions"
// block, as opposed to the single-string "condition" shorthand).
type Conditions struct {
	AllOf  []string `yaml:"all_of,omitempty"`
	AnyOf  []string `yaml:"any_of,omitempty"`
	NoneOf []string `yaml:"none_of,omitempty"`
}

// Component is one entry in a composition's ordered component list. It
// is exactly one of: a source-fragment reference (Source), a nested
// composition reference (Composition), an inline object (Inline), or an
// inline template string (Template).
type Component struct {
	Name        string         `yaml:"name"`
	Source      string         `yaml:"source,omitempty"`
	Composition string         `yaml:"composition,omitempty"`
	Inline      map[string]any `yaml:"inline,omitempty"`
	Template    string         `yaml:"template,omitempty"`
	Vars        map[string]any `yaml:"vars,omitempty"`
	Condition   string         `yaml:"condition,omitempty"`
	Conditions  *Conditions    `yaml:"conditions,omitempty"`
}

// Composition is the parsed, unresolved declaration.
type Composition struct {
	Name        string                  `yaml:"name"`
	Type        Kind                    `yaml:"type"`
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Extends     string                  `yaml:"extends,omitempty"`
	Mixins      []string                `yaml:"mixins,omitempty"`
	Components  []Component             `yaml:"components,omitempty"`
	Variables   map[string]VariableSpec `yaml:"variables,omitempty"`
	Metadata    map[string]any          `yaml:"metadata,omitempty"`

	// Body holds the markdown body when the source file is
	// Markdown-with-frontmatter; empty for pure YAML compositions.
	Body string `yaml:"-"`
}
