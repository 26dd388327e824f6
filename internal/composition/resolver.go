package composition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrCycle is returned when extends/mixins/nested-component resolution
// revisits a composition already on the current resolution path.
type ErrCycle struct {
	Name string
	Path []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("composition cycle detected at %q (path: %s)", e.Name, strings.Join(e.Path, " -> "))
}

// Source resolves a composition by name, used for extends/mixins/nested
// component references. The Loader satisfies this directly.
type Source interface {
	LoadByName(name string, kind Kind) (*Composition, error)
}

// Resolver resolves a Composition into a plain object.
// Resolution is pure and memoless: repeated calls with the same
// composition and vars produce identical output.
type Resolver struct {
	Source Source
	Now    func() time.Time
}

// NewResolver constructs a Resolver reading compositions from src.
func NewResolver(src Source) *Resolver {
	return &Resolver{Source: src, Now: time.Now}
}

// Resolve fully resolves c against vars, detecting cycles across
// extends/mixins/nested components.
func (r *Resolver) Resolve(c *Composition, vars map[string]any) (map[string]any, error) {
	return r.resolveWithPath(c, vars, nil)
}

func (r *Resolver) resolveWithPath(c *Composition, vars map[string]any, path []string) (map[string]any, error) {
	if c == nil {
		return nil, fmt.Errorf("nil composition")
	}
	for _, p := range path {
		if p == c.Name {
			return nil, &ErrCycle{Name: c.Name, Path: append(append([]string{}, path...), c.Name)}
		}
	}
	path = append(append([]string{}, path...), c.Name)

	result := map[string]any{}

	// 1. extends
	if c.Extends != "" {
		parent, err := r.Source.LoadByName(c.Extends, c.Type)
		if err != nil {
			return nil, fmt.Errorf("resolve extends %q: %w", c.Extends, err)
		}
		base, err := r.resolveWithPath(parent, vars, path)
		if err != nil {
			return nil, err
		}
		for k, v := range base {
			if k == "_metadata" {
				continue
			}
			result[k] = v
		}
	}

	// 2. mixins, in order; maps deep-merge (mixin overrides), scalars last-wins
	for _, mixinName := range c.Mixins {
		mixin, err := r.Source.LoadByName(mixinName, c.Type)
		if err != nil {
			return nil, fmt.Errorf("resolve mixin %q: %w", mixinName, err)
		}
		resolvedMixin, err := r.resolveWithPath(mixin, vars, path)
		if err != nil {
			return nil, err
		}
		deepMerge(result, resolvedMixin)
	}

	// 3. variable defaults, overridden by caller-supplied vars
	effectiveVars := map[string]any{}
	for name, spec := range c.Variables {
		if spec.Default != nil {
			effectiveVars[name] = spec.Default
		}
	}
	for k, v := range vars {
		effectiveVars[k] = v
	}

	// 4. components, in declaration order
	for _, comp := range c.Components {
		selected, err := evaluateSelector(comp, effectiveVars)
		if err != nil {
			return nil, err
		}
		if !selected {
			continue
		}
		value, err := r.renderComponent(comp, effectiveVars, path)
		if err != nil {
			return nil, err
		}
		result[comp.Name] = value
	}

	result["_metadata"] = map[string]any{
		"composition":  c.Name,
		"type":         string(c.Type),
		"version":      c.Version,
		"resolved_at":  r.Now().UTC().Format(time.RFC3339),
	}
	return result, nil
}

func (r *Resolver) renderComponent(comp Component, vars map[string]any, path []string) (any, error) {
	switch {
	case comp.Composition != "":
		nested, err := r.Source.LoadByName(comp.Composition, "")
		if err != nil {
			return nil, fmt.Errorf("resolve nested composition %q: %w", comp.Composition, err)
		}
		nestedVars := mergeVars(vars, comp.Vars)
		return r.resolveWithPath(nested, nestedVars, path)
	case comp.Inline != nil:
		return substituteInline(comp.Inline, vars), nil
	case comp.Template != "":
		return substituteTemplate(comp.Template, vars), nil
	case comp.Source != "":
		// Fragment references are resolved by the caller's fragment
		// loader (plain files under the composition's directory); the
		// resolver records the reference itself when no loader is wired.
		return map[string]any{"_fragment_ref": comp.Source}, nil
	default:
		return nil, fmt.Errorf("component %q has no source/composition/inline/template", comp.Name)
	}
}

func mergeVars(base, override map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// deepMerge merges src into dst: overlapping maps merge recursively with
// src winning on conflicting scalar keys.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			if existingMap, ok1 := existing.(map[string]any); ok1 {
				if srcMap, ok2 := v.(map[string]any); ok2 {
					deepMerge(existingMap, srcMap)
					continue
				}
			}
		}
		dst[k] = v
	}
}

// evaluateSelector evaluates a component's single "condition" string or
// "conditions" block. An undefined variable evaluates to false.
func evaluateSelector(comp Component, vars map[string]any) (bool, error) {
	if comp.Condition != "" {
		return truthy(vars[comp.Condition]), nil
	}
	if comp.Conditions == nil {
		return true, nil
	}
	cnd := comp.Conditions
	if len(cnd.AllOf) > 0 {
		for _, name := range cnd.AllOf {
			if !truthy(vars[name]) {
				return false, nil
			}
		}
	}
	if len(cnd.AnyOf) > 0 {
		any := false
		for _, name := range cnd.AnyOf {
			if truthy(vars[name]) {
				any = true
				break
			}
		}
		if !any {
			return false, nil
		}
	}
	if len(cnd.NoneOf) > 0 {
		for _, name := range cnd.NoneOf {
			if truthy(vars[name]) {
				return false, nil
			}
		}
	}
	return true, nil
}

// truthy treats an undefined (nil) variable as false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// substituteTemplate performs pure string replacement of "{{var}}"
// occurrences using JSON-encoding for non-scalar values.
func substituteTemplate(tmpl string, vars map[string]any) string {
	return templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.TrimSpace(templateVarPattern.FindStringSubmatch(match)[1])
		v, ok := vars[name]
		if !ok {
			return match
		}
		return renderValue(v)
	})
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// substituteInline walks an inline object applying template
// substitution to every string leaf.
func substituteInline(obj map[string]any, vars map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = substituteValue(v, vars)
	}
	return out
}

func substituteValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return substituteTemplate(t, vars)
	case map[string]any:
		return substituteInline(t, vars)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substituteValue(e, vars)
		}
		return out
	default:
		return v
	}
}
