package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// capabilityFile mirrors lib/capabilities/ksi_capabilities.yaml.
type capabilityFile struct {
	Atoms map[string]struct {
		Events []string `yaml:"events"`
	} `yaml:"capabilities"`
	Mixins map[string]struct {
		Dependencies     []string `yaml:"dependencies"`
		AdditionalEvents []string `yaml:"additional_events"`
	} `yaml:"mixins"`
	ToolGroups map[string][]string `yaml:"claude_tools"`
	Profiles   map[string]struct {
		Inherits         string   `yaml:"inherits"`
		Atoms            []string `yaml:"capabilities"`
		Mixins           []string `yaml:"mixins"`
		AdditionalEvents []string `yaml:"additional_events"`
		ToolGroups       []string `yaml:"claude_tools"`
	} `yaml:"profiles"`
}

// LoadSystemFile parses the capability declaration file at path into a
// System. A missing file is not an error: callers fall back to
// DefaultSystem so a fresh var/ tree still resolves the built-in
// profiles.
func LoadSystemFile(path string) (*System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSystem(), nil
		}
		return nil, fmt.Errorf("policy: read capability file: %w", err)
	}

	var f capabilityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parse capability file %s: %w", path, err)
	}

	s := NewSystem()
	for name, a := range f.Atoms {
		key := normalizeName(name)
		s.Atoms[key] = Atom{Name: key, Events: a.Events}
	}
	for name, m := range f.Mixins {
		key := normalizeName(name)
		s.Mixins[key] = Mixin{Name: key, Dependencies: m.Dependencies, AdditionalEvents: m.AdditionalEvents}
	}
	for name, tools := range f.ToolGroups {
		key := normalizeName(name)
		s.ToolGroups[key] = ToolGroup{Name: key, Tools: tools}
	}
	for name, p := range f.Profiles {
		key := normalizeName(name)
		s.Profiles[key] = CapabilityProfile{
			Name:             key,
			Inherits:         p.Inherits,
			Atoms:            p.Atoms,
			Mixins:           p.Mixins,
			AdditionalEvents: p.AdditionalEvents,
			ToolGroups:       p.ToolGroups,
		}
	}
	if len(s.Profiles) == 0 {
		// A capability file with no profiles would leave every spawn
		// unresolvable; merge in the built-ins instead.
		def := DefaultSystem()
		for k, v := range def.Profiles {
			s.Profiles[k] = v
		}
		for k, v := range def.Atoms {
			if _, ok := s.Atoms[k]; !ok {
				s.Atoms[k] = v
			}
		}
		for k, v := range def.Mixins {
			if _, ok := s.Mixins[k]; !ok {
				s.Mixins[k] = v
			}
		}
		for k, v := range def.ToolGroups {
			if _, ok := s.ToolGroups[k]; !ok {
				s.ToolGroups[k] = v
			}
		}
	}
	return s, nil
}
