package composition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// declSchema validates the shape of a composition declaration submitted
// through composition:create or composition:validate before it is ever
// written to disk or resolved.
const declSchema = `{
	"type": "object",
	"required": ["name", "type"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"type": {"enum": ["component", "persona", "behavior", "orchestration", "evaluation", "tool", "profile", "prompt"]},
		"version": {"type": "string"},
		"description": {"type": "string"},
		"extends": {"type": "string"},
		"mixins": {"type": "array", "items": {"type": "string"}},
		"components": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"source": {"type": "string"},
					"composition": {"type": "string"},
					"inline": {"type": "object"},
					"template": {"type": "string"},
					"vars": {"type": "object"},
					"condition": {"type": "string"},
					"conditions": {
						"type": "object",
						"properties": {
							"all_of": {"type": "array", "items": {"type": "string"}},
							"any_of": {"type": "array", "items": {"type": "string"}},
							"none_of": {"type": "array", "items": {"type": "string"}}
						}
					}
				}
			}
		},
		"variables": {"type": "object"},
		"metadata": {"type": "object"}
	}
}`

var compiledDeclSchema = jsonschema.MustCompileString("composition.schema.json", declSchema)

// Service fronts the loader, index, and resolver for the composition:*
// handlers. Concurrent Get calls for the same (name, kind) during a
// cold lookup are collapsed through a singleflight group, so a burst of
// agent spawns sharing one profile parses its file once.
type Service struct {
	Loader   *Loader
	Index    *Index
	Resolver *Resolver

	group singleflight.Group
}

// NewService wires a Service over root's composition tree and the index
// at dbPath.
func NewService(loader *Loader, index *Index) *Service {
	return &Service{Loader: loader, Index: index, Resolver: NewResolver(loader)}
}

// Get loads (name, kind), preferring the indexed file path when the
// index knows the name.
func (s *Service) Get(name string, kind Kind) (*Composition, error) {
	v, err, _ := s.group.Do(string(kind)+"\x00"+name, func() (any, error) {
		if s.Index != nil {
			if row, ok, err := s.Index.Get(name); err == nil && ok {
				return s.Loader.Load(row.FilePath)
			}
		}
		return s.Loader.LoadByName(name, kind)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Composition), nil
}

// Compose resolves (name, kind) against vars.
func (s *Service) Compose(name string, kind Kind, vars map[string]any) (map[string]any, error) {
	c, err := s.Get(name, kind)
	if err != nil {
		return nil, err
	}
	return s.Resolver.Resolve(c, vars)
}

// List returns indexed compositions, optionally filtered by kind.
func (s *Service) List(kind Kind) ([]IndexRow, error) {
	return s.Index.List(kind)
}

// Rebuild re-walks the composition tree into the index.
func (s *Service) Rebuild() (int, error) {
	return s.Index.Rebuild()
}

// Validate checks decl against the composition declaration schema.
func (s *Service) Validate(decl map[string]any) error {
	if err := compiledDeclSchema.Validate(decl); err != nil {
		return fmt.Errorf("composition declaration invalid: %w", err)
	}
	return nil
}

// Create validates decl, writes it as a YAML file under the tree, and
// indexes it. An existing composition of the same name is refused
// unless overwrite is set.
func (s *Service) Create(decl map[string]any, overwrite bool) (string, error) {
	if err := s.Validate(decl); err != nil {
		return "", err
	}
	name, _ := decl["name"].(string)
	kindStr, _ := decl["type"].(string)
	kind := Kind(kindStr)

	if !overwrite {
		if _, ok, err := s.Index.Get(name); err != nil {
			return "", err
		} else if ok {
			return "", fmt.Errorf("composition %q already exists", name)
		}
	}

	dir := TypeDirs[kind]
	if dir == "" {
		dir = "components"
	}
	path := filepath.Join(s.Loader.Root, dir, name+".yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create composition dir: %w", err)
	}

	out, err := yaml.Marshal(decl)
	if err != nil {
		return "", fmt.Errorf("marshal composition: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write composition: %w", err)
	}
	if _, err := s.Index.IndexFile(path); err != nil {
		return "", err
	}
	// A create invalidates any collapsed in-flight load of the same name.
	s.group.Forget(string(kind) + "\x00" + name)
	return path, nil
}

// ResolveDecl resolves an unsaved declaration, used by
// composition:validate to prove the submitted declaration actually
// resolves (schema-valid but cyclic declarations fail here).
func (s *Service) ResolveDecl(decl map[string]any, vars map[string]any) (map[string]any, error) {
	c, err := declToComposition(decl)
	if err != nil {
		return nil, err
	}
	return s.Resolver.Resolve(c, vars)
}

func declToComposition(decl map[string]any) (*Composition, error) {
	raw, err := yaml.Marshal(decl)
	if err != nil {
		return nil, err
	}
	var c Composition
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode composition declaration: %w", err)
	}
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("composition declaration missing name")
	}
	return &c, nil
}
