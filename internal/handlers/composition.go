package handlers

import (
	"github.com/ksi-project/ksid/internal/composition"
	"github.com/ksi-project/ksid/internal/router"
)

type compositionGetParams struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type compositionListParams struct {
	Type string `json:"type,omitempty"`
}

type compositionComposeParams struct {
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type compositionCreateParams struct {
	Composition map[string]any `json:"composition"`
	Overwrite   bool           `json:"overwrite,omitempty"`
}

type compositionValidateParams struct {
	Composition map[string]any `json:"composition"`
	Variables   map[string]any `json:"variables,omitempty"`
}

func kindOrDefault(t string, def composition.Kind) composition.Kind {
	if t == "" {
		return def
	}
	return composition.Kind(t)
}

func registerComposition(d *Deps) {
	register(d, "composition:get", "Load a composition declaration by name.", compositionGetParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionGetParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				return nil, errMissing("name")
			}
			c, err := d.Compositions.Get(p.Name, kindOrDefault(p.Type, composition.KindComponent))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"name":        c.Name,
				"type":        string(c.Type),
				"version":     c.Version,
				"description": c.Description,
				"extends":     c.Extends,
				"mixins":      c.Mixins,
				"variables":   c.Variables,
				"metadata":    c.Metadata,
			}, nil
		})

	register(d, "composition:list", "List indexed compositions, optionally by type.", compositionListParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionListParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			rows, err := d.Compositions.List(composition.Kind(p.Type))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(rows))
			for _, r := range rows {
				out = append(out, map[string]any{
					"name":        r.Name,
					"type":        r.Type,
					"version":     r.Version,
					"description": r.Description,
					"extends":     r.Extends,
				})
			}
			return map[string]any{"compositions": out, "count": len(out)}, nil
		})

	register(d, "composition:discover", "Rebuild the composition index from disk.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			n, err := d.Compositions.Rebuild()
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "rebuilt", "indexed": n}, nil
		})

	register(d, "composition:compose", "Resolve a composition against variables.", compositionComposeParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionComposeParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				return nil, errMissing("name")
			}
			return d.Compositions.Compose(p.Name, kindOrDefault(p.Type, composition.KindComponent), p.Variables)
		})

	register(d, "composition:profile", "Resolve a profile-typed composition.", compositionComposeParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionComposeParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				return nil, errMissing("name")
			}
			return d.Compositions.Compose(p.Name, composition.KindProfile, p.Variables)
		})

	register(d, "composition:prompt", "Resolve a prompt-typed composition.", compositionComposeParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionComposeParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				return nil, errMissing("name")
			}
			return d.Compositions.Compose(p.Name, composition.KindPrompt, p.Variables)
		})

	register(d, "composition:validate", "Validate a composition declaration without saving it.", compositionValidateParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionValidateParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Composition == nil {
				return nil, errMissing("composition")
			}
			if err := d.Compositions.Validate(p.Composition); err != nil {
				return map[string]any{"valid": false, "error": err.Error()}, nil
			}
			if _, err := d.Compositions.ResolveDecl(p.Composition, p.Variables); err != nil {
				return map[string]any{"valid": false, "error": err.Error()}, nil
			}
			return map[string]any{"valid": true}, nil
		})

	register(d, "composition:create", "Validate, save, and index a new composition.", compositionCreateParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p compositionCreateParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Composition == nil {
				return nil, errMissing("composition")
			}
			path, err := d.Compositions.Create(p.Composition, p.Overwrite)
			if err != nil {
				return nil, err
			}
			name, _ := p.Composition["name"].(string)
			return map[string]any{"status": "created", "name": name, "path": path}, nil
		})
}
