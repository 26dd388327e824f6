package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey marks a fragment list inside a config file. Fragments are
// loaded depth-first and merged under the including file, so the
// including file's own keys win.
const includeKey = "$include"

// LoadRaw reads a config file into a raw map: environment variables are
// expanded, $include fragments (YAML, JSON, or JSON5 by extension) are
// resolved recursively, and include cycles are rejected.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return readMerged(path, map[string]bool{})
}

func readMerged(path string, active map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if active[abs] {
		return nil, fmt.Errorf("config %s includes itself (directly or through a fragment)", abs)
	}
	active[abs] = true
	defer delete(active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := decodeFragment([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}

	fragments, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, frag := range fragments {
		if strings.TrimSpace(frag) == "" {
			continue
		}
		if !filepath.IsAbs(frag) {
			frag = filepath.Join(filepath.Dir(abs), frag)
		}
		sub, err := readMerged(frag, active)
		if err != nil {
			return nil, err
		}
		deepMergeRaw(merged, sub)
	}
	deepMergeRaw(merged, raw)
	return merged, nil
}

// decodeFragment parses one file's bytes by extension: .json/.json5 via
// the json5 decoder, everything else as a single YAML document.
func decodeFragment(data []byte, path string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: expected a single document", path)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// popIncludes removes and returns the $include (or bare include) entry.
func popIncludes(raw map[string]any) ([]string, error) {
	var v any
	for _, key := range []string{includeKey, "include"} {
		if found, ok := raw[key]; ok {
			v = found
			delete(raw, key)
			break
		}
	}
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, errors.New("include must be a string or list of strings")
	}
}

// deepMergeRaw merges src into dst in place; nested maps merge key by
// key, everything else overwrites.
func deepMergeRaw(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMergeRaw(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

// decodeRawConfig strictly decodes a merged raw map into Config;
// unknown keys are an error so typos fail at startup rather than
// silently running on defaults.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
