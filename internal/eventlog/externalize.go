package eventlog

import (
	"encoding/json"
	"fmt"
)

// ReferenceableFields is the fixed set of fields that may be externalized
// when their serialized size exceeds the configured threshold.
var ReferenceableFields = map[string]bool{
	"response":         true,
	"content":          true,
	"prompt":           true,
	"messages":         true,
	"system_prompt":    true,
	"composed_prompt":  true,
	"composition":      true,
	"pattern":          true,
	"events":           true,
	"arguments":        true,
	"result":           true,
}

// MaterializedPaths maps a referenceable field name to the responses
// file a session's completion result is already persisted to, so
// externalizing that field can record a "<ref:path>" instead of
// stripping content that would otherwise be lost.
type MaterializedPaths func(fieldName string, data map[string]any) (path string, ok bool)

// Externalize mutates a copy of data in place: any referenceable field
// whose JSON-serialized size exceeds threshold bytes is replaced with a
// "<ref:PATH>" sentinel (when materialize resolves a path) or a
// "<stripped:N chars>" sentinel otherwise. Returns the possibly-modified
// data and a map of field -> sentinel path (ref sentinels only).
func Externalize(data map[string]any, threshold int, materialize MaterializedPaths) (map[string]any, map[string]string) {
	if threshold <= 0 {
		return data, nil
	}
	out := make(map[string]any, len(data))
	refs := make(map[string]string)
	for k, v := range data {
		out[k] = v
		if !ReferenceableFields[k] {
			continue
		}
		size := serializedSize(v)
		if size <= threshold {
			continue
		}
		if materialize != nil {
			if path, ok := materialize(k, data); ok {
				out[k] = fmt.Sprintf("<ref:%s>", path)
				refs[k] = path
				continue
			}
		}
		out[k] = fmt.Sprintf("<stripped:%d chars>", size)
	}
	return out, refs
}

func serializedSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
