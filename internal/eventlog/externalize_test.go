package eventlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExternalizeBelowThresholdInlines(t *testing.T) {
	data := map[string]any{"content": "short"}
	out, refs := Externalize(data, 4096, nil)
	require.Equal(t, "short", out["content"])
	require.Empty(t, refs)
}

func TestExternalizeAboveThresholdStrips(t *testing.T) {
	big := strings.Repeat("x", 5000)
	data := map[string]any{"content": big}
	out, refs := Externalize(data, 100, nil)
	require.Contains(t, out["content"], "<stripped:")
	require.Empty(t, refs)
}

func TestExternalizeMaterializedUsesRef(t *testing.T) {
	big := strings.Repeat("x", 5000)
	data := map[string]any{"response": big, "session_id": "s1"}
	materialize := func(field string, d map[string]any) (string, bool) {
		if field == "response" {
			return "var/logs/responses/s1.jsonl", true
		}
		return "", false
	}
	out, refs := Externalize(data, 100, materialize)
	require.Equal(t, "<ref:var/logs/responses/s1.jsonl>", out["response"])
	require.Equal(t, "var/logs/responses/s1.jsonl", refs["response"])
}

func TestExternalizeIgnoresNonReferenceableFields(t *testing.T) {
	big := strings.Repeat("x", 5000)
	data := map[string]any{"session_id": big}
	out, refs := Externalize(data, 100, nil)
	require.Equal(t, big, out["session_id"])
	require.Empty(t, refs)
}
