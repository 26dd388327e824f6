package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestRedactStringScrubsSecrets(t *testing.T) {
	l := NewLogger(LogConfig{})

	cases := []string{
		"api_key=abcdef0123456789abcdef",
		"bearer abcdefghijklmnop1234",
		"password: hunter2hunter2",
		"sk-abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUV",
	}
	for _, in := range cases {
		require.Contains(t, l.redactString(in), redactedPlaceholder, "input %q not redacted", in)
	}

	require.Equal(t, "plain text survives", l.redactString("plain text survives"))
}

func TestRedactValueWalksMapsAndSlices(t *testing.T) {
	l := NewLogger(LogConfig{})

	v := l.redactValue(map[string]any{
		"nested": map[string]any{"token": "bearer abcdefghijklmnop1234"},
		"list":   []string{"password: hunter2hunter2"},
		"n":      42,
	})
	m := v.(map[string]any)
	require.Contains(t, m["nested"].(map[string]any)["token"], redactedPlaceholder)
	require.Contains(t, m["list"].([]string)[0], redactedPlaceholder)
	require.Equal(t, 42, m["n"])
}

func TestCustomRedactPatterns(t *testing.T) {
	l := NewLogger(LogConfig{RedactPatterns: []string{`ksi-internal-[0-9]+`}})
	require.Contains(t, l.redactString("id ksi-internal-12345"), redactedPlaceholder)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := AddCorrelationID(context.Background(), "corr-1")
	ctx = AddSessionID(ctx, "s1")
	require.Equal(t, "corr-1", GetCorrelationID(ctx))
	require.Equal(t, "s1", GetSessionID(ctx))
	require.Empty(t, GetCorrelationID(context.Background()))
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info(context.Background(), "ignored")
	l.Error(nil, "also ignored")
}
