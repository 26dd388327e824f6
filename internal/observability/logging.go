// Package observability provides the daemon's logging, metrics, and
// tracing layer: a redacting slog wrapper that lifts per-event
// identifiers out of context, Prometheus counters for every subsystem,
// and OTLP span export for dispatched events.
package observability

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the typed key family for per-event identifiers carried
// through context.Context into every log line.
type ContextKey string

const (
	// CorrelationIDKey carries the event correlation id minted or
	// inherited by the router.
	CorrelationIDKey ContextKey = "correlation_id"

	// SessionIDKey carries the completion session id.
	SessionIDKey ContextKey = "session_id"

	// ClientIDKey carries the transport connection's client id.
	ClientIDKey ContextKey = "client_id"

	// EventNameKey carries the event name being dispatched.
	EventNameKey ContextKey = "event_name"

	// AgentIDKey carries the agent id an operation acts on behalf of.
	AgentIDKey ContextKey = "agent_id"
)

// contextFields is the fixed order identifiers appear in log lines.
var contextFields = []ContextKey{
	CorrelationIDKey, EventNameKey, SessionIDKey, ClientIDKey, AgentIDKey,
}

// DefaultRedactPatterns match common secret shapes; every logged string
// value is scrubbed against these before it reaches a handler.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|key|token)[\s:=]+["']?([a-fA-F0-9]{32,})["']?`,
}

const redactedPlaceholder = "[REDACTED]"

// LogConfig configures the daemon logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text".
	Format string

	// AddSource includes file:line in records.
	AddSource bool

	// RedactPatterns extends DefaultRedactPatterns.
	RedactPatterns []string
}

// Logger wraps slog with secret redaction and context-field lifting.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// NewLogger builds a Logger writing to stdout. Invalid levels fall back
// to info; an empty format means JSON.
func NewLogger(config LogConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}
	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog exposes the underlying slog.Logger for components (the
// maintenance scheduler) that take one directly.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// WithFields returns a child logger with args bound to every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(l.redactArgs(args)...), redacts: l.redacts}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// log emits one record: context identifiers first, then the caller's
// args, everything string-valued scrubbed against the redact patterns.
func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fields := make([]any, 0, len(contextFields)*2+len(args))
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}
	fields = append(fields, l.redactArgs(args)...)
	l.logger.Log(ctx, level, msg, fields...)
}

// redactArgs scrubs the value positions of a key-value arg list.
func (l *Logger) redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if i%2 == 1 { // value position
			out[i] = l.redactValue(a)
			continue
		}
		out[i] = a
	}
	return out
}

func (l *Logger) redactValue(v any) any {
	switch typed := v.(type) {
	case string:
		return l.redactString(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = l.redactValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		for i, s := range typed {
			out[i] = l.redactString(s)
		}
		return out
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// AddCorrelationID stamps the correlation id onto ctx for log lifting.
func AddCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// AddSessionID stamps the session id onto ctx.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// AddClientID stamps the transport client id onto ctx.
func AddClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// AddEventName stamps the dispatched event name onto ctx.
func AddEventName(ctx context.Context, eventName string) context.Context {
	return context.WithValue(ctx, EventNameKey, eventName)
}

// AddAgentID stamps the acting agent id onto ctx.
func AddAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// GetCorrelationID reads the correlation id off ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(CorrelationIDKey).(string)
	return v
}

// GetSessionID reads the session id off ctx, or "".
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
