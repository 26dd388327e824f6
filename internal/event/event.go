// Package event defines the daemon's wire-level event shape and the
// reserved namespace table.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReservedNamespaces are the namespaces the daemon reserves explicitly. A router
// does not reject events outside this set (plugins may register their
// own), but discovery groups core handlers under these names.
var ReservedNamespaces = map[string]bool{
	"system":        true,
	"completion":    true,
	"agent":         true,
	"state":         true,
	"async_state":   true,
	"composition":   true,
	"permission":    true,
	"sandbox":       true,
	"injection":     true,
	"orchestration": true,
	"monitor":       true,
	"evaluation":    true,
	"correlation":   true,
}

// Event is the canonical in-process representation of a dispatched event
//. Data carries the handler-specific payload.
type Event struct {
	Name          string         `json:"name"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	EventID       string         `json:"event_id"`
	Timestamp     float64        `json:"timestamp"`
	OriginatorID  string         `json:"originator_id,omitempty"`
	ConstructID   string         `json:"construct_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Status        string         `json:"status,omitempty"`
}

// New stamps a fresh Event with a generated event_id and current timestamp.
// name must already be namespace-qualified ("ns:verb"); data may be nil.
func New(name string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Name:      name,
		Data:      data,
		EventID:   uuid.NewString(),
		Timestamp: nowSeconds(),
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Namespace returns the portion of name before the first ':'.
func Namespace(name string) string {
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Valid reports whether name has the "<namespace>:<verb>" shape required
// by convention.
func Valid(name string) bool {
	idx := strings.IndexByte(name, ':')
	return idx > 0 && idx < len(name)-1
}
