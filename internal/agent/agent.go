// Package agent implements the agent manager: spawn/terminate lifecycle,
// composed from the capability resolver, permission resolver, and
// sandbox manager, enforcing the parent/child permission invariant on
// every spawn.
package agent

import (
	"time"

	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/sandbox"
	"github.com/ksi-project/ksid/internal/tools/policy"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusSpawning    Status = "spawning"
	StatusReady       Status = "ready"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Agent is one spawned agent's record.
type Agent struct {
	ID              string
	SessionID       string
	ParentAgentID   string
	OrchestrationID string
	Depth           int
	Profile         string
	PermissionLevel permission.Level
	Permissions     permission.Permissions
	Capabilities    policy.Resolved
	Sandbox         *sandbox.Sandbox
	Composition     map[string]any
	Status          Status
	CreatedAt       time.Time
}
