package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/composition"
	"github.com/ksi-project/ksid/internal/observability"
	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/sandbox"
	"github.com/ksi-project/ksid/internal/tools/policy"
)

// ErrPermissionEscalation is returned when a spawn would grant the
// child permissions its parent does not itself hold.
var ErrPermissionEscalation = fmt.Errorf("agent: child permissions exceed parent on at least one axis")

// ErrNotFound is returned for operations on an unknown agent id.
var ErrNotFound = fmt.Errorf("agent: not found")

// ErrDuplicateID is returned when agent:spawn supplies an agent_id that
// is already live.
var ErrDuplicateID = fmt.Errorf("agent: duplicate agent id")

// Enqueuer is the subset of *completion.Scheduler agent:send_message
// needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req completion.Request) completion.EnqueueResult
}

// SpawnRequest is the round-trip shape for agent:spawn.
type SpawnRequest struct {
	AgentID           string
	SessionID         string
	ParentAgentID     string
	OrchestrationID   string
	PermissionLevel   permission.Level
	PermissionOverride *permission.Overrides
	CapabilityProfile string
	SandboxMode       sandbox.Mode
	SandboxParentShare  bool
	SandboxSessionShare bool
	CompositionName   string
	CompositionVars   map[string]any
	InitialPrompt     string
	Model             string
}

// SendMessageRequest is the round-trip shape for agent:send_message.
type SendMessageRequest struct {
	AgentID   string
	Message   string
	Model     string
	MaxTokens int
}

// Manager owns the in-memory agent registry and wires the composition,
// permission, and sandbox resolvers together on spawn.
type Manager struct {
	sandboxes    *sandbox.Manager
	compositions *composition.Resolver
	capabilities *policy.System
	enqueuer     Enqueuer
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time

	sandboxPolicy sandbox.Policy

	mu       sync.Mutex
	agents   map[string]*Agent
	children map[string]map[string]bool
}

// SetSandboxPolicy installs the daemon's sandbox enforcement policy;
// the zero value sandboxes every agent in isolated mode.
func (m *Manager) SetSandboxPolicy(p sandbox.Policy) {
	m.sandboxPolicy = p
}

// NewManager constructs a Manager. compositions, capabilities, and
// enqueuer may be nil when those subsystems aren't wired into a given
// daemon instance.
func NewManager(sandboxes *sandbox.Manager, compositions *composition.Resolver, capabilities *policy.System, enqueuer Enqueuer, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		sandboxes:    sandboxes,
		compositions: compositions,
		capabilities: capabilities,
		enqueuer:     enqueuer,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		agents:       make(map[string]*Agent),
		children:     make(map[string]map[string]bool),
	}
}

// Spawn creates a new agent record: resolves its effective permissions
// (validating against its parent's, if any), provisions its sandbox,
// and resolves its composition profile, if configured.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Agent, error) {
	level := req.PermissionLevel
	if level == "" {
		level = permission.LevelStandard
	}
	perms, err := permission.Resolve(level, req.PermissionOverride)
	if err != nil {
		return nil, err
	}
	if req.SandboxMode == sandbox.ModeReadonly {
		// A readonly sandbox denies mutating tools at the allow-list
		// layer, whatever the permission level granted.
		perms.Tools.Disallowed = append(perms.Tools.Disallowed, policy.GetGroupTools("group:mutating")...)
	}

	depth := 0
	if req.ParentAgentID != "" {
		parent, ok := m.Status(req.ParentAgentID)
		if !ok {
			return nil, fmt.Errorf("agent: parent %q not found", req.ParentAgentID)
		}
		if !permission.ValidateSpawn(parent.Permissions, perms) {
			return nil, ErrPermissionEscalation
		}
		depth = parent.Depth + 1
	}

	id := req.AgentID
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateID
	}
	m.mu.Unlock()

	var caps policy.Resolved
	if m.capabilities != nil {
		profileName := req.CapabilityProfile
		if profileName == "" {
			profileName = string(policy.ConvertLegacyTier(string(level)))
		}
		caps, err = m.capabilities.Resolve(string(policy.ConvertLegacyTier(profileName)))
		if err != nil {
			return nil, fmt.Errorf("agent: resolve capabilities for %q: %w", profileName, err)
		}
	}

	var sb *sandbox.Sandbox
	pol := m.sandboxPolicy
	wantSandbox := pol == (sandbox.Policy{}) || pol.ShouldSandbox(req.ParentAgentID)
	if wantSandbox {
		mode := req.SandboxMode
		if mode == "" {
			mode = pol.DefaultMode()
			if mode == "" {
				mode = sandbox.ModeIsolated
			}
		}
		sb, err = m.sandboxes.Create(id, sandbox.CreateOptions{
			Mode:          mode,
			ParentAgentID: req.ParentAgentID,
			SessionID:     req.SessionID,
			ParentShare:   req.SandboxParentShare,
			SessionShare:  req.SandboxSessionShare || pol.DefaultSessionShare(),
		})
		if err != nil {
			return nil, err
		}
	}

	var resolvedComposition map[string]any
	if m.compositions != nil && req.CompositionName != "" {
		comp, err := m.compositions.Source.LoadByName(req.CompositionName, composition.KindProfile)
		if err != nil {
			return nil, fmt.Errorf("agent: load composition %q: %w", req.CompositionName, err)
		}
		resolvedComposition, err = m.compositions.Resolve(comp, req.CompositionVars)
		if err != nil {
			return nil, fmt.Errorf("agent: resolve composition %q: %w", req.CompositionName, err)
		}
	}

	a := &Agent{
		ID:              id,
		SessionID:       req.SessionID,
		ParentAgentID:   req.ParentAgentID,
		OrchestrationID: req.OrchestrationID,
		Depth:           depth,
		Profile:         req.CompositionName,
		PermissionLevel: level,
		Permissions:     perms,
		Capabilities:    caps,
		Sandbox:         sb,
		Composition:     resolvedComposition,
		Status:          StatusReady,
		CreatedAt:       m.now(),
	}

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		_ = m.sandboxes.Remove(id, true)
		return nil, ErrDuplicateID
	}
	m.agents[id] = a
	if req.ParentAgentID != "" {
		if m.children[req.ParentAgentID] == nil {
			m.children[req.ParentAgentID] = make(map[string]bool)
		}
		m.children[req.ParentAgentID][id] = true
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AgentSpawned(req.CompositionName)
	}
	if m.logger != nil {
		m.logger.Info(ctx, "agent spawned", "agent_id", id, "parent_agent_id", req.ParentAgentID, "permission_level", string(level))
	}

	if req.InitialPrompt != "" && m.enqueuer != nil {
		m.enqueuer.Enqueue(ctx, completion.Request{
			SessionID: req.SessionID,
			Prompt:    req.InitialPrompt,
			Model:     req.Model,
			Priority:  completion.PriorityAsync,
		})
	}
	return a, nil
}

// Terminate tears down agentID's sandbox and removes its record. It
// refuses when agentID has live children unless force is set.
func (m *Manager) Terminate(ctx context.Context, agentID string, force bool) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if kids := m.children[agentID]; len(kids) > 0 && !force {
		m.mu.Unlock()
		return sandbox.ErrHasChildren
	}
	a.Status = StatusTerminating
	m.mu.Unlock()

	if err := m.sandboxes.Remove(agentID, force); err != nil && err != sandbox.ErrNotFound {
		return err
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	delete(m.children, agentID)
	if a.ParentAgentID != "" {
		if set, ok := m.children[a.ParentAgentID]; ok {
			delete(set, agentID)
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AgentTerminated(a.Profile)
	}
	if m.logger != nil {
		m.logger.Info(ctx, "agent terminated", "agent_id", agentID, "forced", force)
	}
	return nil
}

// SendMessage enqueues a completion request on behalf of agentID's
// session.
func (m *Manager) SendMessage(ctx context.Context, req SendMessageRequest) (completion.EnqueueResult, error) {
	a, ok := m.Status(req.AgentID)
	if !ok {
		return completion.EnqueueResult{}, ErrNotFound
	}
	if m.enqueuer == nil {
		return completion.EnqueueResult{}, fmt.Errorf("agent: no completion scheduler wired")
	}
	return m.enqueuer.Enqueue(ctx, completion.Request{
		SessionID: a.SessionID,
		Prompt:    req.Message,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Priority:  completion.PriorityAsync,
	}), nil
}

// SetPermissions replaces agentID's effective permissions, re-checking
// the spawn invariant against the agent's parent, if any.
func (m *Manager) SetPermissions(agentID string, perms permission.Permissions) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if a.ParentAgentID != "" {
		parent, ok := m.Status(a.ParentAgentID)
		if ok && !permission.ValidateSpawn(parent.Permissions, perms) {
			return ErrPermissionEscalation
		}
	}
	m.mu.Lock()
	a.Permissions = perms
	m.mu.Unlock()
	return nil
}

// Status returns agentID's current record.
func (m *Manager) Status(agentID string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// List returns every tracked agent.
func (m *Manager) List() []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Children returns the agent ids of agentID's live children.
func (m *Manager) Children(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kids := m.children[agentID]
	out := make([]string, 0, len(kids))
	for id := range kids {
		out = append(out, id)
	}
	return out
}
