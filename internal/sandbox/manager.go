package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ksi-project/ksid/internal/observability"
)

// ErrHasChildren is returned by Remove when an agent has live children
// and force was not requested.
var ErrHasChildren = fmt.Errorf("sandbox: agent has live children")

// ErrNotFound is returned when the referenced agent has no sandbox.
var ErrNotFound = fmt.Errorf("sandbox: not found")

const sharedSessionDirName = "shared"

// Manager creates and tears down per-agent sandbox directories under a
// configured root.
type Manager struct {
	root   string
	logger *observability.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox       // by agent_id
	children  map[string]map[string]bool // parent_agent_id -> set of child agent_id
}

// NewManager constructs a Manager rooted at root, creating it if absent.
func NewManager(root string, logger *observability.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root %s: %w", root, err)
	}
	return &Manager{
		root:      root,
		logger:    logger,
		sandboxes: make(map[string]*Sandbox),
		children:  make(map[string]map[string]bool),
	}, nil
}

// Create provisions a fresh sandbox directory for agentID.
// In shared mode the sandbox additionally gets a "shared" subdirectory
// symlinked to the session-wide shared area so sibling agents see each
// other's writes there; readonly mode still creates the directory so
// reads succeed, with write denial enforced by the permission layer's
// path allow-list rather than filesystem permission bits.
func (m *Manager) Create(agentID string, opts CreateOptions) (*Sandbox, error) {
	if agentID == "" {
		return nil, fmt.Errorf("sandbox: agent_id is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeIsolated
	}

	path := filepath.Join(m.root, "agents", agentID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create dir for %s: %w", agentID, err)
	}

	if mode == ModeShared && opts.SessionShare && opts.SessionID != "" {
		sharedDir, err := m.ensureSessionShared(opts.SessionID)
		if err != nil {
			return nil, err
		}
		link := filepath.Join(path, sharedSessionDirName)
		if _, err := os.Lstat(link); os.IsNotExist(err) {
			if err := os.Symlink(sharedDir, link); err != nil {
				return nil, fmt.Errorf("sandbox: link shared dir for %s: %w", agentID, err)
			}
		}
	}

	if mode == ModeShared && opts.ParentShare && opts.ParentAgentID != "" {
		m.mu.Lock()
		parent, ok := m.sandboxes[opts.ParentAgentID]
		m.mu.Unlock()
		if ok {
			link := filepath.Join(path, "parent")
			if _, err := os.Lstat(link); os.IsNotExist(err) {
				if err := os.Symlink(parent.Path, link); err != nil {
					return nil, fmt.Errorf("sandbox: link parent dir for %s: %w", agentID, err)
				}
			}
		}
	}

	sb := &Sandbox{
		AgentID:       agentID,
		Path:          path,
		Mode:          mode,
		ParentAgentID: opts.ParentAgentID,
		SessionID:     opts.SessionID,
		ParentShare:   opts.ParentShare,
		SessionShare:  opts.SessionShare,
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	m.sandboxes[agentID] = sb
	if opts.ParentAgentID != "" {
		if m.children[opts.ParentAgentID] == nil {
			m.children[opts.ParentAgentID] = make(map[string]bool)
		}
		m.children[opts.ParentAgentID][agentID] = true
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info(context.Background(), "sandbox created", "agent_id", agentID, "mode", string(mode), "path", path)
	}
	return sb, nil
}

func (m *Manager) ensureSessionShared(sessionID string) (string, error) {
	dir := filepath.Join(m.root, "sessions", sessionID, sharedSessionDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sandbox: create session shared dir: %w", err)
	}
	return dir, nil
}

// Remove tears down agentID's sandbox directory. It refuses if live
// children exist unless force is set.
func (m *Manager) Remove(agentID string, force bool) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if kids := m.children[agentID]; len(kids) > 0 && !force {
		m.mu.Unlock()
		return ErrHasChildren
	}
	delete(m.sandboxes, agentID)
	delete(m.children, agentID)
	if sb.ParentAgentID != "" {
		if set, ok := m.children[sb.ParentAgentID]; ok {
			delete(set, agentID)
		}
	}
	m.mu.Unlock()

	if err := os.RemoveAll(sb.Path); err != nil {
		return fmt.Errorf("sandbox: remove %s: %w", agentID, err)
	}
	if m.logger != nil {
		m.logger.Info(context.Background(), "sandbox removed", "agent_id", agentID, "forced", force)
	}
	return nil
}

// Get returns agentID's sandbox, if any.
func (m *Manager) Get(agentID string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[agentID]
	return sb, ok
}

// List returns every tracked sandbox.
func (m *Manager) List() []*Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb)
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

// Stats summarizes the current sandbox population.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Total: len(m.sandboxes), ByMode: make(map[Mode]int)}
	sessions := make(map[string]bool)
	for _, sb := range m.sandboxes {
		s.ByMode[sb.Mode]++
		if sb.SessionID != "" {
			sessions[sb.SessionID] = true
		}
	}
	s.Sessions = len(sessions)
	return s
}
