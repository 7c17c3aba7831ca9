package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/masking"
)

// Manager owns the tool-server subprocesses for exactly one activation.
// Construct a fresh Manager per activation and always call StopServers in
// the activation's cleanup path (normal return, error, or cancellation);
// never rely on GC for subprocess cleanup (§9).
type Manager struct {
	workspace   string
	credentials Credentials
	masker      *masking.Service

	mu      sync.Mutex
	conns   map[string]*serverConn
	statuses []ServerStatus

	log *slog.Logger
}

func NewManager(workspace string, credentials Credentials) *Manager {
	id := uuid.New().String()
	return &Manager{
		workspace:   workspace,
		credentials: credentials,
		conns:       make(map[string]*serverConn),
		log:         slog.Default().With("component", "toolserver", "manager_id", id),
	}
}

// WithMasker attaches a masking.Service that scrubs tool-call results
// before they re-enter the LLM context or logs. Optional: a Manager
// without a masker returns tool results unmodified.
func (m *Manager) WithMasker(masker *masking.Service) *Manager {
	m.masker = masker
	return m
}

// StartServers launches every server listed in grants.ToolServers whose
// required grants are all present in heldGrants. Servers that fail to
// start are recorded as not_started and skipped; this never fails the
// caller, since a partially-up tool set is still useful (§4.8).
func (m *Manager) StartServers(ctx context.Context, servers map[string]config.ToolServerConfig, order []string, heldGrants []string) []ServerStatus {
	held := make(map[string]bool, len(heldGrants))
	for _, g := range heldGrants {
		held[g] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range order {
		cfg, ok := servers[name]
		if !ok {
			m.statuses = append(m.statuses, ServerStatus{Name: name, Started: false, Reason: "not_configured"})
			continue
		}
		if !allGrantsHeld(cfg.RequiredGrants, held) {
			m.statuses = append(m.statuses, ServerStatus{Name: name, Started: false, Reason: "missing_grant"})
			continue
		}

		env, err := m.buildEnv(ctx, cfg)
		if err != nil {
			m.log.Warn("failed to resolve credentials", "server", name, "error", err)
			m.statuses = append(m.statuses, ServerStatus{Name: name, Started: false, Reason: "credential_error"})
			continue
		}

		conn, err := connect(ctx, name, cfg, env)
		if err != nil {
			m.log.Warn("tool server failed to start", "server", name, "error", err)
			m.statuses = append(m.statuses, ServerStatus{Name: name, Started: false, Reason: "start_failed"})
			continue
		}

		m.conns[name] = conn
		m.statuses = append(m.statuses, ServerStatus{Name: name, Started: true, ToolCount: len(conn.tools)})
	}

	return m.statuses
}

func allGrantsHeld(required []string, held map[string]bool) bool {
	for _, g := range required {
		if !held[g] {
			return false
		}
	}
	return true
}

// buildEnv resolves the credentials named in cfg.Transport.Env from the
// credentials collaborator into KEY=value subprocess environment
// entries. Credential values never appear in logs.
func (m *Manager) buildEnv(ctx context.Context, cfg config.ToolServerConfig) ([]string, error) {
	env := make([]string, 0, len(cfg.Transport.Env))
	for _, grant := range cfg.Transport.Env {
		v, err := m.credentials.Get(ctx, grant)
		if err != nil {
			return nil, fmt.Errorf("toolserver: credential for %q: %w", grant, err)
		}
		env = append(env, grant+"="+v)
	}
	return env, nil
}

// Tools returns the union of tools advertised by every started server.
func (m *Manager) Tools() []Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Tool
	for _, c := range m.conns {
		out = append(out, c.tools...)
	}
	return out
}

// Statuses returns the start outcome of every configured server,
// including those that failed to start (used to build static fallback
// descriptors per §9 — callers of an unstarted server's tools get an
// error result, never a fabricated success).
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, len(m.statuses))
	copy(out, m.statuses)
	return out
}

// Call dispatches a tools/call to serverName with a per-call timeout. If
// serverName never started, returns an error ToolResult carrying the
// recorded not_started reason rather than a fabricated success.
func (m *Manager) Call(ctx context.Context, serverName, toolName string, args map[string]any) (ToolResult, error) {
	m.mu.Lock()
	conn, ok := m.conns[serverName]
	m.mu.Unlock()

	if !ok {
		reason := m.notStartedReason(serverName)
		return ToolResult{Content: fmt.Sprintf("tool server %q is not available: %s", serverName, reason), IsError: true}, nil
	}

	result, err := conn.call(ctx, toolName, args, defaultCallTimeout)
	if err == nil && m.masker != nil {
		result.Content = m.masker.MaskToolResult(serverName, result.Content)
	}
	return result, err
}

func (m *Manager) notStartedReason(serverName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.statuses {
		if s.Name == serverName {
			return s.Reason
		}
	}
	return "not_started"
}

// StopServers terminates every running server: graceful shutdown with a
// 5s grace period, then a forced kill. Always safe to call more than
// once; always called in the activation's cleanup path.
func (m *Manager) StopServers(ctx context.Context) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*serverConn)
	m.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, shutdownGrace+time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(name string, conn *serverConn) {
			defer wg.Done()
			if err := conn.close(stopCtx); err != nil {
				m.log.Warn("error closing tool server", "server", name, "error", err)
			}
		}(name, conn)
	}
	wg.Wait()
}
