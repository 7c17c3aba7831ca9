package config

import (
	"context"
	"fmt"
	"sync"
)

// StaticLoader is an in-memory Loader, used by tests and local/dev
// deployments that don't need a git-sync collaborator. Grounded on the
// teacher's thread-safe in-memory registry pattern (config.MCPServerRegistry).
type StaticLoader struct {
	mu     sync.RWMutex
	agents map[string]AgentConfig
}

func NewStaticLoader(agents map[string]AgentConfig) *StaticLoader {
	cp := make(map[string]AgentConfig, len(agents))
	for k, v := range agents {
		cp[k] = v
	}
	return &StaticLoader{agents: cp}
}

func (l *StaticLoader) Load(_ context.Context, agentID string) (AgentConfig, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.agents[agentID]
	if !ok {
		return AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return cfg, nil
}

func (l *StaticLoader) ListAgents(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.agents))
	for id := range l.agents {
		ids = append(ids, id)
	}
	return ids, nil
}

// Put adds or replaces an agent's configuration (test helper).
func (l *StaticLoader) Put(cfg AgentConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[cfg.AgentID] = cfg
}

// StaticSecrets is an in-memory Secrets, used by tests.
type StaticSecrets struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticSecrets(values map[string]string) *StaticSecrets {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &StaticSecrets{values: cp}
}

func (s *StaticSecrets) Get(_ context.Context, grant string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[grant]
	if !ok {
		return "", fmt.Errorf("config: no credential for grant %q", grant)
	}
	return v, nil
}
