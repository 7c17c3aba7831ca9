package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk shape of a single agent's YAML file:
// agent.go's AgentConfig plus the tool-server definitions it references
// by name, collected alongside it so one file fully describes one agent.
type fileDocument struct {
	AgentConfig `yaml:",inline"`
	ToolServers map[string]ToolServerConfig `yaml:"tool_servers"`
}

// YAMLLoader is a filesystem Loader: one YAML file per agent under
// dir/agents/<agent_id>.yaml. Grounded on the teacher's
// config.Initialize/load/ExpandEnv pipeline (load file, expand env vars,
// parse YAML), simplified to this module's single-document-per-agent
// shape rather than the teacher's one-big-tarsy.yaml file.
type YAMLLoader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]AgentConfig
}

// NewYAMLLoader constructs a loader rooted at dir. Files are read (and
// their env vars expanded) on every Load call, not cached across calls —
// configcache.Cache already provides the TTL'd caching layer above this.
func NewYAMLLoader(dir string) *YAMLLoader {
	return &YAMLLoader{dir: dir}
}

func (l *YAMLLoader) agentPath(agentID string) string {
	return filepath.Join(l.dir, "agents", agentID+".yaml")
}

// Load reads and parses the agent's YAML file, expanding ${VAR}/$VAR
// references against the process environment before unmarshalling —
// the same order of operations as the teacher's loader (read, expand,
// parse), so secrets like API keys never need to live in the file
// itself.
func (l *YAMLLoader) Load(_ context.Context, agentID string) (AgentConfig, error) {
	path := l.agentPath(agentID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return AgentConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnv(raw)

	var doc fileDocument
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return AgentConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.AgentID == "" {
		doc.AgentID = agentID
	}
	doc.AgentConfig.ToolServers = doc.ToolServers
	return doc.AgentConfig, nil
}

// ListAgents enumerates every *.yaml file under dir/agents, used only
// for configcache warm-up.
func (l *YAMLLoader) ListAgents(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.dir, "agents"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: list agents dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		ids = append(ids, name[:len(name)-len(ext)])
	}
	return ids, nil
}

// expandEnv expands ${VAR} and $VAR references using the standard
// library, matching the teacher's config.ExpandEnv: missing variables
// expand to empty string rather than erroring, so a validation pass
// downstream is what catches an unset required value.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), os.Getenv))
}
