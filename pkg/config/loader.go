package config

import "context"

// Loader is the config-source collaborator contract (§6): supplies
// AgentConfig by id. Git-sync delivery, filesystem layout, and YAML
// parsing live outside the core's scope — implementations are provided
// by the deployment, not this module.
type Loader interface {
	Load(ctx context.Context, agentID string) (AgentConfig, error)

	// ListAgents optionally enumerates known agent ids, used only for
	// cache warm-up. Implementations may return (nil, nil) if warm-up
	// isn't supported.
	ListAgents(ctx context.Context) ([]string, error)
}

// Secrets is the secrets collaborator contract (§6): resolves a named
// grant to its credential value. Credentials flow only into tool-server
// subprocess environments, never into logs or the LLM prompt.
type Secrets interface {
	Get(ctx context.Context, grant string) (string, error)
}
