package config

import (
	"context"
	"fmt"
	"os"
)

// EnvSecrets resolves a grant name to the environment variable of the
// same name, the deployment-simplest Secrets implementation: a tool
// server's required_grants names the env var directly (e.g.
// "GITHUB_TOKEN"), and injection into the subprocess environment is
// handled entirely by toolserver.Manager from there.
type EnvSecrets struct{}

func NewEnvSecrets() EnvSecrets { return EnvSecrets{} }

func (EnvSecrets) Get(_ context.Context, grant string) (string, error) {
	v, ok := os.LookupEnv(grant)
	if !ok {
		return "", fmt.Errorf("config: grant %q not set in environment", grant)
	}
	return v, nil
}
