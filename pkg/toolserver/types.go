// Package toolserver implements the per-activation tool-server manager
// (C8): spawning MCP-speaking subprocesses, grant-filtered discovery,
// request/response dispatch, and graceful-then-forced shutdown. Adapted
// from the teacher's pkg/mcp package, the closest-matching subsystem in
// the retrieved pack — MCP is the spec's own tool-server protocol.
package toolserver

import (
	"context"
	"time"
)

// Tool is one advertised tool, scoped to the server that offers it.
type Tool struct {
	ServerName  string
	Name        string // normalized as "tool-server-{server}.{name}"
	Description string
	InputSchema map[string]any
}

// ToolResult is the outcome of one Call.
type ToolResult struct {
	Content string
	IsError bool
}

// ServerStatus records whether a configured tool server actually came up.
type ServerStatus struct {
	Name      string
	Started   bool
	Reason    string // populated when Started is false
	ToolCount int
}

// Credentials resolves a grant name to its value, passed into subprocess
// environments only — never logged, never reaches the LLM prompt.
type Credentials interface {
	Get(ctx context.Context, grant string) (string, error)
}

// callTimeout is the per-call default (§4.6).
const defaultCallTimeout = 60 * time.Second

// shutdownGrace is how long StopServers waits for a graceful exit before
// force-killing (§4.8).
const shutdownGrace = 5 * time.Second
