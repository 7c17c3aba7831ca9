package toolserver

import (
	"fmt"
	"net/http"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tarsysync/agentrunner/pkg/config"
)

// buildTransport constructs the mcp-go-sdk transport for one server's
// configuration, dispatching on transport type the same way the teacher's
// pkg/mcp/transport.go does.
func buildTransport(cfg config.TransportConfig, env []string) (mcpsdk.Transport, error) {
	switch cfg.Type {
	case config.TransportStdio:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.TransportHTTP:
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient := &http.Client{Timeout: timeout}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}, nil

	case config.TransportSSE:
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient := &http.Client{Timeout: timeout}
		return &mcpsdk.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}, nil

	default:
		return nil, fmt.Errorf("toolserver: unknown transport type %q", cfg.Type)
	}
}
