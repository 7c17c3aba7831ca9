package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/version"
)

// serverConn owns one live MCP session for the duration of an activation.
// Scoping it to a single activation is the adaptation this package makes
// to the teacher's *Client (which documents itself as "scoped to a single
// session" but doesn't make the workspace+deadline explicit).
type serverConn struct {
	name    string
	session *mcpsdk.ClientSession
	cmd     *exec.Cmd // non-nil only for stdio transport, used for kill escalation
	tools   []Tool
	log     *slog.Logger
}

func connect(ctx context.Context, name string, cfg config.ToolServerConfig, env []string) (*serverConn, error) {
	transport, err := buildTransport(cfg.Transport, env)
	if err != nil {
		return nil, err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: version.AppName, Version: version.GitCommit}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolserver: connect %s: %w", name, err)
	}

	var cmd *exec.Cmd
	if ct, ok := transport.(*mcpsdk.CommandTransport); ok {
		cmd = ct.Command
	}

	conn := &serverConn{
		name:    name,
		session: session,
		cmd:     cmd,
		log:     slog.Default().With("component", "toolserver", "server", name),
	}

	if err := conn.listTools(ctx, cfg); err != nil {
		_ = conn.close(ctx)
		return nil, err
	}
	return conn, nil
}

func (c *serverConn) listTools(ctx context.Context, cfg config.ToolServerConfig) error {
	result, err := c.session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("toolserver: list tools for %s: %w", c.name, err)
	}

	required := make(map[string]bool, len(cfg.RequiredGrants))
	for _, g := range cfg.RequiredGrants {
		required[g] = true
	}

	for _, t := range result.Tools {
		c.tools = append(c.tools, Tool{
			ServerName:  c.name,
			Name:        normalizedName(c.name, t.Name),
			Description: t.Description,
		})
	}
	return nil
}

func normalizedName(server, tool string) string {
	return fmt.Sprintf("tool-server-%s.%s", server, tool)
}

func (c *serverConn) call(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		action := classifyError(err)
		return ToolResult{}, fmt.Errorf("toolserver: call %s on %s (%s): %w", toolName, c.name, action, err)
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	return ToolResult{Content: text, IsError: result.IsError}, nil
}

// close attempts a graceful session shutdown, escalating to a hard kill
// of the subprocess after shutdownGrace — the stdio transport owns
// os/exec directly, so (unlike the teacher's SDK-managed session
// lifetime) this package must drive the escalation itself.
func (c *serverConn) close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.session.Close() }()

	select {
	case err := <-done:
		return err
	case <-time.After(shutdownGrace):
		if c.cmd != nil && c.cmd.Process != nil {
			c.log.Warn("tool server did not shut down gracefully, killing", "server", c.name)
			_ = c.cmd.Process.Kill()
		}
		return <-done
	}
}
