// Package masking redacts credentials before they reach a log line or the
// LLM context: tool-server subprocess environment values (never logged per
// spec §6) and tool-call argument/result text returned by a server whose
// config opts into data masking.
package masking

import (
	"log/slog"

	"github.com/tarsysync/agentrunner/pkg/config"
)

// Service applies data masking to tool-server subprocess environments and
// tool call results. Created once per process; thread-safe and stateless
// aside from its compiled pattern set.
type Service struct {
	servers              map[string]config.ToolServerConfig
	patterns             map[string]*CompiledPattern
	serverCustomPatterns map[string][]string
	logger               *slog.Logger
}

// NewService compiles all built-in and per-server custom patterns eagerly.
// servers maps tool-server name to its configuration (AgentConfig.ToolServers).
func NewService(servers map[string]config.ToolServerConfig) *Service {
	s := &Service{
		servers:              servers,
		patterns:             make(map[string]*CompiledPattern),
		serverCustomPatterns: make(map[string][]string),
		logger:               slog.Default().With("component", "masking"),
	}
	s.compileBuiltinPatterns()
	s.compileCustomPatterns()

	s.logger.Info("masking service initialized",
		"builtin_patterns", len(builtinPatterns),
		"compiled_patterns", len(s.patterns))
	return s
}

// MaskToolResult applies serverName's configured masking patterns to a tool
// result's text content. With no masking configured for the server, or a
// server this service has never heard of, the content passes through
// unchanged — masking is opt-in per server, not a universal gate.
func (s *Service) MaskToolResult(serverName, content string) string {
	if content == "" {
		return content
	}
	serverCfg, ok := s.servers[serverName]
	if !ok || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content
	}

	resolved := s.resolvePatterns(serverCfg.DataMasking, serverName)
	if len(resolved) == 0 {
		return content
	}
	masked := content
	for _, p := range resolved {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// MaskEnv redacts credential values from a subprocess environment slice
// (KEY=VALUE entries) for logging. The values themselves are never logged
// unredacted; this is used only when emitting debug-level env diagnostics,
// never when constructing the actual subprocess environment.
func (s *Service) MaskEnv(env []string) []string {
	masked := make([]string, len(env))
	for i, kv := range env {
		result := kv
		for _, p := range s.patterns {
			result = p.Regex.ReplaceAllString(result, p.Replacement)
		}
		masked[i] = result
	}
	return masked
}
