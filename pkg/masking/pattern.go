package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/tarsysync/agentrunner/pkg/config"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns are the always-available redaction patterns, covering the
// credential shapes most likely to leak through tool-server subprocess
// environments and tool-call arguments/results: bearer tokens, common cloud
// access keys, and generic high-entropy API key assignments.
var builtinPatterns = map[string]struct {
	pattern     string
	replacement string
	description string
}{
	"bearer_token": {
		pattern:     `(?i)bearer\s+[a-z0-9._\-]{10,}`,
		replacement: "Bearer [REDACTED]",
		description: "HTTP Authorization bearer token",
	},
	"aws_access_key": {
		pattern:     `\b(AKIA|ASIA)[A-Z0-9]{16}\b`,
		replacement: "[REDACTED_AWS_KEY]",
		description: "AWS access key id",
	},
	"generic_api_key": {
		pattern:     `(?i)(api[_-]?key|access[_-]?token|secret)["']?\s*[:=]\s*["']?[a-z0-9_\-]{16,}["']?`,
		replacement: "$1=[REDACTED]",
		description: "generic key=value credential assignment",
	},
	"private_key_block": {
		pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: "[REDACTED_PRIVATE_KEY]",
		description: "PEM private key block",
	},
}

// patternGroups names convenient bundles of built-in patterns a tool server
// can opt into via MaskingConfig.PatternGroups instead of listing each by
// name.
var patternGroups = map[string]map[string]struct{}{
	"credentials": {
		"bearer_token":    {},
		"aws_access_key":  {},
		"generic_api_key": {},
	},
	"all": {
		"bearer_token":      {},
		"aws_access_key":    {},
		"generic_api_key":   {},
		"private_key_block": {},
	},
}

// compileBuiltinPatterns compiles the built-in patterns above. Invalid
// patterns are logged and skipped rather than failing construction.
func (s *Service) compileBuiltinPatterns() {
	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("masking: failed to compile built-in pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.replacement,
			Description: p.description,
		}
	}
}

// compileCustomPatterns compiles custom patterns declared on each tool
// server's DataMasking config. Custom patterns are keyed as
// "custom:{server}:{index}" to avoid collisions with built-ins.
func (s *Service) compileCustomPatterns() {
	for serverName, serverCfg := range s.servers {
		if serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
			continue
		}
		for i, p := range serverCfg.DataMasking.CustomPatterns {
			name := fmt.Sprintf("custom:%s:%d", serverName, i)
			compiled, err := regexp.Compile(p.Pattern)
			if err != nil {
				slog.Error("masking: failed to compile custom pattern, skipping",
					"pattern", name, "server", serverName, "error", err)
				continue
			}
			s.patterns[name] = &CompiledPattern{
				Name:        name,
				Regex:       compiled,
				Replacement: p.Replacement,
				Description: p.Description,
			}
			s.serverCustomPatterns[serverName] = append(s.serverCustomPatterns[serverName], name)
		}
	}
}

// resolvePatterns expands a server's MaskingConfig into a deduplicated list
// of compiled patterns: named patterns (built-in or custom by name), plus
// all of that server's own custom patterns.
func (s *Service) resolvePatterns(cfg *config.MaskingConfig, serverName string) []*CompiledPattern {
	seen := make(map[string]bool)
	var resolved []*CompiledPattern

	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if cp, ok := s.patterns[name]; ok {
			resolved = append(resolved, cp)
		}
	}

	for _, group := range cfg.PatternGroups {
		for name := range patternGroups[group] {
			add(name)
		}
	}
	for _, name := range cfg.Patterns {
		add(name)
	}
	if serverName != "" {
		for _, name := range s.serverCustomPatterns[serverName] {
			add(name)
		}
	}
	return resolved
}
