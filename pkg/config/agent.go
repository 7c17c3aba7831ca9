package config

import "time"

// BehaviorConfig controls the agent loop's iteration and mention policy.
type BehaviorConfig struct {
	MaxIterations      int  `yaml:"max_iterations"`
	RespondToMentions  bool `yaml:"respond_to_mentions"`
	RespondToReplies   bool `yaml:"respond_to_replies"`
}

// CapabilitiesConfig gates which tools an agent may use.
type CapabilitiesConfig struct {
	Grants      []string `yaml:"grants"`
	ToolServers []string `yaml:"tool_servers"`
}

// BrainConfig is opaque to the core beyond being passed to the LLM
// adapter verbatim.
type BrainConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// AgentConfig is immutable per version; ownership belongs to the
// config-source collaborator (§6). The core only consumes these fields.
type AgentConfig struct {
	AgentID      string             `yaml:"agent_id"`
	Type         string             `yaml:"type"`
	Behavior     BehaviorConfig     `yaml:"behavior"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Brain        BrainConfig        `yaml:"brain"`
	CacheTTL     time.Duration      `yaml:"cache_ttl"`
	SystemPrompt string             `yaml:"system_prompt"`

	ToolServers map[string]ToolServerConfig `yaml:"-"`
}
