// Package agentloop implements the bounded reason/act/observe cycle (C6):
// one call to Loop.Run executes exactly one activation end to end, calling
// the LLM adapter, dispatching tool calls to built-ins or tool-servers, and
// enforcing the iteration/time/token budgets an activation must respect.
package agentloop

import "time"

// Conversation message roles, mirroring the teacher's agent.Role* constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the conversation sent to the LLM.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool-result messages only
	ToolName   string     // tool-result messages only
}

// ToolCall is the LLM's request to invoke one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// ToolDefinition describes one tool advertised to the LLM.
type ToolDefinition struct {
	Name            string
	Description     string
	ParametersSchema string // JSON Schema, may be empty
}

// TokenUsage aggregates token consumption across the activation's LLM calls.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// ErrorKind classifies why an activation ended without success, per spec
// §4.6's failure table.
type ErrorKind string

const (
	ErrorNone           ErrorKind = ""
	ErrorBudgetExceeded ErrorKind = "BUDGET_EXCEEDED"
	ErrorIterationLimit ErrorKind = "ITERATION_LIMIT"
	ErrorLLMUnavailable ErrorKind = "LLM_UNAVAILABLE"
	ErrorCancelled      ErrorKind = "CANCELLED"
)

// ActivationOutcome is Loop.Run's sole return value.
type ActivationOutcome struct {
	Success    bool
	TokensIn   int
	TokensOut  int
	Iterations int
	FinalText  string // empty when Success is false
	ErrorKind  ErrorKind
	Duration   time.Duration
	Model      string
}

// iterationState tracks loop progress across iterations, adapted from the
// teacher's agent.IterationState (same consecutive-timeout abort guard).
type iterationState struct {
	currentIteration           int
	maxIterations              int
	lastInteractionFailed      bool
	consecutiveTimeoutFailures int
}

// maxConsecutiveTimeouts matches the teacher's agent.MaxConsecutiveTimeouts.
const maxConsecutiveTimeouts = 2

func (s *iterationState) shouldAbortOnTimeouts() bool {
	return s.consecutiveTimeoutFailures >= maxConsecutiveTimeouts
}

func (s *iterationState) recordSuccess() {
	s.lastInteractionFailed = false
	s.consecutiveTimeoutFailures = 0
}

func (s *iterationState) recordFailure(isTimeout bool) {
	s.lastInteractionFailed = true
	if isTimeout {
		s.consecutiveTimeoutFailures++
	} else {
		s.consecutiveTimeoutFailures = 0
	}
}
