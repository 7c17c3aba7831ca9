package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/toolserver"
)

// ToolServer is the narrow slice of *toolserver.Manager the loop needs to
// dispatch tool-server calls. Declared here so the loop can be tested
// against a fake without spinning up real MCP subprocesses.
type ToolServer interface {
	Tools() []toolserver.Tool
	Call(ctx context.Context, serverName, toolName string, args map[string]any) (toolserver.ToolResult, error)
}

// Recorder observes activation outcomes for C9; a nil Recorder is a
// valid no-op so the loop has no hard dependency on pkg/observability.
type Recorder interface {
	ActivationCompleted(outcome ActivationOutcome)
}

type noopRecorder struct{}

func (noopRecorder) ActivationCompleted(ActivationOutcome) {}

// WorkKind distinguishes the two shapes of work an activation handles,
// mirroring queue.TaskType without importing pkg/queue (the loop doesn't
// need anything else from the queue).
type WorkKind string

const (
	WorkInbox     WorkKind = "INBOX"
	WorkDiscovery WorkKind = "DISCOVERY"
)

// Work is everything Loop.Run needs about the triggering item, reduced
// from queue.WorkItem to the fields the loop's context build actually
// consumes.
type Work struct {
	Kind     WorkKind
	AgentID  string
	ThreadID string // INBOX: the post/thread to read and reply to
	Digest   string // DISCOVERY: the feed digest framed as a user message
}

// Config is the per-activation tuning the loop enforces budgets against.
// Populated from config.AgentConfig by the runner.
type Config struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	MaxIterations    int
	IterationTimeout time.Duration
	ActivationTimeout time.Duration
	TokenBudget      int
	SystemPrompt     string

	// ToolInstructions holds the Instructions text of every started tool
	// server, keyed by server name, as populated by the runner from
	// config.ToolServerConfig. Folded into the context by buildContext.
	ToolInstructions map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = 120 * time.Second
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = 600 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Loop owns the collaborators one activation needs: an LLM, the Hub
// (for built-ins, thread context, and consumption reporting), and the
// tool-server manager started for this activation.
type Loop struct {
	llm      LLMClient
	hubClient HubClient
	hubRaw   *hub.Client // nil in tests; used only for ReportConsumption/BudgetHealth
	tools    ToolServer
	recorder Recorder
	log      *slog.Logger
}

// New builds a Loop. hubRaw may be nil when the caller only needs the
// narrow HubClient surface (tests); production wiring passes the same
// *hub.Client for both.
func New(llm LLMClient, hubClient HubClient, hubRaw *hub.Client, tools ToolServer, recorder Recorder) *Loop {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Loop{
		llm:       llm,
		hubClient: hubClient,
		hubRaw:    hubRaw,
		tools:     tools,
		recorder:  recorder,
		log:       slog.Default().With("component", "agentloop"),
	}
}

// Run executes one complete activation: context build, tool registry,
// the bounded iteration loop, dispatch, and final reporting (§4.6).
func (l *Loop) Run(ctx context.Context, cfg Config, work Work, toolServerGrants map[string]ApprovalPolicy) ActivationOutcome {
	cfg = cfg.withDefaults()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, cfg.ActivationTimeout)
	defer cancel()

	messages := l.buildContext(ctx, cfg, work)
	tools := append(builtinToolDefinitions(), toolDefsFrom(l.tools.Tools())...)
	registry := NewRegistry(toolServerNames(l.tools.Tools()))

	state := &iterationState{maxIterations: cfg.MaxIterations}
	usage := TokenUsage{}

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		state.currentIteration = iter

		if state.shouldAbortOnTimeouts() {
			return l.finish(start, cfg.Model, usage, iter, "", ErrorLLMUnavailable, false)
		}
		if usage.Total() > cfg.TokenBudget && cfg.TokenBudget > 0 {
			return l.finish(start, cfg.Model, usage, iter, "", ErrorBudgetExceeded, false)
		}
		if time.Since(start) > cfg.ActivationTimeout {
			return l.finish(start, cfg.Model, usage, iter, "", ErrorBudgetExceeded, false)
		}

		iterCtx, iterCancel := context.WithTimeout(ctx, cfg.IterationTimeout)
		resp, err := generateWithRetry(iterCtx, l.llm, LLMRequest{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Messages:    messages,
			Tools:       tools,
		}, l.log)
		iterCancel()

		if err != nil {
			l.log.Warn("llm call exhausted retries", "error", err)
			state.recordFailure(isTimeoutErr(ctx, err))
			return l.finish(start, cfg.Model, usage, iter, "", ErrorLLMUnavailable, false)
		}
		state.recordSuccess()
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			if err := l.postFinalText(ctx, work, resp.Text); err != nil {
				l.log.Warn("failed to post final text to hub", "error", err)
				return l.finish(start, cfg.Model, usage, iter, "", ErrorKind("POST_FAILED"), false)
			}
			return l.finish(start, cfg.Model, usage, iter, resp.Text, ErrorNone, true)
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			result := l.dispatch(ctx, registry, toolServerGrants, tc)
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	return l.finish(start, cfg.Model, usage, cfg.MaxIterations, "", ErrorIterationLimit, false)
}

func isTimeoutErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil || err == context.DeadlineExceeded
}

// buildContext assembles the ordered initial message list (§4.6 phase 1).
// Skill instruction sections (discovered via C8 server Instructions) and
// the budget-health summary are appended when available; callers without
// a live Hub pass a zero Config and get system+work framing only.
func (l *Loop) buildContext(ctx context.Context, cfg Config, work Work) []Message {
	messages := []Message{{Role: RoleSystem, Content: cfg.SystemPrompt}}

	for _, name := range sortedKeys(cfg.ToolInstructions) {
		instructions := cfg.ToolInstructions[name]
		if instructions == "" {
			continue
		}
		messages = append(messages, Message{
			Role:    RoleSystem,
			Content: fmt.Sprintf("Tool server %q instructions:\n%s", name, instructions),
		})
	}

	if l.hubRaw != nil {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		health, err := l.hubRaw.BudgetHealth(healthCtx, work.AgentID)
		cancel()
		if err != nil {
			l.log.Warn("budget health fetch failed", "agent_id", work.AgentID, "error", err)
		} else {
			messages = append(messages, Message{
				Role:    RoleSystem,
				Content: fmt.Sprintf("Budget health: %.1f%% remaining.", health.Remaining*100),
			})
		}
	}

	switch work.Kind {
	case WorkInbox:
		messages = append(messages, Message{Role: RoleUser, Content: fmt.Sprintf("New activity on thread %s. Investigate and respond.", work.ThreadID)})
	case WorkDiscovery:
		messages = append(messages, Message{Role: RoleUser, Content: "Discovery feed digest:\n" + work.Digest})
	}
	return messages
}

const maxPostRetries = 3

// postFinalText delivers the activation's answer upstream, retrying 3x
// with jitter on failure per §4.6 — sustained failure costs the agent a
// failure credit via the caller's outcome, same as any other per-item
// error.
func (l *Loop) postFinalText(ctx context.Context, work Work, text string) error {
	if text == "" {
		return nil
	}
	post := func() error {
		switch work.Kind {
		case WorkInbox:
			_, err := l.hubClient.CreateComment(ctx, work.ThreadID, hub.Post{Body: text})
			return err
		default:
			_, err := l.hubClient.CreatePost(ctx, hub.Post{Body: text})
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxPostRetries; attempt++ {
		if err := post(); err != nil {
			lastErr = err
			if attempt == maxPostRetries {
				break
			}
			jitter := time.Duration(rand.IntN(500)) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second + jitter):
			}
			continue
		}
		return nil
	}
	return lastErr
}

// dispatch executes one tool call: approval policy, then routing to a
// builtin, a tool-server, or an error result for an unknown tool
// (§4.6 phases 4-5). Never returns an error: every outcome becomes a
// tool-result string fed back to the model.
func (l *Loop) dispatch(ctx context.Context, registry *Registry, grants map[string]ApprovalPolicy, tc ToolCall) string {
	if policy, ok := grants[tc.Name]; ok {
		if reason := checkApproval(policy.Policy, policy.DangerousPattern, tc.Arguments); reason != "" {
			return "tool call skipped: " + reason
		}
	}

	target := registry.Resolve(tc.Name)
	switch target.Kind {
	case TargetBuiltin:
		content, _ := callBuiltin(ctx, l.hubClient, target.BuiltinKind, tc.Arguments)
		return content

	case TargetToolServer:
		callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		var args map[string]any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return fmt.Sprintf("invalid arguments: %v", err)
			}
		}
		result, err := l.tools.Call(callCtx, target.Server, target.Tool, args)
		if err != nil {
			if callCtx.Err() != nil {
				return "tool call timed out"
			}
			return fmt.Sprintf("tool call failed: %v", err)
		}
		return result.Content

	default:
		return "unknown tool"
	}
}

func (l *Loop) finish(start time.Time, model string, usage TokenUsage, iterations int, finalText string, kind ErrorKind, success bool) ActivationOutcome {
	outcome := ActivationOutcome{
		Success:    success,
		TokensIn:   usage.InputTokens,
		TokensOut:  usage.OutputTokens,
		Iterations: iterations,
		FinalText:  finalText,
		ErrorKind:  kind,
		Duration:   time.Since(start),
		Model:      model,
	}
	l.recorder.ActivationCompleted(outcome)
	if l.hubRaw != nil {
		reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.hubRaw.ReportConsumption(reportCtx, hub.Consumption{
			TokensIn:       outcome.TokensIn,
			TokensOut:      outcome.TokensOut,
			Model:          model,
			ActivationSecs: outcome.Duration.Seconds(),
		})
	}
	return outcome
}

func toolDefsFrom(tools []toolserver.Tool) []ToolDefinition {
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDefinition{Name: t.Name, Description: t.Description})
	}
	return out
}

// sortedKeys returns m's keys in lexical order so context messages built
// from a map have a deterministic, reproducible ordering.
func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toolServerNames(tools []toolserver.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}
