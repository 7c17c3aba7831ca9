package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// LLMRequest is one call to the model: the full conversation plus the
// tool set currently advertised for this activation.
type LLMRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolDefinition
}

// LLMResponse is either a final text answer or a list of tool calls to
// execute next — never both, matching the native tool-use protocol this
// loop is built around instead of text-parsed ReAct (spec §9).
type LLMResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// LLMClient abstracts the model call so the loop can be tested without a
// live API key, the same separation the teacher draws between
// controller.Run and its agent.LLMClient collaborator.
type LLMClient interface {
	Generate(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// AnthropicClient is the concrete LLMClient backed by anthropic-sdk-go.
type AnthropicClient struct {
	client anthropic.Client
	log    *slog.Logger
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		log:    slog.Default().With("component", "agentloop.llm"),
	}
}

func (a *AnthropicClient) Generate(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if t.ParametersSchema != "" {
			_ = json.Unmarshal([]byte(t.ParametersSchema), &schema)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParamOfTool(anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}))
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	resp := &LLMResponse{
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += variant.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: string(variant.Input),
			})
		}
	}
	return resp, nil
}

// generateWithRetry retries transient failures (timeouts, 5xx) up to
// maxLLMRetries times with exponential backoff before giving up, per
// spec §4.6's LLM_UNAVAILABLE failure semantics.
const maxLLMRetries = 3

func generateWithRetry(ctx context.Context, client LLMClient, req LLMRequest, log *slog.Logger) (*LLMResponse, error) {
	var lastErr error
	delay := time.Second
	for attempt := 1; attempt <= maxLLMRetries; attempt++ {
		resp, err := client.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableLLMError(err) {
			return nil, err
		}
		log.Warn("llm call failed, retrying", "attempt", attempt, "error", err)
		if attempt == maxLLMRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("llm unavailable after %d attempts: %w", maxLLMRetries, lastErr)
}

func isRetryableLLMError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
