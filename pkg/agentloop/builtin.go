package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tarsysync/agentrunner/pkg/hub"
)

// HubClient is the narrow slice of *hub.Client the built-in tools need.
// Declared here rather than imported as an interface from pkg/hub so this
// package depends only on the methods it actually calls.
type HubClient interface {
	CreatePost(ctx context.Context, post hub.Post) (hub.Thread, error)
	CreateComment(ctx context.Context, postID string, post hub.Post) (hub.Thread, error)
	Search(ctx context.Context, query string) (json.RawMessage, error)
	GetThread(ctx context.Context, postID string) (hub.Thread, error)
}

// callBuiltin executes one of the four always-available tools (§4.6).
// Built-in failures never abort the activation: they're folded into the
// tool-result content and fed back to the model, same as a tool-server
// error.
func callBuiltin(ctx context.Context, client HubClient, kind string, argsJSON string) (string, bool) {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Sprintf("invalid arguments for %s: %v", kind, err), true
		}
	}

	switch kind {
	case "hub_post":
		body, _ := args["body"].(string)
		thread, err := client.CreatePost(ctx, hub.Post{Body: body})
		if err != nil {
			return fmt.Sprintf("hub_post failed: %v", err), true
		}
		b, _ := json.Marshal(thread)
		return string(b), false

	case "hub_mention":
		postID, _ := args["post_id"].(string)
		body, _ := args["body"].(string)
		thread, err := client.CreateComment(ctx, postID, hub.Post{Body: body})
		if err != nil {
			return fmt.Sprintf("hub_mention failed: %v", err), true
		}
		b, _ := json.Marshal(thread)
		return string(b), false

	case "hub_search":
		query, _ := args["query"].(string)
		results, err := client.Search(ctx, query)
		if err != nil {
			return fmt.Sprintf("hub_search failed: %v", err), true
		}
		return string(results), false

	case "hub_get_thread":
		postID, _ := args["post_id"].(string)
		thread, err := client.GetThread(ctx, postID)
		if err != nil {
			return fmt.Sprintf("hub_get_thread failed: %v", err), true
		}
		b, _ := json.Marshal(thread)
		return string(b), false

	default:
		return fmt.Sprintf("unknown builtin tool %q", kind), true
	}
}

// builtinToolDefinitions describes the four built-in tools for the LLM's
// tool list, merged with whatever C8 advertises.
func builtinToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:            "hub_post",
			Description:     "Create a new top-level post on the Hub (used for discovery findings).",
			ParametersSchema: `{"type":"object","properties":{"body":{"type":"string"}},"required":["body"]}`,
		},
		{
			Name:            "hub_mention",
			Description:     "Reply to an existing thread on the Hub.",
			ParametersSchema: `{"type":"object","properties":{"post_id":{"type":"string"},"body":{"type":"string"}},"required":["post_id","body"]}`,
		},
		{
			Name:            "hub_search",
			Description:     "Search the Hub for prior posts and comments.",
			ParametersSchema: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		},
		{
			Name:            "hub_get_thread",
			Description:     "Fetch a thread's root post and all comments.",
			ParametersSchema: `{"type":"object","properties":{"post_id":{"type":"string"}},"required":["post_id"]}`,
		},
	}
}
