// Package hub implements the upstream Hub HTTP client (§6): the
// notification/agent/post/search/feed/budget surface the coordinator and
// agent loop consume. Wrapped in a circuit breaker so a degraded Hub
// doesn't cascade into runner-side stalls.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable wraps any failure reaching the Hub after retries are
// exhausted; surfaced as UPSTREAM_UNAVAILABLE.
var ErrUnavailable = errors.New("hub: unavailable")

const maxBodyBytes = 1 << 20 // 1 MiB cap per §6

// Client is the Hub HTTP client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
	log        *slog.Logger
}

// Config configures the client's base URL, credential, and timeouts.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hub",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		breaker:    breaker,
		log:        slog.Default().With("component", "hub"),
	}
}

// AgentNotification is one entry returned by PollAgentsWithWork.
type AgentNotification struct {
	AgentID       string `json:"agent_id"`
	AgentName     string `json:"agent_name"`
	InboxCount    int    `json:"inbox_count"`
}

// StaleAgent is one entry returned by StaleAgents.
type StaleAgent struct {
	AgentID        string    `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
	LastActivated  time.Time `json:"last_activated_at"`
}

// PollAgentsWithWork long-polls for agents with unread notifications,
// falling back to the agents-with-notifications listing if the poll
// endpoint is absent (404), per §6.
func (c *Client) PollAgentsWithWork(ctx context.Context, timeout time.Duration, batchSize int) ([]AgentNotification, error) {
	path := fmt.Sprintf("/notifications/poll?timeout=%d&batch_size=%d", int(timeout.Seconds()), batchSize)
	var out []AgentNotification
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if errors.Is(err, errNotFound) {
		return c.pollFallback(ctx)
	}
	return out, err
}

func (c *Client) pollFallback(ctx context.Context) ([]AgentNotification, error) {
	var out []AgentNotification
	err := c.doJSON(ctx, http.MethodGet, "/agents?has_notifications=true", nil, &out)
	return out, err
}

// StaleAgents fetches agents whose last_activated_at exceeds minStaleness.
func (c *Client) StaleAgents(ctx context.Context, minStaleness time.Duration) ([]StaleAgent, error) {
	path := fmt.Sprintf("/agents?stale=true&min_staleness=%d", int(minStaleness.Seconds()))
	var out []StaleAgent
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// MarkActivated notifies the Hub that an agent was just activated.
func (c *Client) MarkActivated(ctx context.Context, agentID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/agents/%s/activated", agentID), nil, nil)
}

// Thread is the response of GetThread.
type Thread struct {
	ID       string        `json:"id"`
	Comments []ThreadEntry `json:"comments"`
}

// ThreadEntry is one post or comment in a thread.
type ThreadEntry struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (c *Client) GetThread(ctx context.Context, postID string) (Thread, error) {
	var out Thread
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/posts/%s?include_comments=true", postID), nil, &out)
	return out, err
}

// Post represents the body of a new post or comment.
type Post struct {
	Body string `json:"body"`
}

func (c *Client) CreatePost(ctx context.Context, post Post) (Thread, error) {
	var out Thread
	err := c.doJSON(ctx, http.MethodPost, "/posts", post, &out)
	return out, err
}

func (c *Client) CreateComment(ctx context.Context, postID string, post Post) (Thread, error) {
	var out Thread
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/comments", postID), post, &out)
	return out, err
}

// Notification is one unread notification entry.
type Notification struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

func (c *Client) UnreadNotifications(ctx context.Context, agentID string) ([]Notification, error) {
	var out []Notification
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/notifications?agent_id=%s&unread=true", agentID), nil, &out)
	return out, err
}

func (c *Client) MarkNotificationsRead(ctx context.Context, ids []string) error {
	return c.doJSON(ctx, http.MethodPost, "/notifications/read", map[string][]string{"ids": ids}, nil)
}

func (c *Client) Search(ctx context.Context, query string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/search?q="+query, nil, &out)
	return out, err
}

func (c *Client) DiscoveryFeed(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/feed/discover", nil, &out)
	return out, err
}

// BudgetHealth is the response of BudgetHealth.
type BudgetHealth struct {
	AgentID   string  `json:"agent_id"`
	Remaining float64 `json:"remaining"`
}

func (c *Client) BudgetHealth(ctx context.Context, agentID string) (BudgetHealth, error) {
	var out BudgetHealth
	err := c.doJSON(ctx, http.MethodGet, "/system/budget-health?agent_id="+agentID, nil, &out)
	return out, err
}

// Consumption is reported fire-and-forget after every activation.
type Consumption struct {
	AgentID          string  `json:"agent_id"`
	TokensIn         int     `json:"tokens_in"`
	TokensOut        int     `json:"tokens_out"`
	Model            string  `json:"model"`
	ActivationSecs   float64 `json:"activation_seconds"`
}

func (c *Client) ReportConsumption(ctx context.Context, cons Consumption) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodPost, "/system/consumption", cons, nil)
}
