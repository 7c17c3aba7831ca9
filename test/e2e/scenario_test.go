// Package e2e wires the coordinator, the runner, and a fake upstream Hub
// together against a real (miniredis-backed) store, exercising the full
// claim-execute-report pipeline the way the teacher's own test/e2e
// package drives a complete pipeline rather than one package at a time.
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsysync/agentrunner/pkg/agentloop"
	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/coordinator"
	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/leader"
	"github.com/tarsysync/agentrunner/pkg/queue"
	"github.com/tarsysync/agentrunner/pkg/runner"
	"github.com/tarsysync/agentrunner/pkg/store"
)

// fakeHub stands in for the upstream Hub: notifications are seeded
// before the coordinator starts, and every comment the runner's
// activation posts back is recorded for assertions.
type fakeHub struct {
	mu            sync.Mutex
	notifications []hub.AgentNotification
	comments      []string
	unread        map[string][]hub.Notification
}

func (f *fakeHub) PollAgentsWithWork(ctx context.Context, timeout time.Duration, batchSize int) ([]hub.AgentNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.notifications
	f.notifications = nil
	return out, nil
}

func (f *fakeHub) StaleAgents(ctx context.Context, minStaleness time.Duration) ([]hub.StaleAgent, error) {
	return nil, nil
}

func (f *fakeHub) UnreadNotifications(ctx context.Context, agentID string) ([]hub.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[agentID], nil
}

func (f *fakeHub) CreatePost(ctx context.Context, post hub.Post) (hub.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, post.Body)
	return hub.Thread{ID: "p1"}, nil
}

func (f *fakeHub) CreateComment(ctx context.Context, postID string, post hub.Post) (hub.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, post.Body)
	return hub.Thread{ID: postID}, nil
}

func (f *fakeHub) Search(ctx context.Context, query string) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (f *fakeHub) GetThread(ctx context.Context, postID string) (hub.Thread, error) {
	return hub.Thread{ID: postID}, nil
}

func (f *fakeHub) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

type scriptedLLM struct{ reply string }

func (s scriptedLLM) Generate(ctx context.Context, req agentloop.LLMRequest) (*agentloop.LLMResponse, error) {
	return &agentloop.LLMResponse{Text: s.reply, Usage: agentloop.TokenUsage{InputTokens: 42, OutputTokens: 8}}, nil
}

// TestSingleInboxNotification_IsClaimedAndAnsweredByOneRunner drives the
// pipeline a single unread notification takes end to end: the
// coordinator discovers it and enqueues deduplicated work, and one
// hybrid runner claims it, runs one activation, and reports a comment
// back upstream — with no leftover queue or active-claim state and the
// agent's failure counter untouched.
func TestSingleInboxNotification_IsClaimedAndAnsweredByOneRunner(t *testing.T) {
	s := store.NewFake(t)
	q := queue.New(s, queue.DefaultBackoff())

	h := &fakeHub{
		notifications: []hub.AgentNotification{{AgentID: "alice", InboxCount: 1}},
		unread:        map[string][]hub.Notification{"alice": {{ID: "n1", AgentID: "alice"}}},
	}

	var markReadMu sync.Mutex
	var markedIDs []string
	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notifications/read" {
			var body struct {
				IDs []string `json:"ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			markReadMu.Lock()
			markedIDs = body.IDs
			markReadMu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hubSrv.Close()
	hubRaw := hub.New(hub.Config{BaseURL: hubSrv.URL})

	elector := leader.New(s, "coordinator-1", leader.Config{TTL: time.Second, Heartbeat: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	elector.Run(ctx)
	defer elector.Stop()
	require.Eventually(t, elector.IsLeader, 2*time.Second, 20*time.Millisecond)

	co := coordinator.New(h, q, elector, coordinator.Config{PollInterval: 20 * time.Millisecond, SweepInterval: time.Hour})
	coordCtx, coordCancel := context.WithCancel(ctx)
	go func() { _ = co.Run(coordCtx) }()
	defer coordCancel()

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background(), queue.PriorityHigh)
		return err == nil && depth == 1
	}, 2*time.Second, 20*time.Millisecond, "coordinator should enqueue alice's unread notification")

	configs := config.NewStaticLoader(map[string]config.AgentConfig{
		"alice": {
			AgentID:  "alice",
			Behavior: config.BehaviorConfig{MaxIterations: 3},
			Brain:    config.BrainConfig{Model: "claude-test", MaxTokens: 512},
		},
	})

	r := runner.New(runner.Config{
		RunnerID:      "runner-1",
		Mode:          runner.ModeHybrid,
		WorkspaceRoot: t.TempDir(),
	}, q, configs, scriptedLLM{reply: "thanks, looking into it"}, h, hubRaw, nil, nil)

	runnerCtx, runnerCancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(runnerCtx) }()
	defer func() {
		runnerCancel()
		<-runDone
	}()

	require.Eventually(t, func() bool {
		return h.commentCount() == 1
	}, 3*time.Second, 20*time.Millisecond, "runner should post exactly one comment back to the hub")

	h.mu.Lock()
	assert.Equal(t, []string{"thanks, looking into it"}, h.comments)
	h.mu.Unlock()

	require.Eventually(t, func() bool {
		markReadMu.Lock()
		defer markReadMu.Unlock()
		return len(markedIDs) == 1
	}, 2*time.Second, 20*time.Millisecond, "the answered notification should be marked read upstream")
	markReadMu.Lock()
	assert.Equal(t, []string{"n1"}, markedIDs)
	markReadMu.Unlock()

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background(), queue.PriorityHigh)
		active, aerr := q.ActiveCount(context.Background())
		return err == nil && aerr == nil && depth == 0 && active == 0
	}, 2*time.Second, 20*time.Millisecond, "queue and active-claim state should be fully drained after completion")

	backoffCount, err := q.BackoffCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backoffCount, "a successful activation must not leave the agent in backoff")
}
