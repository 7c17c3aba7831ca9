package runner

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
	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/queue"
)

type fakeQueue struct {
	mu         sync.Mutex
	claimQueue []queue.WorkItem
	completed  []queue.WorkItem
	successes  []bool
	reenqueued []queue.WorkItem
	heartbeats int
}

func (q *fakeQueue) Claim(ctx context.Context, runnerID string, timeout, idleTTL time.Duration) (queue.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.claimQueue) == 0 {
		return queue.WorkItem{}, queue.ErrNoWork
	}
	w := q.claimQueue[0]
	q.claimQueue = q.claimQueue[1:]
	return w, nil
}

func (q *fakeQueue) Complete(ctx context.Context, work queue.WorkItem, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, work)
	q.successes = append(q.successes, success)
	return nil
}

func (q *fakeQueue) Heartbeat(ctx context.Context, agentID, claimID string, idleTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, work queue.WorkItem, force bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reenqueued = append(q.reenqueued, work)
	return true, nil
}

type fakeConfigs struct {
	cfg config.AgentConfig
	err error
}

func (c *fakeConfigs) GetOrLoad(ctx context.Context, agentID string) (config.AgentConfig, error) {
	return c.cfg, c.err
}

type fakeLLM struct {
	text string

	// started, when non-nil, is closed the first time Generate is
	// called, letting a test block until an activation is truly
	// in flight before acting on it.
	started chan struct{}
	once    sync.Once

	// release, when non-nil, blocks Generate until either it is closed
	// (successful reply) or ctx is cancelled (simulating a forced
	// shutdown mid-call).
	release chan struct{}
}

func (f *fakeLLM) Generate(ctx context.Context, req agentloop.LLMRequest) (*agentloop.LLMResponse, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agentloop.LLMResponse{Text: f.text, Usage: agentloop.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

type fakeHub struct {
	mu       sync.Mutex
	comments []string
	posts    []string
}

func (f *fakeHub) CreatePost(ctx context.Context, post hub.Post) (hub.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post.Body)
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

func baseAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		AgentID: "alice",
		Behavior: config.BehaviorConfig{
			MaxIterations: 5,
		},
		Brain: config.BrainConfig{
			Model:     "claude-test",
			MaxTokens: 1024,
		},
	}
}

func TestRunner_SingleInboxActivation_Once(t *testing.T) {
	q := &fakeQueue{claimQueue: []queue.WorkItem{
		{AgentID: "alice", TaskType: queue.TaskTypeInbox, Priority: queue.PriorityHigh, ClaimID: "runner-1:1"},
	}}
	cfgs := &fakeConfigs{cfg: baseAgentConfig()}
	llm := &fakeLLM{text: "hello alice"}
	h := &fakeHub{}

	r := New(Config{RunnerID: "runner-1", Once: true, WorkspaceRoot: t.TempDir()}, q, cfgs, llm, h, nil, nil, nil)

	err := r.Run(context.Background())
	require.NoError(t, err)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.completed, 1)
	assert.True(t, q.successes[0])
	assert.Equal(t, "alice", q.completed[0].AgentID)
}

func TestRunner_ConfigUnavailable_CompletesFailure(t *testing.T) {
	q := &fakeQueue{claimQueue: []queue.WorkItem{
		{AgentID: "bob", TaskType: queue.TaskTypeInbox, ClaimID: "runner-1:1"},
	}}
	cfgs := &fakeConfigs{err: assertErr{}}
	llm := &fakeLLM{text: "unused"}
	h := &fakeHub{}

	r := New(Config{RunnerID: "runner-1", Once: true, WorkspaceRoot: t.TempDir()}, q, cfgs, llm, h, nil, nil, nil)
	require.NoError(t, r.Run(context.Background()))

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.completed, 1)
	assert.False(t, q.successes[0])
}

type assertErr struct{}

func (assertErr) Error() string { return "config unavailable" }

func TestRunner_ModeMismatch_ReenqueuesAndCompletesSuccess(t *testing.T) {
	q := &fakeQueue{claimQueue: []queue.WorkItem{
		{AgentID: "carol", TaskType: queue.TaskTypeDiscovery, ClaimID: "runner-1:1"},
	}}
	cfgs := &fakeConfigs{cfg: baseAgentConfig()}
	llm := &fakeLLM{text: "unused"}
	h := &fakeHub{}

	r := New(Config{RunnerID: "runner-1", Mode: ModeNotification, Once: true, WorkspaceRoot: t.TempDir()}, q, cfgs, llm, h, nil, nil, nil)
	require.NoError(t, r.Run(context.Background()))

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.reenqueued, 1)
	require.Len(t, q.completed, 1)
	assert.True(t, q.successes[0])
}

func TestRunner_Once_NoWork_ReturnsImmediately(t *testing.T) {
	q := &fakeQueue{}
	cfgs := &fakeConfigs{cfg: baseAgentConfig()}
	r := New(Config{RunnerID: "runner-1", Once: true, WorkspaceRoot: t.TempDir()}, q, cfgs, &fakeLLM{}, &fakeHub{}, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for empty queue in --once mode")
	}
}

func TestRunner_Stop_LetsInFlightActivationFinishBeforeReturning(t *testing.T) {
	q := &fakeQueue{claimQueue: []queue.WorkItem{
		{AgentID: "eve", TaskType: queue.TaskTypeInbox, ClaimID: "runner-1:1"},
	}}
	cfgs := &fakeConfigs{cfg: baseAgentConfig()}
	llm := &fakeLLM{text: "done", started: make(chan struct{}), release: make(chan struct{})}
	h := &fakeHub{}

	r := New(Config{RunnerID: "runner-1", WorkspaceRoot: t.TempDir()}, q, cfgs, llm, h, nil, nil, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(context.Background()) }()

	select {
	case <-llm.started:
	case <-time.After(2 * time.Second):
		t.Fatal("activation never reached the LLM call")
	}

	r.Stop()

	select {
	case <-runDone:
		t.Fatal("Run returned before the in-flight activation finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(llm.release)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the in-flight activation completed")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.completed, 1)
	assert.True(t, q.successes[0])
	assert.Equal(t, "eve", q.completed[0].AgentID)
}

func TestRunner_ContextCancelMidActivation_CompletesAsFailure(t *testing.T) {
	q := &fakeQueue{claimQueue: []queue.WorkItem{
		{AgentID: "eve", TaskType: queue.TaskTypeInbox, ClaimID: "runner-1:1"},
	}}
	cfgs := &fakeConfigs{cfg: baseAgentConfig()}
	llm := &fakeLLM{started: make(chan struct{}), release: make(chan struct{})}
	h := &fakeHub{}

	r := New(Config{RunnerID: "runner-1", WorkspaceRoot: t.TempDir()}, q, cfgs, llm, h, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	select {
	case <-llm.started:
	case <-time.After(2 * time.Second):
		t.Fatal("activation never reached the LLM call")
	}

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.completed, 1)
	assert.False(t, q.successes[0], "a cancelled in-flight activation must report failure, not silently succeed")
}

func TestRunner_SuccessfulInboxActivation_MarksNotificationsRead(t *testing.T) {
	var mu sync.Mutex
	var markedIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notifications/read" {
			var body struct {
				IDs []string `json:"ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			markedIDs = body.IDs
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := &fakeQueue{claimQueue: []queue.WorkItem{
		{
			AgentID:  "alice",
			TaskType: queue.TaskTypeInbox,
			ClaimID:  "runner-1:1",
			Payload:  map[string]string{"notification_ids": "n1,n2"},
		},
	}}
	cfgs := &fakeConfigs{cfg: baseAgentConfig()}
	llm := &fakeLLM{text: "answered"}
	h := &fakeHub{}
	hubRaw := hub.New(hub.Config{BaseURL: srv.URL})

	r := New(Config{RunnerID: "runner-1", Once: true, WorkspaceRoot: t.TempDir()}, q, cfgs, llm, h, hubRaw, nil, nil)
	require.NoError(t, r.Run(context.Background()))

	q.mu.Lock()
	require.Len(t, q.completed, 1)
	assert.True(t, q.successes[0])
	q.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n1", "n2"}, markedIDs)
}

func TestMode_Accepts(t *testing.T) {
	assert.True(t, ModeHybrid.accepts(queue.TaskTypeInbox))
	assert.True(t, ModeHybrid.accepts(queue.TaskTypeDiscovery))
	assert.True(t, ModeNotification.accepts(queue.TaskTypeInbox))
	assert.False(t, ModeNotification.accepts(queue.TaskTypeDiscovery))
	assert.True(t, ModeExploration.accepts(queue.TaskTypeDiscovery))
	assert.False(t, ModeExploration.accepts(queue.TaskTypeInbox))
}
