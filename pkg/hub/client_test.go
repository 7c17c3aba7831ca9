package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsysync/agentrunner/pkg/hub"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *hub.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return hub.New(hub.Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: 2 * time.Second})
}

func TestPollAgentsWithWork_ReturnsDecodedList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications/poll?timeout=30&batch_size=100", r.URL.RequestURI())
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]hub.AgentNotification{
			{AgentID: "alice", AgentName: "Alice", InboxCount: 1},
		})
	})

	out, err := client.PollAgentsWithWork(context.Background(), 30*time.Second, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "alice", out[0].AgentID)
}

func TestPollAgentsWithWork_FallsBackOn404(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notifications/poll" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/agents", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("has_notifications"))
		_ = json.NewEncoder(w).Encode([]hub.AgentNotification{{AgentID: "bob"}})
	})

	out, err := client.PollAgentsWithWork(context.Background(), 30*time.Second, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0].AgentID)
}

func TestDoJSON_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(hub.Thread{ID: "p1"})
	})

	thread, err := client.GetThread(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", thread.ID)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestDoJSON_NeverRetries4xx(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.GetThread(context.Background(), "p1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 4xx response must not be retried")
}

func TestCreateComment_PostsBodyToCorrectPath(t *testing.T) {
	var gotBody hub.Post
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/posts/p42/comments", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(hub.Thread{ID: "p42"})
	})

	_, err := client.CreateComment(context.Background(), "p42", hub.Post{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", gotBody.Body)
}

func TestReportConsumption_FireAndForgetSucceedsOn204(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system/consumption", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.ReportConsumption(context.Background(), hub.Consumption{AgentID: "alice", TokensIn: 10, TokensOut: 5})
	require.NoError(t, err)
}

func TestMarkNotificationsRead_SendsIDs(t *testing.T) {
	var payload map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.MarkNotificationsRead(context.Background(), []string{"n1", "n2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, payload["ids"])
}
