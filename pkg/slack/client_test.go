package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSlackServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.1"})
	}))
}

func TestPostMessage_Success(t *testing.T) {
	srv := newMockSlackServer(t)
	defer srv.Close()

	c := NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/")
	blocks := []goslack.Block{goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, "hi", false, false), nil, nil)}

	err := c.PostMessage(context.Background(), blocks, time.Second)
	require.NoError(t, err)
}

func TestPostMessage_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	c := NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/")
	err := c.PostMessage(context.Background(), nil, time.Second)
	assert.Error(t, err)
}
