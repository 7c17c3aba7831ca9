package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/tarsysync/agentrunner/pkg/slack"
)

// SlackSink posts an operator-facing notification for leader changes and
// sustained circuit-breaker trips — infrequent, high-signal events,
// unlike the per-activation metrics/logs above which would flood a
// channel. Nil-safe: a nil *SlackSink is never dereferenced by callers
// that check for nil first (matching the teacher's pkg/slack.Service
// idiom), and NewSlackSink itself returns nil when unconfigured.
type SlackSink struct {
	client *slack.Client
	log    *slog.Logger

	mu           sync.Mutex
	tripCounts   map[string]int
}

// sustainedTripThreshold is how many consecutive circuit-breaker trips
// for the same breaker name are required before a Slack notification
// fires, so a single transient blip doesn't page anyone.
const sustainedTripThreshold = 3

// NewSlackSink constructs a sink, or returns nil if token/channel are
// unset (Slack notifications are optional).
func NewSlackSink(token, channel string) *SlackSink {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackSink{
		client:     slack.NewClient(token, channel),
		log:        slog.Default().With("component", "observability.slack"),
		tripCounts: make(map[string]int),
	}
}

func (s *SlackSink) NotifyLeaderChange(ctx context.Context, becameLeader bool) {
	if s == nil {
		return
	}
	text := "lost leadership"
	if becameLeader {
		text = "became leader"
	}
	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, ":satellite: coordinator instance "+text, false, false), nil, nil),
	}
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.log.Warn("failed to post leader-change notification", "error", err)
	}
}

// NotifyCircuitBreakerTrip records a trip for breakerName and, once the
// consecutive count reaches sustainedTripThreshold, posts a notification
// and resets the counter. ResetTrips should be called by the caller on
// the breaker's next successful call.
func (s *SlackSink) NotifyCircuitBreakerTrip(ctx context.Context, breakerName string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.tripCounts[breakerName]++
	count := s.tripCounts[breakerName]
	s.mu.Unlock()

	if count < sustainedTripThreshold {
		return
	}
	s.mu.Lock()
	s.tripCounts[breakerName] = 0
	s.mu.Unlock()

	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf(":rotating_light: circuit breaker %q has tripped %d consecutive times", breakerName, count), false, false), nil, nil),
	}
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.log.Warn("failed to post circuit-breaker notification", "error", err)
	}
}

// ResetTrips clears the consecutive-trip counter for breakerName.
func (s *SlackSink) ResetTrips(breakerName string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripCounts[breakerName] = 0
}
