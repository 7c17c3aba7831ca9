package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/tarsysync/agentrunner/pkg/agentloop"
	"github.com/tarsysync/agentrunner/pkg/queue"
)

// Recorder implements agentloop.Recorder: every completed activation
// updates the duration/outcome/token metrics and logs the
// activation_completed event the spec names in §2 (C9).
type Recorder struct {
	metrics *Metrics
	log     *slog.Logger
}

func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{metrics: m, log: slog.Default().With("component", "observability")}
}

func (r *Recorder) ActivationCompleted(outcome agentloop.ActivationOutcome) {
	success := strconv.FormatBool(outcome.Success)
	r.metrics.ActivationDuration.WithLabelValues(success).Observe(outcome.Duration.Seconds())
	r.metrics.ActivationsTotal.WithLabelValues(success, string(outcome.ErrorKind)).Inc()
	r.metrics.TokensConsumedTotal.WithLabelValues("in").Add(float64(outcome.TokensIn))
	r.metrics.TokensConsumedTotal.WithLabelValues("out").Add(float64(outcome.TokensOut))

	r.log.Info("activation_completed",
		"success", outcome.Success,
		"error_kind", outcome.ErrorKind,
		"iterations", outcome.Iterations,
		"tokens_in", outcome.TokensIn,
		"tokens_out", outcome.TokensOut,
		"duration_seconds", outcome.Duration.Seconds(),
		"model", outcome.Model)
}

// DepthProvider is the narrow interface observability needs from the
// queue to populate gauges — a second, metrics-only narrow interface
// alongside the coordinator's Enqueuer, per §9's cycle-breaking guidance
// applied consistently to every queue consumer rather than just the one
// the spec calls out by name.
type DepthProvider interface {
	Depth(ctx context.Context, priority queue.Priority) (int64, error)
	ActiveCount(ctx context.Context) (int64, error)
	BackoffCount(ctx context.Context) (int64, error)
}

// QueueSampler periodically refreshes the queue-depth/active/backoff
// gauges from the store. It never mutates queue state.
type QueueSampler struct {
	queue    DepthProvider
	metrics  *Metrics
	interval time.Duration
	log      *slog.Logger
}

func NewQueueSampler(q DepthProvider, m *Metrics, interval time.Duration) *QueueSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &QueueSampler{queue: q, metrics: m, interval: interval, log: slog.Default().With("component", "observability")}
}

// Run blocks, sampling on a ticker until ctx is cancelled.
func (s *QueueSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sample(ctx)
	for {
		select {
		case <-ticker.C:
			s.sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *QueueSampler) sample(ctx context.Context) {
	for _, p := range []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow} {
		depth, err := s.queue.Depth(ctx, p)
		if err != nil {
			s.log.Warn("failed to sample queue depth", "priority", p, "error", err)
			continue
		}
		s.metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(depth))
	}
	if n, err := s.queue.ActiveCount(ctx); err == nil {
		s.metrics.ActiveCount.Set(float64(n))
	}
	if n, err := s.queue.BackoffCount(ctx); err == nil {
		s.metrics.BackoffCount.Set(float64(n))
	}
}

// LeaderChecker is satisfied by *leader.Elector.
type LeaderChecker interface {
	IsLeader() bool
}

// LeaderSampler refreshes the is_leader gauge and logs became_leader /
// lost_leadership transitions (the log events the spec names in §2; the
// elector itself only maintains the in-process cached boolean).
type LeaderSampler struct {
	leader   LeaderChecker
	metrics  *Metrics
	slack    *SlackSink
	interval time.Duration
	was      bool
	log      *slog.Logger
}

func NewLeaderSampler(lc LeaderChecker, m *Metrics, slack *SlackSink, interval time.Duration) *LeaderSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &LeaderSampler{leader: lc, metrics: m, slack: slack, interval: interval, log: slog.Default().With("component", "observability")}
}

func (s *LeaderSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *LeaderSampler) sample(ctx context.Context) {
	now := s.leader.IsLeader()
	if now == s.was {
		if now {
			s.metrics.IsLeader.Set(1)
		} else {
			s.metrics.IsLeader.Set(0)
		}
		return
	}
	s.was = now
	if now {
		s.metrics.IsLeader.Set(1)
		s.log.Info("became_leader")
		if s.slack != nil {
			s.slack.NotifyLeaderChange(ctx, true)
		}
	} else {
		s.metrics.IsLeader.Set(0)
		s.log.Info("lost_leadership")
		if s.slack != nil {
			s.slack.NotifyLeaderChange(ctx, false)
		}
	}
}
