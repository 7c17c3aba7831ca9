// Package coordinator implements the leader-only work discovery loop
// (C4): inbox polling and staleness sweeps against the Hub, enqueuing
// deduplicated WorkItems into the queue.
package coordinator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/queue"
)

// Enqueuer is the narrow interface the coordinator depends on, breaking
// the cycle described in §9: the coordinator needs to enqueue and the
// queue needs to report depth to the coordinator's metrics, so neither
// depends on the other's full surface. SweepOrphans is included because
// orphan recovery is, like polling, a leader-only periodic task driven
// from this same loop.
type Enqueuer interface {
	Enqueue(ctx context.Context, work queue.WorkItem, force bool) (bool, error)
	SweepOrphans(ctx context.Context) ([]string, error)
}

// HubClient is the subset of *hub.Client the coordinator calls.
type HubClient interface {
	PollAgentsWithWork(ctx context.Context, timeout time.Duration, batchSize int) ([]hub.AgentNotification, error)
	StaleAgents(ctx context.Context, minStaleness time.Duration) ([]hub.StaleAgent, error)
	UnreadNotifications(ctx context.Context, agentID string) ([]hub.Notification, error)
}

// LeaderChecker reports current leadership; satisfied by *leader.Elector.
type LeaderChecker interface {
	IsLeader() bool
}

// Config holds the coordinator's tunables. PollInterval's default
// resolves the spec's open question (§9) in favor of the README value;
// see DESIGN.md.
type Config struct {
	PollInterval        time.Duration
	SweepInterval       time.Duration
	MinStaleness        time.Duration
	PollTimeout         time.Duration
	PollBatchSize       int
	OrphanSweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.MinStaleness <= 0 {
		c.MinStaleness = 900 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 100
	}
	if c.OrphanSweepInterval <= 0 {
		c.OrphanSweepInterval = 60 * time.Second
	}
	return c
}

// Coordinator runs the two cooperative poll tasks while leader.
type Coordinator struct {
	hub    HubClient
	queue  Enqueuer
	leader LeaderChecker
	cfg    Config
	log    *slog.Logger
}

func New(hub HubClient, q Enqueuer, leaderChecker LeaderChecker, cfg Config) *Coordinator {
	return &Coordinator{
		hub:    hub,
		queue:  q,
		leader: leaderChecker,
		cfg:    cfg.withDefaults(),
		log:    slog.Default().With("component", "coordinator"),
	}
}

// Run blocks, running both tasks under an errgroup until ctx is
// cancelled. A task returning an error cancels the sibling.
func (co *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return co.pollInboxLoop(ctx) })
	g.Go(func() error { return co.sweepStaleLoop(ctx) })
	g.Go(func() error { return co.sweepOrphansLoop(ctx) })
	return g.Wait()
}

func (co *Coordinator) pollInboxLoop(ctx context.Context) error {
	for {
		if err := sleepJittered(ctx, co.cfg.PollInterval, 0.2); err != nil {
			return nil
		}
		if !co.leader.IsLeader() {
			co.log.Debug("not_leader_skipping_poll", "task", "inbox")
			continue
		}
		if err := co.pollInboxOnce(ctx); err != nil {
			co.log.Warn("inbox poll failed", "error", err)
		}
	}
}

func (co *Coordinator) pollInboxOnce(ctx context.Context) error {
	notifications, err := co.hub.PollAgentsWithWork(ctx, co.cfg.PollTimeout, co.cfg.PollBatchSize)
	if err != nil {
		return err
	}
	for _, n := range notifications {
		payload := map[string]string{"inbox_count": strconv.Itoa(n.InboxCount)}

		unread, err := co.hub.UnreadNotifications(ctx, n.AgentID)
		if err != nil {
			co.log.Warn("unread notifications fetch failed", "agent_id", n.AgentID, "error", err)
		} else if len(unread) > 0 {
			ids := make([]string, len(unread))
			for i, note := range unread {
				ids[i] = note.ID
			}
			payload["notification_ids"] = strings.Join(ids, ",")
		}

		work := queue.WorkItem{
			AgentID:   n.AgentID,
			AgentName: n.AgentName,
			TaskType:  queue.TaskTypeInbox,
			Priority:  queue.PriorityHigh,
			Payload:   payload,
		}
		if _, err := co.queue.Enqueue(ctx, work, false); err != nil {
			co.log.Warn("enqueue failed", "agent_id", n.AgentID, "error", err)
		}
	}
	return nil
}

func (co *Coordinator) sweepStaleLoop(ctx context.Context) error {
	for {
		if err := sleepJittered(ctx, co.cfg.SweepInterval, 0.2); err != nil {
			return nil
		}
		if !co.leader.IsLeader() {
			co.log.Debug("not_leader_skipping_poll", "task", "sweep")
			continue
		}
		if err := co.sweepStaleOnce(ctx); err != nil {
			co.log.Warn("staleness sweep failed", "error", err)
		}
	}
}

func (co *Coordinator) sweepStaleOnce(ctx context.Context) error {
	agents, err := co.hub.StaleAgents(ctx, co.cfg.MinStaleness)
	if err != nil {
		return err
	}
	for _, a := range agents {
		work := queue.WorkItem{
			AgentID:   a.AgentID,
			AgentName: a.AgentName,
			TaskType:  queue.TaskTypeDiscovery,
			Priority:  queue.PriorityNormal,
		}
		if _, err := co.queue.Enqueue(ctx, work, false); err != nil {
			co.log.Warn("enqueue failed", "agent_id", a.AgentID, "error", err)
		}
	}
	return nil
}

// sweepOrphansLoop periodically reclaims active-task entries whose
// owning runner died without releasing them (§4.2 orphan recovery),
// making those agents eligible for re-enqueue again. Leader-gated like
// the other two tasks: only the active coordinator should be mutating
// active-task state on the crash-recovery path.
func (co *Coordinator) sweepOrphansLoop(ctx context.Context) error {
	for {
		if err := sleepJittered(ctx, co.cfg.OrphanSweepInterval, 0.2); err != nil {
			return nil
		}
		if !co.leader.IsLeader() {
			co.log.Debug("not_leader_skipping_poll", "task", "orphan_sweep")
			continue
		}
		recovered, err := co.queue.SweepOrphans(ctx)
		if err != nil {
			co.log.Warn("orphan sweep failed", "error", err)
			continue
		}
		if len(recovered) > 0 {
			co.log.Info("orphans_recovered", "agent_ids", recovered)
		}
	}
}

// sleepJittered sleeps base ± base*jitterFrac, returning early with an
// error if ctx is cancelled first.
func sleepJittered(ctx context.Context, base time.Duration, jitterFrac float64) error {
	spread := float64(base) * jitterFrac
	delta := time.Duration((rand.Float64()*2 - 1) * spread)
	select {
	case <-time.After(base + delta):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
