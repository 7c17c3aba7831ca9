// Package runner implements the claim-execute-report loop (C5): claim
// work, load the claiming agent's cached config, run one activation, and
// report the outcome back to the queue, with heartbeat-refreshed claim
// TTLs and graceful SIGTERM handling. Structurally adapted from the
// teacher's pkg/queue.WorkerPool/Worker (claim loop, nil-guard result
// synthesis, heartbeat goroutine, idempotent Stop), generalized from a
// fixed worker-count pool polling Postgres to a single cooperative claim
// loop polling Redis via store.Client.ListBlockPopLeftMulti.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tarsysync/agentrunner/pkg/activationlog"
	"github.com/tarsysync/agentrunner/pkg/agentloop"
	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/masking"
	"github.com/tarsysync/agentrunner/pkg/queue"
	"github.com/tarsysync/agentrunner/pkg/toolserver"
)

// Queue is the narrow slice of *queue.Queue the runner depends on.
type Queue interface {
	Claim(ctx context.Context, runnerID string, timeout, idleTTL time.Duration) (queue.WorkItem, error)
	Complete(ctx context.Context, work queue.WorkItem, success bool) error
	Heartbeat(ctx context.Context, agentID, claimID string, idleTTL time.Duration) error
	Enqueue(ctx context.Context, work queue.WorkItem, force bool) (bool, error)
}

// ConfigProvider is the narrow slice of *configcache.Cache the runner
// depends on.
type ConfigProvider interface {
	GetOrLoad(ctx context.Context, agentID string) (config.AgentConfig, error)
}

// AuditLog is the narrow slice of *activationlog.Store the runner
// depends on. A nil AuditLog disables audit recording entirely; it is
// not part of the queue's own success/failure accounting and never
// affects an activation's outcome.
type AuditLog interface {
	Append(ctx context.Context, r activationlog.Record) error
}

// Config holds the runner's operator-tunable settings. These govern
// every activation the runner executes; per-agent tuning comes from the
// claimed agent's own AgentConfig.
type Config struct {
	RunnerID          string
	Mode              Mode
	MaxInFlight       int
	ClaimTimeout      time.Duration
	ActivationTimeout time.Duration
	IterationTimeout  time.Duration
	HeartbeatInterval time.Duration
	TokenBudget       int
	WorkspaceRoot     string
	Once              bool // claim at most one item then return (tests, §6)
}

func (c Config) withDefaults() Config {
	if c.RunnerID == "" {
		c.RunnerID = "runner"
	}
	if c.Mode == "" {
		c.Mode = ModeHybrid
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 30 * time.Second
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = 600 * time.Second
	}
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = 120 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ActivationTimeout / 4
	}
	return c
}

// idleTTL is the orphan-recovery window per §4.2: activation_timeout plus
// a grace period covering report/cleanup latency.
func (c Config) idleTTL() time.Duration {
	return c.ActivationTimeout + 30*time.Second
}

// Runner executes the claim-execute-report loop against a shared queue
// and config cache, running up to MaxInFlight activations concurrently,
// each against a freshly constructed tool-server Manager and isolated
// workspace.
type Runner struct {
	cfg Config

	queue   Queue
	configs ConfigProvider

	llm         agentloop.LLMClient
	hubClient   agentloop.HubClient
	hubRaw      *hub.Client
	credentials toolserver.Credentials
	recorder    agentloop.Recorder
	auditLog    AuditLog

	sem chan struct{}
	wg  sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}

	log *slog.Logger
}

// New constructs a Runner. hubRaw and recorder may be nil; credentials
// must not be nil if any agent configures a tool server requiring
// injected secrets.
func New(cfg Config, q Queue, configs ConfigProvider, llm agentloop.LLMClient, hubClient agentloop.HubClient, hubRaw *hub.Client, credentials toolserver.Credentials, recorder agentloop.Recorder) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:         cfg,
		queue:       q,
		configs:     configs,
		llm:         llm,
		hubClient:   hubClient,
		hubRaw:      hubRaw,
		credentials: credentials,
		recorder:    recorder,
		sem:         make(chan struct{}, cfg.MaxInFlight),
		stopCh:      make(chan struct{}),
		log:         slog.Default().With("component", "runner", "runner_id", cfg.RunnerID),
	}
}

// Run blocks, claiming and executing work until ctx is cancelled or Stop
// is called. Graceful shutdown: Run stops issuing new claims immediately
// but waits for in-flight activations (bounded by ActivationTimeout) to
// finish and report before returning — it never releases active_task
// itself, leaving that to the claim's idle TTL (§4.5).
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner starting", "mode", r.cfg.Mode, "max_in_flight", r.cfg.MaxInFlight)
	defer r.log.Info("runner stopped")

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case <-r.stopCh:
			r.wg.Wait()
			return nil
		default:
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case <-r.stopCh:
			r.wg.Wait()
			return nil
		}

		work, err := r.queue.Claim(ctx, r.cfg.RunnerID, r.cfg.ClaimTimeout, r.cfg.idleTTL())
		if err != nil {
			<-r.sem
			if errors.Is(err, queue.ErrNoWork) {
				if r.cfg.Once {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			r.log.Warn("claim failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		r.wg.Add(1)
		go func(w queue.WorkItem) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.runOne(ctx, w)
		}(work)

		if r.cfg.Once {
			r.wg.Wait()
			return nil
		}
	}
}

// WithAuditLog attaches an audit-log sink; every completed activation is
// recorded there in addition to the queue's own bookkeeping. Optional:
// a Runner without one simply skips audit recording.
func (r *Runner) WithAuditLog(log AuditLog) *Runner {
	r.auditLog = log
	return r
}

// Stop requests graceful shutdown: no further claims are issued, but
// Run does not return until in-flight activations complete. A second
// call to Stop's owning context cancellation (force shutdown) is the
// caller's responsibility — cancel ctx passed to Run to hard-cancel
// in-flight activations instead.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// runOne executes exactly one claimed item end to end: config load, mode
// filter, workspace + tool-server lifecycle, the agent loop, and the
// completion report (§4.5's main-loop pseudocode).
func (r *Runner) runOne(ctx context.Context, work queue.WorkItem) {
	log := r.log.With("agent_id", work.AgentID, "claim_id", work.ClaimID)

	cfg, err := r.configs.GetOrLoad(ctx, work.AgentID)
	if err != nil {
		log.Warn("config unavailable, completing as failure", "error", err)
		if err := r.queue.Complete(ctx, work, false); err != nil {
			log.Warn("complete failed", "error", err)
		}
		return
	}

	if !r.cfg.Mode.accepts(work.TaskType) {
		log.Info("runner_mode_mismatch_reenqueue", "mode", r.cfg.Mode, "task_type", work.TaskType)
		if _, err := r.queue.Enqueue(ctx, work, true); err != nil {
			log.Warn("re-enqueue after mode mismatch failed", "error", err)
		}
		if err := r.queue.Complete(ctx, work, true); err != nil {
			log.Warn("complete after mode mismatch failed", "error", err)
		}
		return
	}

	workspace, err := newWorkspace(r.cfg.WorkspaceRoot, work.ClaimID)
	if err != nil {
		log.Warn("failed to create workspace", "error", err)
		if err := r.queue.Complete(ctx, work, false); err != nil {
			log.Warn("complete failed", "error", err)
		}
		return
	}
	defer removeWorkspace(workspace)

	activationCtx, cancel := context.WithTimeout(ctx, r.cfg.ActivationTimeout)
	defer cancel()

	stopHeartbeat := r.startHeartbeat(activationCtx, work)
	defer stopHeartbeat()

	toolMgr := toolserver.NewManager(workspace, r.credentials).
		WithMasker(masking.NewService(cfg.ToolServers))
	statuses := toolMgr.StartServers(activationCtx, cfg.ToolServers, cfg.Capabilities.ToolServers, cfg.Capabilities.Grants)
	defer toolMgr.StopServers(context.Background())

	loop := agentloop.New(r.llm, r.hubClient, r.hubRaw, toolMgr, r.recorder)
	loopCfg := agentloop.Config{
		Model:             cfg.Brain.Model,
		Temperature:       cfg.Brain.Temperature,
		MaxTokens:         cfg.Brain.MaxTokens,
		MaxIterations:     cfg.Behavior.MaxIterations,
		IterationTimeout:  r.cfg.IterationTimeout,
		ActivationTimeout: r.cfg.ActivationTimeout,
		TokenBudget:       r.cfg.TokenBudget,
		SystemPrompt:      cfg.SystemPrompt,
		ToolInstructions:  startedInstructions(statuses, cfg.ToolServers),
	}

	startedAt := time.Now()
	outcome := loop.Run(activationCtx, loopCfg, toWork(work), approvalGrants(toolMgr.Tools(), cfg.ToolServers))

	if r.auditLog != nil {
		rec := activationlog.Record{
			ClaimID:     work.ClaimID,
			AgentID:     work.AgentID,
			TaskType:    string(work.TaskType),
			Success:     outcome.Success,
			ErrorKind:   string(outcome.ErrorKind),
			TokensIn:    outcome.TokensIn,
			TokensOut:   outcome.TokensOut,
			Iterations:  outcome.Iterations,
			Duration:    outcome.Duration,
			Model:       outcome.Model,
			StartedAt:   startedAt,
			CompletedAt: startedAt.Add(outcome.Duration),
		}
		if err := r.auditLog.Append(context.Background(), rec); err != nil {
			log.Warn("audit log append failed", "error", err)
		}
	}

	if outcome.Success && work.TaskType == queue.TaskTypeInbox {
		r.markNotificationsRead(ctx, work)
	}

	if err := r.queue.Complete(ctx, work, outcome.Success); err != nil {
		log.Warn("complete failed", "error", err)
	}
}

// markNotificationsRead acknowledges the notification ids the coordinator
// threaded through Payload["notification_ids"] once the INBOX activation
// that answered them has succeeded (Scenario A). Best-effort: a failure
// here only means the Hub re-surfaces already-answered notifications next
// poll, not that the activation itself is retried.
func (r *Runner) markNotificationsRead(ctx context.Context, work queue.WorkItem) {
	if r.hubRaw == nil {
		return
	}
	raw, ok := work.Payload["notification_ids"]
	if !ok || raw == "" {
		return
	}
	ids := strings.Split(raw, ",")
	if err := r.hubRaw.MarkNotificationsRead(ctx, ids); err != nil {
		r.log.Warn("mark notifications read failed", "agent_id", work.AgentID, "error", err)
	}
}

// startHeartbeat refreshes the claim's idle TTL every HeartbeatInterval
// until ctx is done, per §4.5. The returned func stops the goroutine and
// blocks until it has exited.
func (r *Runner) startHeartbeat(ctx context.Context, work queue.WorkItem) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.queue.Heartbeat(ctx, work.AgentID, work.ClaimID, r.cfg.idleTTL()); err != nil {
					r.log.Warn("heartbeat failed", "agent_id", work.AgentID, "claim_id", work.ClaimID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { <-done }
}

func toWork(w queue.WorkItem) agentloop.Work {
	kind := agentloop.WorkDiscovery
	if w.TaskType == queue.TaskTypeInbox {
		kind = agentloop.WorkInbox
	}
	digest := ""
	if inboxCount, ok := w.Payload["inbox_count"]; ok {
		digest = "unread notifications: " + inboxCount
	}
	return agentloop.Work{
		Kind:     kind,
		AgentID:  w.AgentID,
		ThreadID: w.Payload["thread_id"],
		Digest:   digest,
	}
}

// startedInstructions reduces the Manager's start outcomes to the
// Instructions text of only those servers that actually came up, keyed by
// server name, for folding into the activation's context (§4.6 phase 1).
func startedInstructions(statuses []toolserver.ServerStatus, servers map[string]config.ToolServerConfig) map[string]string {
	out := make(map[string]string, len(statuses))
	for _, s := range statuses {
		if !s.Started {
			continue
		}
		if srv, ok := servers[s.Name]; ok && srv.Instructions != "" {
			out[s.Name] = srv.Instructions
		}
	}
	return out
}

// approvalGrants expands each started tool server's requires_approval
// policy across every tool name it advertised, since the policy is
// declared per-server in config but checked per-tool-call in the loop.
func approvalGrants(tools []toolserver.Tool, servers map[string]config.ToolServerConfig) map[string]agentloop.ApprovalPolicy {
	grants := make(map[string]agentloop.ApprovalPolicy, len(tools))
	for _, t := range tools {
		srv, ok := servers[t.ServerName]
		if !ok {
			continue
		}
		grants[t.Name] = agentloop.ApprovalPolicy{
			Policy:           srv.RequiresApproval,
			DangerousPattern: srv.DangerousPattern,
		}
	}
	return grants
}
