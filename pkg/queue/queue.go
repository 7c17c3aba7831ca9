package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tarsysync/agentrunner/pkg/store"
)

// Queue implements the priority work queue (C2) against a store.Client.
// All cross-agent invariants (at most one WorkItem per agent across
// queues and the active map) are enforced by the store's atomic
// primitives, not by in-process locking — see §5 of the design notes.
type Queue struct {
	store   store.Client
	backoff Backoff
	nonce   atomic.Int64

	log *slog.Logger
}

// New constructs a Queue. backoff may be the zero value, in which case
// DefaultBackoff() is used.
func New(s store.Client, backoff Backoff) *Queue {
	if backoff == (Backoff{}) {
		backoff = DefaultBackoff()
	}
	return &Queue{
		store:   s,
		backoff: backoff,
		log:     slog.Default().With("component", "queue"),
	}
}

// Enqueue attempts to add work to its priority list. Returns false,nil if
// the agent is in its backoff window (unless force) or already has work
// in flight (dedup) — both are expected outcomes, not errors.
func (q *Queue) Enqueue(ctx context.Context, work WorkItem, force bool) (bool, error) {
	if work.Priority == "" {
		work.Priority = DefaultPriorityFor(work.TaskType)
	}
	if work.EnqueuedAt.IsZero() {
		work.EnqueuedAt = time.Now()
	}

	if !force {
		until, err := q.backoffUntil(ctx, work.AgentID)
		if err != nil {
			return false, err
		}
		if !until.IsZero() && until.After(time.Now()) {
			return false, nil
		}
	}

	ok, err := q.tryMarkActive(ctx, work.AgentID, pendingClaim)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	encoded, err := work.encode()
	if err != nil {
		return false, err
	}
	if err := q.store.ListRightPush(ctx, listKey(work.Priority), encoded); err != nil {
		return false, err
	}
	return true, nil
}

// tryMarkActive sets work:active[agentID] only if absent, using the hash
// field itself (not a separate key) as the atomic dedup guard. go-redis
// doesn't expose HSETNX through the narrow store.Client surface, so this
// is implemented as a compare against HashGet followed by HashSet guarded
// by the caller's own SetIfAbsent marker key, which *is* atomic.
func (q *Queue) tryMarkActive(ctx context.Context, agentID, value string) (bool, error) {
	guardKey := "work:active:guard:" + agentID
	ok, err := q.store.SetIfAbsent(ctx, guardKey, value, 24*time.Hour)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := q.store.HashSet(ctx, activeKey, agentID, value); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) backoffUntil(ctx context.Context, agentID string) (time.Time, error) {
	v, err := q.store.HashGet(ctx, backoffKey, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: parse backoff deadline: %w", err)
	}
	return time.Unix(sec, 0), nil
}

// Claim blocks (up to timeout) popping the highest-priority item
// available and stamping it with a claim id. idleTTL is the claim's
// orphan-recovery window (activation_timeout + grace, per §4.2); the
// claiming runner must call Heartbeat at least that often while working
// or the claim becomes eligible for recovery. Returns ErrNoWork on
// timeout.
func (q *Queue) Claim(ctx context.Context, runnerID string, timeout, idleTTL time.Duration) (WorkItem, error) {
	keys := make([]string, len(orderedPriorities))
	for i, p := range orderedPriorities {
		keys[i] = listKey(p)
	}

	_, raw, ok, err := q.store.ListBlockPopLeftMulti(ctx, keys, timeout)
	if err != nil {
		return WorkItem{}, err
	}
	if !ok {
		return WorkItem{}, ErrNoWork
	}

	work, err := decodeWorkItem(raw)
	if err != nil {
		return WorkItem{}, err
	}

	claimID := fmt.Sprintf("%s:%d", runnerID, q.nextNonce())
	work.ClaimID = claimID

	if err := q.store.HashSet(ctx, activeKey, work.AgentID, claimID); err != nil {
		return WorkItem{}, err
	}
	if err := q.store.SetWithTTL(ctx, heartbeatKey(work.AgentID), claimID, idleTTL); err != nil {
		return WorkItem{}, err
	}

	q.log.Info("work_claimed", "agent_id", work.AgentID, "claim_id", claimID, "priority", work.Priority)
	return work, nil
}

// Heartbeat re-asserts the idle TTL on an in-flight claim so the orphan
// sweep does not reclaim it. Runners call this every heartbeat_interval
// while an activation is running.
func (q *Queue) Heartbeat(ctx context.Context, agentID, claimID string, idleTTL time.Duration) error {
	return q.store.SetWithTTL(ctx, heartbeatKey(agentID), claimID, idleTTL)
}

func heartbeatKey(agentID string) string {
	return "work:heartbeat:" + agentID
}

func (q *Queue) nextNonce() int64 {
	return q.nonce.Add(1)
}

// Complete clears the active-task entry and updates failure/backoff
// bookkeeping per the spec's §4.2 semantics.
func (q *Queue) Complete(ctx context.Context, work WorkItem, success bool) error {
	if err := q.store.HashDelete(ctx, activeKey, work.AgentID); err != nil {
		return err
	}
	// The guard key carries a 24h TTL as a backstop, but we proactively
	// clear it here so a re-enqueue right after completion doesn't have
	// to wait out the TTL.
	if err := q.clearGuard(ctx, work.AgentID); err != nil {
		return err
	}
	if v, err := q.store.Get(ctx, heartbeatKey(work.AgentID)); err == nil {
		_, _ = q.store.CompareAndDelete(ctx, heartbeatKey(work.AgentID), v)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if success {
		if err := q.store.HashSet(ctx, failuresKey, work.AgentID, "0"); err != nil {
			return err
		}
		if err := q.store.HashDelete(ctx, backoffKey, work.AgentID); err != nil {
			return err
		}
		q.log.Info("activation_completed", "agent_id", work.AgentID, "claim_id", work.ClaimID, "success", true)
		return nil
	}

	failures, err := q.store.HashIncrement(ctx, failuresKey, work.AgentID, 1)
	if err != nil {
		return err
	}
	if int(failures) >= q.backoff.MaxFailures {
		deadline := q.backoff.deadline(time.Now(), int(failures))
		if err := q.store.HashSet(ctx, backoffKey, work.AgentID, strconv.FormatInt(deadline.Unix(), 10)); err != nil {
			return err
		}
		q.log.Warn("backoff_set", "agent_id", work.AgentID, "failures", failures, "backoff_until", deadline)
	}
	q.log.Info("activation_completed", "agent_id", work.AgentID, "claim_id", work.ClaimID, "success", false, "failures", failures)
	return nil
}

func (q *Queue) clearGuard(ctx context.Context, agentID string) error {
	guardKey := "work:active:guard:" + agentID
	v, err := q.store.Get(ctx, guardKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = q.store.CompareAndDelete(ctx, guardKey, v)
	return err
}

// Depth returns the number of items currently queued at priority p.
func (q *Queue) Depth(ctx context.Context, p Priority) (int64, error) {
	return q.store.ListLen(ctx, listKey(p))
}

// ActiveCount returns the number of agents with an in-flight activation.
func (q *Queue) ActiveCount(ctx context.Context) (int64, error) {
	return q.store.HashLen(ctx, activeKey)
}

// BackoffCount returns the number of agents currently within a backoff
// window (approximate: includes entries whose deadline has already
// passed but not yet been cleared by a subsequent successful Complete).
func (q *Queue) BackoffCount(ctx context.Context) (int64, error) {
	return q.store.HashLen(ctx, backoffKey)
}
