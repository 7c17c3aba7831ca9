// Package leader implements single-key TTL leader election with heartbeat
// refresh, adapted from the Postgres-row leader election used elsewhere
// in the ecosystem (youssefsiam38/agentpg's storage.Store LeaderAttemptElect/
// LeaderAttemptReelect/LeaderResign) to this module's Redis-backed store.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarsysync/agentrunner/pkg/store"
)

const leaderKey = "leader:coordinator"

// Elector runs the try-become-leader / heartbeat / release state machine
// for one process instance.
type Elector struct {
	store      store.Client
	instanceID string
	ttl        time.Duration
	heartbeat  time.Duration

	isLeader atomic.Bool
	log      *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures TTL and heartbeat interval. Per §4.3, heartbeat must
// be well under TTL/2; defaults are TTL=30s, heartbeat=10s.
type Config struct {
	TTL       time.Duration
	Heartbeat time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	return c
}

// New constructs an Elector. instanceID must be stable for the lifetime
// of the process (defaults to hostname at the call site).
func New(s store.Client, instanceID string, cfg Config) *Elector {
	cfg = cfg.withDefaults()
	return &Elector{
		store:      s,
		instanceID: instanceID,
		ttl:        cfg.TTL,
		heartbeat:  cfg.Heartbeat,
		log:        slog.Default().With("component", "leader", "instance_id", instanceID),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// IsLeader returns the cached leadership boolean, updated on each
// heartbeat tick. Callers must tolerate up to one heartbeat interval of
// staleness (§9); nothing in this package blocks on a fresh store read.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// tryBecomeLeader attempts SetIfAbsent; on failure (key held by someone
// else), it checks whether the holder is this instance (a race from a
// previous refresh) and if so refreshes the TTL instead of giving up.
func (e *Elector) tryBecomeLeader(ctx context.Context) (bool, error) {
	ok, err := e.store.SetIfAbsent(ctx, leaderKey, e.instanceID, e.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	current, err := e.store.Get(ctx, leaderKey)
	if err != nil {
		if err == store.ErrNotFound {
			// Key expired between SetIfAbsent and Get; try again next tick.
			return false, nil
		}
		return false, err
	}
	if current == e.instanceID {
		if err := e.store.SetWithTTL(ctx, leaderKey, e.instanceID, e.ttl); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Release gives up leadership via compare-and-delete. Idempotent: calling
// it when not leader, or after the key has already expired, is a no-op.
func (e *Elector) Release(ctx context.Context) error {
	_, err := e.store.CompareAndDelete(ctx, leaderKey, e.instanceID)
	if err == nil {
		e.isLeader.Store(false)
	}
	return err
}

// Run starts the heartbeat loop in the background and returns immediately.
// Call Stop to release leadership and stop the loop.
func (e *Elector) Run(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Elector) loop(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ticker.C:
			e.tick(ctx)
		case <-e.stopCh:
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.Release(releaseCtx); err != nil {
				e.log.Warn("leader release failed on shutdown", "error", err)
			}
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	was := e.isLeader.Load()
	now, err := e.tryBecomeLeader(ctx)
	if err != nil {
		e.log.Warn("leader heartbeat failed", "error", err)
		return
	}
	e.isLeader.Store(now)
	if now && !was {
		e.log.Info("became_leader")
	} else if !now && was {
		e.log.Info("lost_leadership")
	}
}

// Stop releases leadership (if held) and stops the heartbeat loop,
// blocking until the loop has exited. Safe to call multiple times.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	<-e.doneCh
}
