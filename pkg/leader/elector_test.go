package leader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarsysync/agentrunner/pkg/leader"
	"github.com/tarsysync/agentrunner/pkg/store"
)

func TestSingleInstanceBecomesLeader(t *testing.T) {
	s := store.NewFake(t)
	e := leader.New(s, "instance-a", leader.Config{TTL: time.Second, Heartbeat: 100 * time.Millisecond})

	e.Run(context.Background())
	defer e.Stop()

	require.Eventually(t, e.IsLeader, 2*time.Second, 20*time.Millisecond)
}

func TestOnlyOneOfTwoInstancesIsLeader(t *testing.T) {
	s := store.NewFake(t)
	cfg := leader.Config{TTL: time.Second, Heartbeat: 100 * time.Millisecond}
	a := leader.New(s, "instance-a", cfg)
	b := leader.New(s, "instance-b", cfg)

	a.Run(context.Background())
	defer a.Stop()
	b.Run(context.Background())
	defer b.Stop()

	require.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader() && (a.IsLeader() || b.IsLeader())
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReleaseThenReacquireWithoutWaitingForTTL(t *testing.T) {
	ctx := context.Background()
	s := store.NewFake(t)
	e := leader.New(s, "instance-a", leader.Config{TTL: 10 * time.Second, Heartbeat: 100 * time.Millisecond})

	e.Run(ctx)
	require.Eventually(t, e.IsLeader, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Release(ctx))

	e2 := leader.New(s, "instance-a", leader.Config{TTL: 10 * time.Second, Heartbeat: 100 * time.Millisecond})
	e2.Run(ctx)
	defer e2.Stop()
	require.Eventually(t, e2.IsLeader, 2*time.Second, 20*time.Millisecond)

	e.Stop()
}

func TestFailoverWithinTTL(t *testing.T) {
	s := store.NewFake(t)
	cfg := leader.Config{TTL: 400 * time.Millisecond, Heartbeat: 100 * time.Millisecond}
	a := leader.New(s, "instance-a", cfg)
	b := leader.New(s, "instance-b", cfg)

	a.Run(context.Background())
	require.Eventually(t, a.IsLeader, time.Second, 20*time.Millisecond)

	a.Stop() // simulates graceful death; releases immediately

	b.Run(context.Background())
	defer b.Stop()
	require.Eventually(t, b.IsLeader, time.Second, 20*time.Millisecond)
}
