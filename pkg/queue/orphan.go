package queue

import (
	"context"
	"errors"

	"github.com/tarsysync/agentrunner/pkg/store"
)

// SweepOrphans scans work:active for claims whose idle-TTL heartbeat key
// has already expired — meaning the runner holding it died or stalled
// without releasing it — and clears the active-task entry so the agent
// becomes eligible for re-enqueue on the coordinator's next poll. This is
// the Redis-TTL analogue of the teacher's periodic "stale row" query: the
// coordinator's poll loop takes over the role that a SQL staleness query
// would normally play, since Redis gives us expiry but not a queryable
// staleness index.
func (q *Queue) SweepOrphans(ctx context.Context) (recovered []string, err error) {
	active, err := q.store.HashGetAll(ctx, activeKey)
	if err != nil {
		return nil, err
	}

	for agentID, claimID := range active {
		_, err := q.store.Get(ctx, heartbeatKey(agentID))
		if err == nil {
			continue // heartbeat still fresh, claim is alive
		}
		if !errors.Is(err, store.ErrNotFound) {
			return recovered, err
		}

		if err := q.store.HashDelete(ctx, activeKey, agentID); err != nil {
			return recovered, err
		}
		if err := q.clearGuard(ctx, agentID); err != nil {
			return recovered, err
		}
		q.log.Warn("orphan_recovered", "agent_id", agentID, "claim_id", claimID)
		recovered = append(recovered, agentID)
	}
	return recovered, nil
}
