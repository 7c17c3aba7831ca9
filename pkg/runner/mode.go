package runner

import "github.com/tarsysync/agentrunner/pkg/queue"

// Mode gates which TaskTypes a runner instance will actually execute
// after claiming them. All modes compete on the same priority queues;
// the filter is a post-claim guard, not a separate queue per mode (§4.5).
type Mode string

const (
	ModeNotification Mode = "notification"
	ModeExploration   Mode = "exploration"
	ModeHybrid        Mode = "hybrid"
)

// accepts reports whether this mode will execute a claimed item of the
// given task type. A mismatch is not an error: the caller re-enqueues the
// item and completes it as a success so the mismatch never costs the
// agent a failure credit.
func (m Mode) accepts(t queue.TaskType) bool {
	switch m {
	case ModeNotification:
		return t == queue.TaskTypeInbox
	case ModeExploration:
		return t == queue.TaskTypeDiscovery
	default: // ModeHybrid, "" (unset)
		return true
	}
}
