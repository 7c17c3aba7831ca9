package toolserver

import (
	"errors"
	"net"
)

// recoveryAction mirrors the teacher's NoRetry/RetrySameSession/
// RetryNewSession classification for MCP call failures; this package
// only needs it for logging context since the agent loop itself decides
// whether to retry at the tool-call level (§4.6 dispatch: inject an
// error tool-result and continue, never fail the activation).
type recoveryAction string

const (
	recoveryNone    recoveryAction = "no_retry"
	recoverySession recoveryAction = "retry_same_session"
	recoveryRestart recoveryAction = "retry_new_session"
)

func classifyError(err error) recoveryAction {
	if err == nil {
		return recoveryNone
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return recoverySession
		}
		return recoveryRestart
	}
	return recoveryNone
}
