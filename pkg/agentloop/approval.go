package agentloop

import (
	"fmt"
	"regexp"

	"github.com/tarsysync/agentrunner/pkg/config"
)

// ApprovalPolicy pairs a tool's requires_approval setting with the
// dangerous-argument pattern it's checked against, keyed by tool name in
// the map the runner builds from config.ToolServerConfig (Loop.Run's
// toolServerGrants parameter).
type ApprovalPolicy struct {
	Policy           config.RequiresApproval
	DangerousPattern string
}

// checkApproval applies one tool's requires_approval policy to a call's
// arguments (§4.6 phase 5). A non-empty skipReason means the call must
// not execute; the caller injects it as an error tool-result instead.
func checkApproval(policy config.RequiresApproval, dangerousPattern, argsJSON string) (skipReason string) {
	switch policy {
	case config.ApprovalAlways:
		return "tool requires explicit approval and none is available in this deployment"

	case config.ApprovalOnDangerousPattern:
		if dangerousPattern == "" {
			return ""
		}
		re, err := regexp.Compile(dangerousPattern)
		if err != nil {
			return fmt.Sprintf("invalid dangerous_pattern configured for this tool: %v", err)
		}
		if re.MatchString(argsJSON) {
			return "arguments matched a dangerous pattern and require approval"
		}
		return ""

	default: // config.ApprovalNever, "" (unset)
		return ""
	}
}
