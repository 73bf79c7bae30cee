package gate

import (
	"fmt"
	"strings"

	"github.com/clawee/sidecar/pkg/catalog"
)

// CapabilityRequest is the per-request input to the capability gate: the
// channel the request targets, whether the batch requires
// tool.execute, and the list of tool names the agent wants to invoke.
type CapabilityRequest struct {
	Channel        string
	RequiresExecute bool
	Tools          []string
}

// Capability evaluates deny-wins tool-name matching against the resolved
// per-channel (or default) scope: deny_tools wins outright, allow_tools
// permits explicitly, and otherwise the scope's mode decides. A prior
// action = tool.execute capability check gates the whole batch.
func Capability(rules catalog.CapabilityRules, req CapabilityRequest) Decision {
	scope := rules.Resolve(req.Channel)

	if req.RequiresExecute {
		if contains(scope.DenyActions, "tool.execute") {
			return block(RiskHigh, []string{"capability:action-denied:tool.execute"}, "action tool.execute is denied for this channel")
		}
		allowed := contains(scope.AllowActions, "tool.execute")
		if !allowed && scope.Mode == "deny" {
			return block(RiskHigh, []string{"capability:action-not-allowed:tool.execute"}, "action tool.execute is not in the allow list")
		}
	}

	var signals []string
	for _, raw := range req.Tools {
		tool := strings.ToLower(strings.TrimSpace(raw))
		if tool == "" {
			continue
		}
		if contains(scope.DenyTools, tool) {
			return block(RiskHigh, []string{fmt.Sprintf("capability:tool-denied:%s", tool)}, fmt.Sprintf("tool %s is denied", tool))
		}
		if contains(scope.AllowTools, tool) {
			continue
		}
		if scope.Mode == "deny" {
			return block(RiskHigh, []string{fmt.Sprintf("capability:tool-not-allowed:%s", tool)}, fmt.Sprintf("tool %s is not in the allow list", tool))
		}
		signals = append(signals, fmt.Sprintf("capability:tool-implicit-allow:%s", tool))
	}
	return allow("capability gate passed")
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
