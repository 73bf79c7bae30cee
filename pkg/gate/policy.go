package gate

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/clawee/sidecar/pkg/catalog"
)

// PolicyRequest is the per-request input to the policy engine: the
// lowercased body the engine inspects for patterns, the request path and
// method, the tool names involved, and the content modalities present.
type PolicyRequest struct {
	Body      string
	Path      string
	Method    string
	Tools     []string
	Modalities []catalog.Modality
}

// Policy concatenates a lowercased representation of the request and
// inspects it for fixed signal classes, then applies the tie-break rule:
// any critical pattern blocks at critical risk; else any high-risk signal
// requires approval at high risk; else allow at low risk.
func Policy(rules catalog.PolicyRules, req PolicyRequest) Decision {
	body := strings.ToLower(req.Body)
	path := strings.ToLower(req.Path)

	var signals []string
	var hasCritical, hasHighRisk bool

	for _, p := range rules.CriticalPatterns {
		if strings.Contains(body, p) || strings.Contains(path, p) {
			signals = append(signals, fmt.Sprintf("critical-pattern:%s", p))
			hasCritical = true
		}
	}
	for _, tool := range req.Tools {
		tool = strings.ToLower(strings.TrimSpace(tool))
		if contains(rules.HighRiskTools, tool) {
			signals = append(signals, fmt.Sprintf("high-risk-tool:%s", tool))
			hasHighRisk = true
		}
	}
	for _, p := range rules.HighRiskPatterns {
		if strings.Contains(body, p) || strings.Contains(path, p) {
			signals = append(signals, fmt.Sprintf("high-risk-pattern:%s", p))
			hasHighRisk = true
		}
	}
	if (strings.Contains(path, "admin") || strings.Contains(path, "system")) &&
		!strings.EqualFold(req.Method, http.MethodGet) {
		signals = append(signals, "high-risk-path:admin-system")
		hasHighRisk = true
	}
	for _, m := range req.Modalities {
		if m != catalog.ModalityText {
			signals = append(signals, fmt.Sprintf("modality:%s", m))
		}
	}

	switch {
	case hasCritical:
		return block(RiskCritical, signals, "request matched a critical pattern")
	case hasHighRisk:
		return requireApproval(RiskHigh, signals, "request matched a high-risk signal")
	default:
		return Decision{Verdict: Allow, RiskClass: RiskLow, MatchedSignals: signals, Reason: "no risk signals matched"}
	}
}
