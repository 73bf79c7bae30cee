package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/clawee/sidecar/pkg/auth"
	"github.com/clawee/sidecar/pkg/gate"
	"github.com/clawee/sidecar/pkg/httpx"
	"github.com/clawee/sidecar/pkg/pipeline"
)

// handlePipelineEvaluate is the channel-proxy forward path: it runs one
// inbound request through the full gate sequence and reports the verdict.
// It carries no role requirement because it represents the traffic the
// control surface exists to govern, not an operator action on that traffic.
func (s *sidecarServer) handlePipelineEvaluate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Actor == "" {
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			req.Actor = principal.Subject
		}
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	start := time.Now()
	result, err := s.pipeline.Evaluate(r.Context(), req)
	s.metrics.ObserveVerifyLatency(time.Since(start))
	s.metrics.IncPipelineEvaluated()
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.metrics.IncVerdict(string(result.Decision.Verdict))
	s.metrics.IncRiskClass(string(result.Decision.RiskClass))
	for _, signal := range result.Decision.MatchedSignals {
		s.metrics.IncReason(signal)
	}

	status := http.StatusOK
	switch result.Decision.Verdict {
	case gate.Block:
		status = http.StatusForbidden
		for _, signal := range result.Decision.MatchedSignals {
			if signal == pipeline.ReplaySignal {
				status = http.StatusConflict
			}
		}
	case gate.RequireApproval:
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, result)
}
