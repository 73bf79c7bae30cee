package main

import (
	"encoding/json"
	"net/http"

	"github.com/clawee/sidecar/pkg/auth"
	"github.com/clawee/sidecar/pkg/httpx"
)

type budgetResumeRequest struct {
	Actor string `json:"actor,omitempty"`
}

// handleBudgetResume clears a budget suspension. The suspension itself is
// monotonic -- nothing inside pkg/budget lifts it -- so this is the only
// path back to allow after a cap trip, and it requires an explicit actor
// identity rather than defaulting to anonymous.
func (s *sidecarServer) handleBudgetResume(w http.ResponseWriter, r *http.Request) {
	var req budgetResumeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	actor := req.Actor
	if actor == "" {
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "anonymous" {
			actor = principal.Subject
		}
	}
	if actor == "" {
		httpx.Error(w, http.StatusBadRequest, "actor is required to resume a suspended budget")
		return
	}

	if err := s.budget.Resume(r.Context(), actor); err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	state, err := s.budget.Store.GetState(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logAudit(r, "budget.resume", map[string]any{"actor": actor})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"resumed_by": actor, "budget": state})
}
