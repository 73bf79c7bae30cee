package main

import (
	"net/http"
	"time"

	"github.com/clawee/sidecar/pkg/httpx"
	"github.com/clawee/sidecar/pkg/invariant"

	"github.com/go-chi/chi/v5"
)

func (s *sidecarServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	budgetState, err := s.budget.Store.GetState(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"catalogs":       s.catalogs.Fingerprints(),
		"budget":         budgetState,
		"egress_mode":    s.cfg.EgressMode,
		"replay_backend": s.cfg.ReplayBackend,
		"time":           time.Now().UTC(),
	})
}

func (s *sidecarServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *sidecarServer) handleInvariants(w http.ResponseWriter, r *http.Request) {
	hash, err := invariant.DefinitionHash()
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"invariant_catalog_hash": hash,
		"invariants":             s.invariants.Snapshot(),
	})
}

func (s *sidecarServer) handleReload(w http.ResponseWriter, r *http.Request) {
	name := normalizeCatalogName(chi.URLParam(r, "catalog"))
	if err := s.catalogs.Reload(name); err != nil {
		s.notifier.Notify("catalog.reload_failed", map[string]any{"catalog": name, "error": err.Error()})
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logAudit(r, "catalog.reload", map[string]any{"catalog": name})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"reloaded": name, "fingerprints": s.catalogs.Fingerprints()})
}
