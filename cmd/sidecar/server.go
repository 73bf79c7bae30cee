package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/clawee/sidecar/pkg/alert"
	"github.com/clawee/sidecar/pkg/approval"
	"github.com/clawee/sidecar/pkg/attestation"
	"github.com/clawee/sidecar/pkg/audit"
	"github.com/clawee/sidecar/pkg/auth"
	"github.com/clawee/sidecar/pkg/budget"
	"github.com/clawee/sidecar/pkg/httpx"
	"github.com/clawee/sidecar/pkg/invariant"
	"github.com/clawee/sidecar/pkg/metrics"
	"github.com/clawee/sidecar/pkg/pipeline"
	"github.com/clawee/sidecar/pkg/replay"
	"github.com/clawee/sidecar/pkg/stream"
	"github.com/clawee/sidecar/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// sidecarServer holds every component the control surface and the pipeline
// entrypoint need to serve a request; it owns no goroutines of its own
// beyond what buildServer already started (the alert log sink).
type sidecarServer struct {
	cfg            Config
	catalogs       *catalogSet
	pipeline       *pipeline.Pipeline
	approval       *approval.Service
	budget         *budget.Controller
	replay         *replay.Store
	invariants     *invariant.Registry
	metrics        *metrics.Registry
	notifier       *alert.Notifier
	hub            *stream.Hub
	approvalLedger *attestation.Ledger[approval.Record]
	audit          *audit.Writer
	auditLedger    *attestation.Ledger[audit.Record]
}

// logAudit appends an audit record and, on failure, routes the failure to
// the alert notifier instead of swallowing it — audit writes are
// best-effort for the caller's own response but never silently dropped.
func (s *sidecarServer) logAudit(r *http.Request, action string, detail map[string]any) {
	raw, err := json.Marshal(detail)
	if err != nil {
		s.notifier.Notify("audit.write_failed", map[string]any{"action": action, "error": err.Error()})
		return
	}
	actor := "unknown"
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		actor = principal.Subject
	}
	if err := s.audit.Append(r.Context(), audit.Record{Actor: actor, Action: action, Detail: raw}); err != nil {
		s.notifier.Notify("audit.write_failed", map[string]any{"action": action, "error": err.Error()})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *sidecarServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.metrics.Observe(path, rec.code, elapsed)
		s.metrics.ObserveLatency(path, elapsed)
	})
}

// withRoles gates h on the request principal holding at least one of
// roles. With auth disabled every request is treated as the anonymous
// principal auth.Middleware installs, so role checks are skipped entirely.
func (s *sidecarServer) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthMode == "" || s.cfg.AuthMode == "off" {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *sidecarServer) authMiddleware() func(http.Handler) http.Handler {
	opts := []auth.MiddlewareOption{
		auth.WithIssuer(s.cfg.AuthIssuer),
		auth.WithAudience(s.cfg.AuthAudience),
	}
	if s.cfg.JWKSURL != "" {
		opts = append(opts, auth.WithJWKS(s.cfg.JWKSURL))
	}
	return auth.Middleware(s.cfg.AuthMode, s.cfg.AuthSecret, opts...)
}

// router builds the full control-surface route table plus the pipeline
// evaluate entrypoint, in the reference gateway's middleware-chain-then-
// route-groups composition.
func (s *sidecarServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("clawee-sidecar"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	authed := chi.NewRouter()
	authed.Use(s.authMiddleware())

	authed.Get("/_clawee/control/status", s.withRoles(s.handleStatus, "operator", "security"))
	authed.Get("/_clawee/control/metrics", s.withRoles(s.handleMetrics, "operator", "security"))
	authed.Get("/_clawee/control/security/invariants", s.withRoles(s.handleInvariants, "operator", "security"))
	authed.Post("/_clawee/control/security/conformance/export", s.withRoles(s.handleConformanceExport, "security"))
	authed.Post("/_clawee/control/security/conformance/verify", s.withRoles(s.handleConformanceVerify, "security"))
	authed.Post("/_clawee/control/security/audit/export", s.withRoles(s.handleAuditExport, "security"))
	authed.Post("/_clawee/control/security/audit/verify", s.withRoles(s.handleAuditVerify, "security"))
	authed.Post("/_clawee/control/approvals/list", s.withRoles(s.handleApprovalsList, "operator", "security"))
	authed.Post("/_clawee/control/approvals/approve", s.withRoles(s.handleApprovalsApprove, "approver", "security"))
	authed.Post("/_clawee/control/approvals/deny", s.withRoles(s.handleApprovalsDeny, "approver", "security"))
	authed.Post("/_clawee/control/approvals/attest", s.withRoles(s.handleApprovalsAttest, "security"))
	authed.Post("/_clawee/control/reload/{catalog}", s.withRoles(s.handleReload, "operator", "security"))
	authed.Post("/_clawee/control/budget/resume", s.withRoles(s.handleBudgetResume, "operator", "security"))
	authed.Post("/_clawee/pipeline/evaluate", s.handlePipelineEvaluate)

	r.Mount("/", authed)
	return r
}

func normalizeCatalogName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
