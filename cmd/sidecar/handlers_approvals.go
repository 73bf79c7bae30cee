package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/clawee/sidecar/pkg/httpx"
)

func (s *sidecarServer) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.approval.List(r.Context(), 200)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"approvals": recs})
}

type approvalActionRequest struct {
	ID    string `json:"id"`
	Actor string `json:"actor"`
	Role  string `json:"role,omitempty"`
}

func (s *sidecarServer) handleApprovalsApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Actor == "" {
		httpx.Error(w, http.StatusBadRequest, "id and actor are required")
		return
	}
	rec, err := s.approval.Approve(r.Context(), req.ID, req.Actor, req.Role)
	if err != nil {
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}
	s.metrics.IncApprovalStatus(string(rec.Status))
	s.logAudit(r, "approval.approve", map[string]any{"id": req.ID, "actor": req.Actor, "role": req.Role})
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *sidecarServer) handleApprovalsDeny(w http.ResponseWriter, r *http.Request) {
	var req approvalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Actor == "" {
		httpx.Error(w, http.StatusBadRequest, "id and actor are required")
		return
	}
	rec, err := s.approval.Deny(r.Context(), req.ID, req.Actor)
	if err != nil {
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}
	s.metrics.IncApprovalStatus(string(rec.Status))
	s.logAudit(r, "approval.deny", map[string]any{"id": req.ID, "actor": req.Actor})
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// handleApprovalsAttest generates and seals a fresh attestation snapshot
// over every approval record, chaining it onto the approvals chain log's
// tail.
func (s *sidecarServer) handleApprovalsAttest(w http.ResponseWriter, r *http.Request) {
	payload, err := s.approvalLedger.Generate(r.Context(), 10000, time.Time{})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshotPath, chainLogPath, err := s.attestationPaths("approvals")
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	seal, err := s.approvalLedger.ExportSealedSnapshot(payload, snapshotPath, chainLogPath)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logAudit(r, "approval.attest", map[string]any{"snapshot_path": snapshotPath})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"snapshot_path":  snapshotPath,
		"chain_log_path": chainLogPath,
		"seal":           seal,
	})
}

// attestationPaths derives a fresh, timestamped snapshot path and the
// kind's stable chain log path under cfg.AttestationDir, creating the
// snapshot directory if needed.
func (s *sidecarServer) attestationPaths(kind string) (snapshotPath, chainLogPath string, err error) {
	dir := filepath.Join(s.cfg.AttestationDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create attestation dir %s: %w", dir, err)
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	snapshotPath = filepath.Join(dir, fmt.Sprintf("%s-%s.json", kind, stamp))
	chainLogPath = filepath.Join(s.cfg.AttestationDir, fmt.Sprintf("%s-chain.jsonl", kind))
	return snapshotPath, chainLogPath, nil
}
