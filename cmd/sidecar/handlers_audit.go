package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/clawee/sidecar/pkg/attestation"
	"github.com/clawee/sidecar/pkg/audit"
	"github.com/clawee/sidecar/pkg/httpx"
)

// handleAuditExport seals a fresh snapshot of the logged operator actions
// (all of them, up to 10000 records, not only those since the last export),
// chaining it onto the audit chain log's tail.
func (s *sidecarServer) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	payload, err := s.auditLedger.Generate(r.Context(), 10000, time.Time{})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshotPath, chainLogPath, err := s.attestationPaths("audit")
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	seal, err := s.auditLedger.ExportSealedSnapshot(payload, snapshotPath, chainLogPath)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"snapshot_path":  snapshotPath,
		"chain_log_path": chainLogPath,
		"seal":           seal,
	})
}

type auditVerifyRequest struct {
	ChainLogPath string `json:"chain_log_path"`
}

func (s *sidecarServer) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	var req auditVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainLogPath == "" {
		httpx.Error(w, http.StatusBadRequest, "chain_log_path is required")
		return
	}
	result := s.auditLedger.VerifySealedChain(req.ChainLogPath, func(snapshotPath, payloadHash string) attestation.VerifyResult {
		raw, err := os.ReadFile(snapshotPath)
		if err != nil {
			return attestation.VerifyResult{Valid: false, Reason: err.Error()}
		}
		var payload attestation.Payload[audit.Record]
		if err := json.Unmarshal(raw, &payload); err != nil {
			return attestation.VerifyResult{Valid: false, Reason: err.Error()}
		}
		return s.auditLedger.VerifyPayload(&payload)
	})
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, result)
}
