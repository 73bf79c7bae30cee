package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/clawee/sidecar/pkg/attestation"
	"github.com/clawee/sidecar/pkg/httpx"
)

// handleConformanceExport seals a fresh snapshot of every invariant's
// runtime state plus every loaded catalog's fingerprint, chaining it onto
// the conformance chain log's tail.
func (s *sidecarServer) handleConformanceExport(w http.ResponseWriter, r *http.Request) {
	ledger := s.conformanceLedger()
	payload, err := ledger.Generate(r.Context(), 1, time.Time{})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshotPath, chainLogPath, err := s.attestationPaths("conformance")
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	seal, err := ledger.ExportSealedSnapshot(payload, snapshotPath, chainLogPath)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logAudit(r, "conformance.export", map[string]any{"snapshot_path": snapshotPath})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"snapshot_path":  snapshotPath,
		"chain_log_path": chainLogPath,
		"seal":           seal,
	})
}

type conformanceVerifyRequest struct {
	ChainLogPath string `json:"chain_log_path"`
}

// handleConformanceVerify replays a conformance chain log end to end,
// re-verifying every seal link and every referenced snapshot's own
// internal hash chain and signature.
func (s *sidecarServer) handleConformanceVerify(w http.ResponseWriter, r *http.Request) {
	var req conformanceVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainLogPath == "" {
		httpx.Error(w, http.StatusBadRequest, "chain_log_path is required")
		return
	}
	ledger := s.conformanceLedger()
	result := ledger.VerifySealedChain(req.ChainLogPath, func(snapshotPath, payloadHash string) attestation.VerifyResult {
		raw, err := os.ReadFile(snapshotPath)
		if err != nil {
			return attestation.VerifyResult{Valid: false, Reason: err.Error()}
		}
		var payload attestation.Payload[ConformanceRecord]
		if err := json.Unmarshal(raw, &payload); err != nil {
			return attestation.VerifyResult{Valid: false, Reason: err.Error()}
		}
		return ledger.VerifyPayload(&payload)
	})
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, result)
}

// conformanceLedger is built per call rather than stored on sidecarServer:
// it has no state of its own beyond the registries it reads live from, and
// building it fresh means an export always reflects the catalogs and
// invariants currently installed.
func (s *sidecarServer) conformanceLedger() *attestation.Ledger[ConformanceRecord] {
	return &attestation.Ledger[ConformanceRecord]{
		Source:     conformanceSource{invariants: s.invariants, catalogs: s.catalogs},
		Keyring:    s.cfg.Keyring,
		StaticKey:  s.cfg.StaticKey,
		Now:        s.approvalLedger.Now,
		Invariants: s.invariants,
	}
}
