package attestation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clawee/sidecar/pkg/canon"
)

// SealEntry links one exported snapshot file to the next via cryptographic
// hash, forming a chain-of-custody log independent of any single payload's
// own internal chain.
type SealEntry struct {
	SealedAt             time.Time `json:"sealed_at"`
	SnapshotPath         string    `json:"snapshot_path"`
	PayloadHash          string    `json:"payload_hash"`
	PreviousSnapshotHash string    `json:"previous_snapshot_hash"`
	CurrentSnapshotHash  string    `json:"current_snapshot_hash"`
	GeneratedAt          time.Time `json:"generated_at"`
	Signature            string    `json:"signature,omitempty"`
	SignatureKid         string    `json:"signature_kid,omitempty"`
}

func sealHash(seal SealEntry) (string, error) {
	seal.CurrentSnapshotHash = ""
	canonical, err := canon.ToCanonicalValue(seal, true)
	if err != nil {
		return "", fmt.Errorf("canonicalize seal entry: %w", err)
	}
	return canon.Fingerprint(canonical), nil
}

func tailSnapshotHash(chainLogPath string) (string, error) {
	f, err := os.Open(chainLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return canon.GenesisHash, nil
		}
		return "", fmt.Errorf("open chain log %s: %w", chainLogPath, err)
	}
	defer f.Close()

	var last SealEntry
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry SealEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return "", fmt.Errorf("parse chain log %s: %w", chainLogPath, err)
		}
		last = entry
		found = true
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read chain log %s: %w", chainLogPath, err)
	}
	if !found {
		return canon.GenesisHash, nil
	}
	return last.CurrentSnapshotHash, nil
}

// ExportSealedSnapshot writes payload to snapshotPath and appends a single
// seal entry linking it to chainLogPath's tail. The snapshot file is
// guaranteed to exist on disk before the seal line is appended, so a crash
// between the two leaves an unreferenced snapshot rather than a dangling
// seal entry.
func (l *Ledger[T]) ExportSealedSnapshot(payload *Payload[T], snapshotPath, chainLogPath string) (*SealEntry, error) {
	snapshotJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}
	payloadCanonical, err := canon.ToCanonicalValue(payload, true)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot payload: %w", err)
	}
	payloadHash := canon.Fingerprint(payloadCanonical)

	if err := os.WriteFile(snapshotPath, snapshotJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot %s: %w", snapshotPath, err)
	}

	previousSnapshotHash, err := tailSnapshotHash(chainLogPath)
	if err != nil {
		return nil, err
	}

	seal := SealEntry{
		SealedAt:             l.now(),
		SnapshotPath:         snapshotPath,
		PayloadHash:          payloadHash,
		PreviousSnapshotHash: previousSnapshotHash,
		GeneratedAt:          payload.GeneratedAt,
	}
	if l.Keyring != nil {
		canonical, err := canon.ToCanonicalValue(sealSignable(seal), true)
		if err != nil {
			return nil, fmt.Errorf("canonicalize seal for signing: %w", err)
		}
		sig, err := canon.Sign(canonical, l.Keyring)
		if err != nil {
			return nil, err
		}
		seal.Signature = sig.Sig
		seal.SignatureKid = sig.Kid
	} else if len(l.StaticKey) > 0 {
		canonical, err := canon.ToCanonicalValue(sealSignable(seal), true)
		if err != nil {
			return nil, fmt.Errorf("canonicalize seal for signing: %w", err)
		}
		seal.Signature = canon.SignLegacy(canonical, l.StaticKey)
	}

	currentHash, err := sealHash(seal)
	if err != nil {
		return nil, err
	}
	seal.CurrentSnapshotHash = currentHash

	line, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("marshal seal entry: %w", err)
	}
	f, err := os.OpenFile(chainLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open chain log %s: %w", chainLogPath, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append seal entry to %s: %w", chainLogPath, err)
	}
	return &seal, nil
}

// sealSignable zeroes the signature fields before computing the payload a
// seal's own signature covers.
func sealSignable(seal SealEntry) SealEntry {
	seal.Signature = ""
	seal.SignatureKid = ""
	return seal
}

// VerifySealedChain reads chainLogPath line by line, checks that each seal
// links to the previous current_snapshot_hash, and recomputes every seal's
// own hash. When verifySnapshot is non-nil, it is called with each seal's
// snapshot path and payload hash to re-open and re-verify that snapshot.
func (l *Ledger[T]) VerifySealedChain(chainLogPath string, verifySnapshot func(snapshotPath, payloadHash string) VerifyResult) VerifyResult {
	f, err := os.Open(chainLogPath)
	if err != nil {
		return l.recordChainIntegrity(invalid(fmt.Sprintf("open chain log: %v", err), -1))
	}
	defer f.Close()

	previous := canon.GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	index := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var seal SealEntry
		if err := json.Unmarshal(line, &seal); err != nil {
			return l.recordChainIntegrity(invalid(fmt.Sprintf("parse seal entry: %v", err), index))
		}
		if seal.PreviousSnapshotHash != previous {
			return l.recordChainIntegrity(invalid("seal chain link mismatch", index))
		}
		wantHash, err := sealHash(seal)
		if err != nil {
			return l.recordChainIntegrity(invalid(err.Error(), index))
		}
		if wantHash != seal.CurrentSnapshotHash {
			return l.recordChainIntegrity(invalid("seal hash mismatch", index))
		}
		if verifySnapshot != nil {
			if res := verifySnapshot(seal.SnapshotPath, seal.PayloadHash); !res.Valid {
				return l.recordChainIntegrity(invalid(fmt.Sprintf("referenced snapshot failed verification: %s", res.Reason), index))
			}
		}
		previous = seal.CurrentSnapshotHash
		index++
	}
	if err := scanner.Err(); err != nil {
		return l.recordChainIntegrity(invalid(fmt.Sprintf("read chain log: %v", err), -1))
	}
	return l.recordChainIntegrity(VerifyResult{Valid: true, EntryIndex: -1, Count: index})
}
