// Package attestation implements hash-chained ledgers over approval
// decisions, audit actions, and security-conformance reports, plus their
// offline sealed-snapshot export and verification protocol.
package attestation

import (
	"context"
	"fmt"
	"time"

	"github.com/clawee/sidecar/pkg/canon"
	"github.com/clawee/sidecar/pkg/invariant"
)

// Source fetches the records a ledger chains, in the stable order the
// ledger requires (created_at ASC, id ASC for approvals; monotone insertion
// order for audit).
type Source[T any] interface {
	Fetch(ctx context.Context, limit int, since time.Time) ([]T, error)
}

// Entry is one link in the chain: the hash of the previous entry plus the
// record it covers.
type Entry[T any] struct {
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
	Record       T      `json:"record"`
}

// Payload is the full generated document for one ledger export. It is
// signed over the canonical form of every field except Signature and
// SignatureKid.
type Payload[T any] struct {
	GeneratedAt  time.Time  `json:"generated_at"`
	Since        *time.Time `json:"since,omitempty"`
	Count        int        `json:"count"`
	Entries      []Entry[T] `json:"entries"`
	FinalHash    string     `json:"final_hash"`
	Signature    string     `json:"signature,omitempty"`
	SignatureKid string     `json:"signature_kid,omitempty"`
}

// entryLink is the struct canonicalized to compute one entry's hash.
type entryLink[T any] struct {
	PreviousHash string `json:"previous_hash"`
	Record       T      `json:"record"`
}

// Ledger drives generate/export/verify for one record type T.
type Ledger[T any] struct {
	Source    Source[T]
	Keyring   *canon.Keyring
	StaticKey []byte
	Now       func() time.Time
	// Invariants, if non-nil, receives INV-007-ATTESTATION-CHAIN-INTEGRITY
	// outcomes for every VerifyPayload and VerifySealedChain call.
	Invariants *invariant.Registry
}

func (l *Ledger[T]) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func entryHash[T any](previousHash string, record T) (string, error) {
	canonical, err := canon.ToCanonicalValue(entryLink[T]{PreviousHash: previousHash, Record: record}, true)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	return canon.Fingerprint(canonical), nil
}

// Generate reads up to limit matching records since the given time,
// chains an entry_hash per record from the genesis predecessor, and signs
// the resulting payload.
func (l *Ledger[T]) Generate(ctx context.Context, limit int, since time.Time) (*Payload[T], error) {
	records, err := l.Source.Fetch(ctx, limit, since)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger records: %w", err)
	}

	previous := canon.GenesisHash
	entries := make([]Entry[T], 0, len(records))
	for _, record := range records {
		hash, err := entryHash(previous, record)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry[T]{PreviousHash: previous, EntryHash: hash, Record: record})
		previous = hash
	}

	payload := &Payload[T]{
		GeneratedAt: l.now(),
		Count:       len(entries),
		Entries:     entries,
		FinalHash:   previous,
	}
	if !since.IsZero() {
		payload.Since = &since
	}

	if err := l.sign(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (l *Ledger[T]) sign(payload *Payload[T]) error {
	signable := *payload
	signable.Signature = ""
	signable.SignatureKid = ""
	canonical, err := canon.ToCanonicalValue(signable, true)
	if err != nil {
		return fmt.Errorf("canonicalize payload for signing: %w", err)
	}
	switch {
	case l.Keyring != nil:
		sig, err := canon.Sign(canonical, l.Keyring)
		if err != nil {
			return err
		}
		payload.Signature = sig.Sig
		payload.SignatureKid = sig.Kid
	case len(l.StaticKey) > 0:
		payload.Signature = canon.SignLegacy(canonical, l.StaticKey)
	}
	return nil
}

// VerifyResult is the structured outcome of a verification pass. EntryIndex
// is -1 when the failure is not attributable to a single entry.
type VerifyResult struct {
	Valid      bool
	Reason     string
	EntryIndex int
	Count      int
}

func invalid(reason string, entryIndex int) VerifyResult {
	return VerifyResult{Valid: false, Reason: reason, EntryIndex: entryIndex}
}

// recordChainIntegrity feeds INV-007-ATTESTATION-CHAIN-INTEGRITY from
// result before returning it, so every VerifyPayload/VerifySealedChain
// caller reports without having to remember to do so itself.
func (l *Ledger[T]) recordChainIntegrity(result VerifyResult) VerifyResult {
	l.Invariants.Check("INV-007-ATTESTATION-CHAIN-INTEGRITY", result.Valid, result.Reason, nil)
	return result
}

// VerifyPayload recomputes every entry hash, checks the chain, verifies the
// final hash, and verifies the recorded signature against the keyring (or
// the static key in legacy mode).
func (l *Ledger[T]) VerifyPayload(payload *Payload[T]) VerifyResult {
	previous := canon.GenesisHash
	for i, entry := range payload.Entries {
		if entry.PreviousHash != previous {
			return l.recordChainIntegrity(invalid("Entry hash mismatch.", i))
		}
		want, err := entryHash(previous, entry.Record)
		if err != nil {
			return l.recordChainIntegrity(invalid(err.Error(), i))
		}
		if want != entry.EntryHash {
			return l.recordChainIntegrity(invalid("Entry hash mismatch.", i))
		}
		previous = want
	}
	if previous != payload.FinalHash {
		return l.recordChainIntegrity(invalid("final hash does not match the recomputed chain", -1))
	}

	signable := *payload
	signable.Signature = ""
	signable.SignatureKid = ""
	canonical, err := canon.ToCanonicalValue(signable, true)
	if err != nil {
		return l.recordChainIntegrity(invalid(err.Error(), -1))
	}

	switch {
	case payload.SignatureKid != "":
		if l.Keyring == nil {
			return l.recordChainIntegrity(invalid("payload carries a keyed signature but no keyring is configured", -1))
		}
		if !canon.VerifyKid(canonical, canon.Signature{Kid: payload.SignatureKid, Sig: payload.Signature}, l.Keyring) {
			return l.recordChainIntegrity(invalid("signature verification failed", -1))
		}
	case payload.Signature != "":
		if len(l.StaticKey) > 0 && canon.VerifyLegacy(canonical, payload.Signature, l.StaticKey) {
			break
		}
		if l.Keyring != nil {
			if ok, _ := canon.VerifyAny(canonical, payload.Signature, l.Keyring); ok {
				break
			}
		}
		return l.recordChainIntegrity(invalid("signature verification failed", -1))
	default:
		return l.recordChainIntegrity(invalid("payload carries no signature", -1))
	}

	return l.recordChainIntegrity(VerifyResult{Valid: true, EntryIndex: -1, Count: len(payload.Entries)})
}
