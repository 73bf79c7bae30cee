package main

import (
	"context"
	"time"

	"github.com/clawee/sidecar/pkg/approval"
	"github.com/clawee/sidecar/pkg/audit"
	"github.com/clawee/sidecar/pkg/invariant"
)

// auditLedgerSource feeds the audit ledger from the audit log's own
// monotone insertion order; since/limit map directly onto List's only
// filter, limit.
type auditLedgerSource struct {
	writer *audit.Writer
}

func (s auditLedgerSource) Fetch(ctx context.Context, limit int, since time.Time) ([]audit.Record, error) {
	return s.writer.List(ctx, limit)
}

// approvalLedgerSource feeds the approval attestation ledger from the
// approval service's own store, in the stable creation order List already
// guarantees.
type approvalLedgerSource struct {
	service *approval.Service
}

func (s approvalLedgerSource) Fetch(ctx context.Context, limit int, since time.Time) ([]approval.Record, error) {
	return s.service.List(ctx, limit)
}

// ConformanceRecord is the single record the conformance ledger chains on
// each export: the invariant catalog's definition hash, every invariant's
// runtime counters, and every loaded catalog's fingerprint.
type ConformanceRecord struct {
	InvariantCatalogHash string            `json:"invariant_catalog_hash"`
	Invariants           []invariant.State `json:"invariants"`
	Catalogs             map[string]any    `json:"catalogs"`
}

type conformanceSource struct {
	invariants *invariant.Registry
	catalogs   *catalogSet
}

// Fetch ignores limit/since: a conformance export always covers exactly
// the current point-in-time state, chained onto the export history via
// ExportSealedSnapshot's chain log rather than via multiple ledger entries.
func (s conformanceSource) Fetch(ctx context.Context, limit int, since time.Time) ([]ConformanceRecord, error) {
	hash, err := invariant.DefinitionHash()
	if err != nil {
		return nil, err
	}
	return []ConformanceRecord{{
		InvariantCatalogHash: hash,
		Invariants:           s.invariants.Snapshot(),
		Catalogs:             s.catalogs.Fingerprints(),
	}}, nil
}
