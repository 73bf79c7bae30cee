// Package invariant implements the fixed catalog of eight named runtime
// invariants whose pass/fail counters are fed by the gate pipeline and
// exported in conformance reports.
package invariant

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/clawee/sidecar/pkg/canon"
)

// Status is the last observed outcome of a check against a given
// invariant id.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Definition is one entry of the fixed invariant catalog.
type Definition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Catalog is the fixed set of eight invariants this repository checks.
// Ordering and membership are part of the definitionHash contract: any
// unauthorized catalog drift changes the hash a verifier compares against.
var Catalog = []Definition{
	{ID: "INV-001-CANONICAL-DETERMINISM", Description: "canonical serialization is injective and deterministic"},
	{ID: "INV-002-SIGNATURE-VERIFICATION", Description: "every loaded catalog's signature verifies against its declared signing mode"},
	{ID: "INV-003-POLICY-GATE", Description: "the policy engine's tie-break rule is applied before any forward"},
	{ID: "INV-004-APPROVAL-QUORUM", Description: "approved records satisfy quorum and role coverage before consumption"},
	{ID: "INV-005-BUDGET-MONOTONIC-SUSPEND", Description: "budget suspension is only cleared by an explicit resume"},
	{ID: "INV-006-REPLAY-LINEARIZABLE", Description: "replay registration is linearizable per backend"},
	{ID: "INV-007-ATTESTATION-CHAIN-INTEGRITY", Description: "every attestation chain link verifies against its predecessor"},
	{ID: "INV-008-EGRESS-PRIVATE-ONLY", Description: "egress under restrict mode never resolves to a non-private address"},
}

// DefinitionHash is the SHA-256 of the sorted canonical catalog, embedded
// in every conformance report as invariant_catalog_hash.
func DefinitionHash() (string, error) {
	sorted := make([]Definition, len(Catalog))
	copy(sorted, Catalog)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	canonical, err := canon.ToCanonicalValue(sorted, false)
	if err != nil {
		return "", err
	}
	return canon.Fingerprint(canonical), nil
}

// State is the per-invariant runtime counter set.
type State struct {
	ID                string     `json:"id"`
	Passes            int64      `json:"passes"`
	Failures          int64      `json:"failures"`
	LastStatus        Status     `json:"last_status"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	LastFailureContext json.RawMessage `json:"last_failure_context,omitempty"`
}

// Registry holds the runtime counters for every invariant in Catalog. It
// is many-writer, many-reader; updates are monotone increments safe under
// concurrent writers. Published summaries are point-in-time snapshots.
type Registry struct {
	mu    sync.Mutex
	state map[string]*State
	now   func() time.Time
}

// NewRegistry seeds a Registry with an unknown state for every id in
// Catalog.
func NewRegistry() *Registry {
	r := &Registry{state: map[string]*State{}, now: time.Now}
	for _, d := range Catalog {
		r.state[d.ID] = &State{ID: d.ID, LastStatus: StatusUnknown}
	}
	return r
}

// Check records the outcome of one gate call into invariant id. Unknown
// ids are recorded anyway (so a catalog-drift bug is visible rather than
// silently dropped) but are not part of Catalog. A nil receiver is a no-op,
// so callers that only sometimes have a registry (catalog loading in
// tests, for instance) don't need to guard every call site.
func (r *Registry) Check(id string, passed bool, reason string, context json.RawMessage) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[id]
	if !ok {
		st = &State{ID: id}
		r.state[id] = st
	}
	now := r.now()
	st.LastCheckedAt = &now
	if passed {
		st.Passes++
		st.LastStatus = StatusPass
	} else {
		st.Failures++
		st.LastStatus = StatusFail
		st.LastFailureReason = reason
		st.LastFailureContext = context
	}
}

// Snapshot returns a point-in-time copy of every invariant's state, sorted
// by id.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.state))
	for _, st := range r.state {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
