// Package pipeline drives the fixed-order gate sequence -- replay check,
// egress, capability, model registry, policy, approval, budget -- feeding
// the invariant registry as each gate runs and short-circuiting on the
// first non-allow result. It returns a verdict and does not forward the
// request anywhere.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clawee/sidecar/pkg/approval"
	"github.com/clawee/sidecar/pkg/budget"
	"github.com/clawee/sidecar/pkg/canon"
	"github.com/clawee/sidecar/pkg/catalog"
	"github.com/clawee/sidecar/pkg/gate"
	"github.com/clawee/sidecar/pkg/invariant"
	"github.com/clawee/sidecar/pkg/replay"
)

// Request is the normalized view of an inbound request the pipeline
// evaluates. Fields left zero are simply absent signals (no tools
// requested, text-only modality, and so on).
type Request struct {
	Actor               string
	Channel             string
	Target              string
	Tools               []string
	RequiresExecute     bool
	ModelID             string
	Modality            catalog.Modality
	Body                string
	Path                string
	Method              string
	InputTokenEstimate  int
	OutputTokenEstimate int
	// IdempotencyKey, when set, is registered against the replay store's
	// event-key namespace before any gate runs. A caller that resends the
	// same key within its TTL gets back a replay block instead of a second
	// pass through the pipeline. Left empty, no replay check is performed.
	IdempotencyKey string
}

// Catalogs bundles every hot-reloadable rule set the pipeline consults.
type Catalogs struct {
	Policy         *catalog.Snapshot[catalog.PolicyRules]
	Capability     *catalog.Snapshot[catalog.CapabilityRules]
	ModelRegistry  *catalog.Snapshot[catalog.ModelRegistry]
	ApprovalPolicy *catalog.Snapshot[catalog.ApprovalPolicyRules]
	Pricing        *catalog.Snapshot[catalog.PricingCatalog]
}

// Pipeline composes the gates, the approval service, and the budget
// controller into the §4.2 ordered sequence.
type Pipeline struct {
	Catalogs    Catalogs
	Egress      *gate.Egress
	Approval    *approval.Service
	Budget      *budget.Controller
	Invariants  *invariant.Registry
	Now         func() time.Time
	ApprovalTTL time.Duration
	// Replay, if non-nil, backs the idempotency-key check at the top of
	// Evaluate. Nil disables the check entirely, which is how tests that
	// don't exercise replay at all are allowed to skip wiring it.
	Replay *replay.Store
	// ReplayTTL is the event-key TTL registered for each IdempotencyKey.
	// Zero defers to replay.EventKeyTTLFloor.
	ReplayTTL time.Duration
}

// Result is what the pipeline returns for one evaluation: the final
// decision and, when an approval record was created or consulted, its id.
type Result struct {
	Decision     gate.Decision
	ApprovalID   string
	Fingerprint  string
	ProjectedUSD float64
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// requestKeyFields is the canonicalized, timestamp-free shape the approval
// request fingerprint is computed over: two pipeline evaluations of the
// same logical request must produce the same fingerprint so a single
// approval can be reused.
type requestKeyFields struct {
	Channel  string   `json:"channel"`
	Actor    string   `json:"actor"`
	ModelID  string   `json:"model_id"`
	Modality string   `json:"modality"`
	Tools    []string `json:"tools"`
	Path     string   `json:"path"`
	Method   string   `json:"method"`
}

// RequestFingerprint computes the SHA-256 of the canonical form of the
// request's normalized identifying fields.
func RequestFingerprint(req Request) (string, error) {
	tools := append([]string{}, req.Tools...)
	sort.Strings(tools)
	fields := requestKeyFields{
		Channel:  strings.ToLower(strings.TrimSpace(req.Channel)),
		Actor:    req.Actor,
		ModelID:  req.ModelID,
		Modality: string(req.Modality),
		Tools:    tools,
		Path:     req.Path,
		Method:   strings.ToUpper(req.Method),
	}
	canonical, err := canon.ToCanonicalValue(fields, false)
	if err != nil {
		return "", fmt.Errorf("canonicalize request key fields: %w", err)
	}
	return canon.Fingerprint(canonical), nil
}

// ReplaySignal and TransientBackendSignal are the matched-signal markers of
// the replay check's blocks. The HTTP layer looks for ReplaySignal to tell a
// replay block (409) apart from an ordinary policy block (403); a
// TransientBackendSignal block gets 403. See cmd/sidecar/handlers_pipeline.go.
const (
	ReplaySignal           = "replay-detected"
	TransientBackendSignal = "replay-backend-unavailable"
)

// checkReplay registers req.IdempotencyKey in the replay store's event-key
// namespace, if both a store is wired and the caller supplied a key. A
// backend error fails closed: it surfaces as a block carrying
// TransientBackendSignal rather than propagating as a pipeline error, per
// the requirement that replay-backend outages deny rather than 500.
func (p *Pipeline) checkReplay(ctx context.Context, req Request) (gate.Decision, bool) {
	if p.Replay == nil || req.IdempotencyKey == "" {
		return gate.Decision{}, false
	}
	canonical, err := canon.ToCanonicalValue(req.IdempotencyKey, false)
	if err != nil {
		return gate.Decision{Verdict: gate.Block, RiskClass: gate.RiskHigh, MatchedSignals: []string{TransientBackendSignal}, Reason: err.Error()}, true
	}
	hash := canon.Fingerprint(canonical)
	ttl := p.ReplayTTL
	if ttl <= 0 {
		ttl = replay.EventKeyTTLFloor
	}
	registered, err := p.Replay.RegisterEventKey(ctx, hash, ttl)
	if err != nil {
		return gate.Decision{Verdict: gate.Block, RiskClass: gate.RiskHigh, MatchedSignals: []string{TransientBackendSignal}, Reason: "replay backend unavailable: " + err.Error()}, true
	}
	if !registered {
		return gate.Decision{Verdict: gate.Block, RiskClass: gate.RiskHigh, MatchedSignals: []string{ReplaySignal}, Reason: "idempotency key already seen"}, true
	}
	return gate.Decision{}, false
}

// Evaluate runs the ordered gate sequence and returns the pipeline's final
// decision, short-circuiting on the first non-allow gate.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (Result, error) {
	if decision, blocked := p.checkReplay(ctx, req); blocked {
		return Result{Decision: decision}, nil
	}

	egressDecision := p.Egress.Evaluate(ctx, req.Target)
	p.Invariants.Check("INV-008-EGRESS-PRIVATE-ONLY", true, egressDecision.Reason, nil)
	if egressDecision.Verdict != gate.Allow {
		return Result{Decision: egressDecision}, nil
	}

	capRules := p.Catalogs.Capability.Load().Rules
	capDecision := gate.Capability(capRules, gate.CapabilityRequest{
		Channel:         req.Channel,
		RequiresExecute: req.RequiresExecute,
		Tools:           req.Tools,
	})
	if capDecision.Verdict != gate.Allow {
		return Result{Decision: capDecision}, nil
	}

	modelRules := p.Catalogs.ModelRegistry.Load().Rules
	modelDecision := gate.ModelRegistry(modelRules, gate.ModelRegistryRequest{ModelID: req.ModelID, Modality: req.Modality}, p.now())
	if modelDecision.Verdict != gate.Allow {
		return Result{Decision: modelDecision}, nil
	}

	policyRules := p.Catalogs.Policy.Load().Rules
	policyDecision := gate.Policy(policyRules, gate.PolicyRequest{
		Body:       req.Body,
		Path:       req.Path,
		Method:     req.Method,
		Tools:      req.Tools,
		Modalities: []catalog.Modality{req.Modality},
	})
	p.Invariants.Check("INV-003-POLICY-GATE", true, policyDecision.Reason, nil)
	if policyDecision.Verdict == gate.Block {
		return Result{Decision: policyDecision}, nil
	}

	fingerprint, err := RequestFingerprint(req)
	p.Invariants.Check("INV-001-CANONICAL-DETERMINISM", err == nil, errString(err), nil)
	if err != nil {
		return Result{}, err
	}

	if policyDecision.Verdict == gate.RequireApproval {
		approvalDecision, approvalID, err := p.evaluateApproval(ctx, req, policyDecision, fingerprint)
		if err != nil {
			return Result{}, err
		}
		if approvalDecision.Verdict != gate.Allow {
			return Result{Decision: approvalDecision, ApprovalID: approvalID, Fingerprint: fingerprint}, nil
		}
	}

	projection, err := budget.Cost(p.Catalogs.Pricing.Load().Rules, req.ModelID, req.InputTokenEstimate, req.OutputTokenEstimate)
	if err != nil {
		return Result{Decision: gate.Decision{Verdict: gate.Block, RiskClass: gate.RiskHigh, Reason: err.Error()}, Fingerprint: fingerprint}, nil
	}
	suspended, reason, err := p.Budget.CheckProjected(ctx, projection)
	if err != nil {
		return Result{}, err
	}
	p.Invariants.Check("INV-005-BUDGET-MONOTONIC-SUSPEND", true, reason, nil)
	if suspended {
		return Result{Decision: gate.Decision{Verdict: gate.Block, RiskClass: gate.RiskHigh, Reason: reason}, Fingerprint: fingerprint, ProjectedUSD: projection}, nil
	}

	return Result{Decision: gate.Decision{Verdict: gate.Allow, RiskClass: policyDecision.RiskClass, MatchedSignals: policyDecision.MatchedSignals, Reason: "pipeline passed"}, Fingerprint: fingerprint, ProjectedUSD: projection}, nil
}

func (p *Pipeline) evaluateApproval(ctx context.Context, req Request, policyDecision gate.Decision, fingerprint string) (gate.Decision, string, error) {
	rec, usable, err := p.Approval.FindUsableApproval(ctx, fingerprint)
	if err != nil {
		return gate.Decision{}, "", fmt.Errorf("lookup usable approval: %w", err)
	}
	if usable {
		ok, err := p.Approval.ConsumeApproved(ctx, rec.ID, fingerprint)
		if err != nil {
			return gate.Decision{}, "", fmt.Errorf("consume approval: %w", err)
		}
		p.Invariants.Check("INV-004-APPROVAL-QUORUM", ok, policyDecision.Reason, nil)
		if ok {
			return gate.Decision{Verdict: gate.Allow, RiskClass: policyDecision.RiskClass, Reason: "consumed an existing approval"}, rec.ID, nil
		}
	}

	channelAction := ""
	if req.RequiresExecute {
		channelAction = strings.ToLower(req.Channel) + ":tool.execute"
	}
	approvalPolicy := p.Catalogs.ApprovalPolicy.Load().Rules.Resolve(string(policyDecision.RiskClass), req.Tools, channelAction)

	ttl := p.ApprovalTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	pending, err := p.Approval.EnsurePending(ctx, fingerprint, approvalPolicy.RequiredApprovals, approvalPolicy.RequiredRoles, 1,
		policyDecision.Reason, nil, req.Actor, true, ttl)
	if err != nil {
		return gate.Decision{}, "", fmt.Errorf("ensure pending approval: %w", err)
	}
	p.Invariants.Check("INV-004-APPROVAL-QUORUM", true, policyDecision.Reason, nil)
	return policyDecision, pending.ID, nil
}
