package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clawee/sidecar/pkg/canon"
)

func normalizeSet(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PolicyRules is the policy engine's fixed rule schema: three sets of
// lowercase strings checked against the request body, path, and tool
// names.
type PolicyRules struct {
	HighRiskTools     []string `json:"high_risk_tools"`
	CriticalPatterns  []string `json:"critical_patterns"`
	HighRiskPatterns  []string `json:"high_risk_patterns"`
}

// Normalize lowercases and sorts every set, dropping duplicates.
func (r *PolicyRules) Normalize() {
	r.HighRiskTools = normalizeSet(r.HighRiskTools)
	r.CriticalPatterns = normalizeSet(r.CriticalPatterns)
	r.HighRiskPatterns = normalizeSet(r.HighRiskPatterns)
}

// ScopeMode is the allow/deny mode a capability or destination scope
// operates under.
type ScopeMode string

const (
	ModeAllow ScopeMode = "allow"
	ModeDeny  ScopeMode = "deny"
)

// CapabilityScope is one entry of CapabilityRules: either the default
// scope or a per-channel override.
type CapabilityScope struct {
	Mode        ScopeMode `json:"mode"`
	AllowTools  []string  `json:"allow_tools"`
	DenyTools   []string  `json:"deny_tools"`
	AllowActions []string `json:"allow_actions"`
	DenyActions []string  `json:"deny_actions"`
}

func (s *CapabilityScope) Normalize() {
	s.AllowTools = normalizeSet(s.AllowTools)
	s.DenyTools = normalizeSet(s.DenyTools)
	s.AllowActions = normalizeSet(s.AllowActions)
	s.DenyActions = normalizeSet(s.DenyActions)
	if s.Mode != ModeAllow && s.Mode != ModeDeny {
		s.Mode = ModeDeny
	}
}

// CapabilityRules holds a default scope plus per-channel overrides.
type CapabilityRules struct {
	Default  CapabilityScope            `json:"default"`
	Channels map[string]CapabilityScope `json:"channels"`
}

func (r *CapabilityRules) Normalize() {
	r.Default.Normalize()
	for k, v := range r.Channels {
		v.Normalize()
		r.Channels[k] = v
	}
}

// Resolve returns the effective scope for a channel, falling back to the
// default scope when no per-channel override exists.
func (r *CapabilityRules) Resolve(channel string) CapabilityScope {
	if r.Channels != nil {
		if scope, ok := r.Channels[strings.ToLower(strings.TrimSpace(channel))]; ok {
			return scope
		}
	}
	return r.Default
}

// Modality is the kind of content a model registry entry governs.
type Modality string

const (
	ModalityText      Modality = "text"
	ModalityVision    Modality = "vision"
	ModalityAudio     Modality = "audio"
	ModalitySafety    Modality = "safety"
	ModalityEmbedding Modality = "embedding"
)

// ModelRegistryEntry describes one approved (model_id, modality) pair.
type ModelRegistryEntry struct {
	ModelID        string     `json:"model_id"`
	Modality       Modality   `json:"modality"`
	ArtifactDigest string     `json:"artifact_digest"`
	Approved       bool       `json:"approved"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidTo        *time.Time `json:"valid_to,omitempty"`
	Signature      string     `json:"signature"`
}

// Valid reports whether the entry is approved and now falls within its
// validity window.
func (e ModelRegistryEntry) Valid(now time.Time) bool {
	if !e.Approved {
		return false
	}
	if e.ValidFrom != nil && now.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidTo != nil && now.After(*e.ValidTo) {
		return false
	}
	return true
}

// ModelRegistry is keyed by (model_id, modality); a wildcard model_id "*"
// is a permitted fallback entry.
type ModelRegistry struct {
	Entries []ModelRegistryEntry `json:"entries"`
}

// VerifyEntrySignatures checks every entry's own signature (each entry in
// the registry carries a signature over its canonical payload,
// independent of the catalog envelope's signature). A single missing or
// invalid entry signature fails the entire load, per the model registry
// gate's load-time contract.
func (m *ModelRegistry) VerifyEntrySignatures(kr *canon.Keyring) error {
	for i, e := range m.Entries {
		if e.Signature == "" {
			return fmt.Errorf("model registry entry %d (%s/%s) is unsigned", i, e.ModelID, e.Modality)
		}
		unsigned := e
		unsigned.Signature = ""
		raw, err := json.Marshal(unsigned)
		if err != nil {
			return fmt.Errorf("model registry entry %d: %w", i, err)
		}
		canonical, err := canon.CanonicalizeJSONAllowFloat(raw)
		if err != nil {
			return fmt.Errorf("model registry entry %d: %w", i, err)
		}
		if valid, _ := canon.VerifyAny(canonical, e.Signature, kr); !valid {
			return fmt.Errorf("model registry entry %d (%s/%s): %w", i, e.ModelID, e.Modality, ErrSignatureMismatch)
		}
	}
	return nil
}

// Lookup returns the best matching entry for modelID/modality, preferring
// an exact model_id match over the "*" wildcard.
func (m *ModelRegistry) Lookup(modelID string, modality Modality) (ModelRegistryEntry, bool) {
	var wildcard ModelRegistryEntry
	haveWildcard := false
	for _, e := range m.Entries {
		if e.Modality != modality {
			continue
		}
		if e.ModelID == modelID {
			return e, true
		}
		if e.ModelID == "*" {
			wildcard, haveWildcard = e, true
		}
	}
	return wildcard, haveWildcard
}

// ApprovalPolicy is the default quorum/role requirement plus per-key
// overrides keyed by risk class, tool name, or "channel:action".
type ApprovalPolicy struct {
	RequiredApprovals int      `json:"required_approvals"`
	RequiredRoles     []string `json:"required_roles"`
}

func (p ApprovalPolicy) normalized() ApprovalPolicy {
	n := p
	if n.RequiredApprovals < 1 {
		n.RequiredApprovals = 1
	}
	if n.RequiredApprovals > 5 {
		n.RequiredApprovals = 5
	}
	n.RequiredRoles = normalizeSet(n.RequiredRoles)
	return n
}

// Merge unions required roles and takes the max of required approvals,
// the rule stated for merging overlapping approval-policy overrides.
func (p ApprovalPolicy) Merge(other ApprovalPolicy) ApprovalPolicy {
	a, b := p.normalized(), other.normalized()
	merged := ApprovalPolicy{RequiredApprovals: a.RequiredApprovals}
	if b.RequiredApprovals > merged.RequiredApprovals {
		merged.RequiredApprovals = b.RequiredApprovals
	}
	roles := append(append([]string{}, a.RequiredRoles...), b.RequiredRoles...)
	merged.RequiredRoles = normalizeSet(roles)
	return merged
}

// ApprovalPolicyRules is the full approval-policy catalog.
type ApprovalPolicyRules struct {
	Default       ApprovalPolicy            `json:"default"`
	ByRiskClass   map[string]ApprovalPolicy `json:"by_risk_class"`
	ByTool        map[string]ApprovalPolicy `json:"by_tool"`
	ByChannelAct  map[string]ApprovalPolicy `json:"by_channel_action"`
}

// Resolve computes the merged approval policy for a decision: default ∪
// risk-class override ∪ tool overrides ∪ channel:action overrides.
func (r ApprovalPolicyRules) Resolve(riskClass string, tools []string, channelAction string) ApprovalPolicy {
	merged := r.Default.normalized()
	if p, ok := r.ByRiskClass[strings.ToLower(riskClass)]; ok {
		merged = merged.Merge(p)
	}
	for _, tool := range tools {
		if p, ok := r.ByTool[strings.ToLower(strings.TrimSpace(tool))]; ok {
			merged = merged.Merge(p)
		}
	}
	if channelAction != "" {
		if p, ok := r.ByChannelAct[strings.ToLower(channelAction)]; ok {
			merged = merged.Merge(p)
		}
	}
	return merged
}

// DestinationRules is the per-channel regex allow/deny catalog for egress
// destinations (channel destination policy, §4.8).
type DestinationRules struct {
	Default  DestinationScope            `json:"default"`
	Channels map[string]DestinationScope `json:"channels"`
}

type DestinationScope struct {
	Mode    ScopeMode `json:"mode"`
	Allow   []string  `json:"allow_patterns"`
	Deny    []string  `json:"deny_patterns"`
}

func (r DestinationRules) Resolve(channel string) DestinationScope {
	if r.Channels != nil {
		if scope, ok := r.Channels[strings.ToLower(strings.TrimSpace(channel))]; ok {
			return scope
		}
	}
	return r.Default
}

// PricingEntry is the per-model USD price per 1000 tokens.
type PricingEntry struct {
	ModelID     string  `json:"model_id"`
	InputPrice  float64 `json:"input_price_per_1k"`
	OutputPrice float64 `json:"output_price_per_1k"`
}

// PricingCatalog must carry either an exact model entry or a "*" fallback.
type PricingCatalog struct {
	Entries []PricingEntry `json:"entries"`
}

// Lookup resolves the price for modelID, preferring an exact match over the
// "*" fallback. ok is false if neither is present, which the budget
// controller treats as a closed failure.
func (p PricingCatalog) Lookup(modelID string) (PricingEntry, bool) {
	var wildcard PricingEntry
	haveWildcard := false
	for _, e := range p.Entries {
		if e.ModelID == modelID {
			return e, true
		}
		if e.ModelID == "*" {
			wildcard, haveWildcard = e, true
		}
	}
	return wildcard, haveWildcard
}

// ConnectorEntry describes one outbound channel connector's delivery
// endpoint. cmd/sidecar loads and reloads the connector catalog; the
// pipeline does not consult it.
type ConnectorEntry struct {
	Channel    string        `json:"channel"`
	URL        string        `json:"url"`
	TimeoutMS  int           `json:"timeout_ms"`
	Retries    int           `json:"retries"`
}

// ConnectorCatalog maps channel names to their dispatch configuration.
type ConnectorCatalog struct {
	Connectors []ConnectorEntry `json:"connectors"`
}

func (c ConnectorCatalog) Lookup(channel string) (ConnectorEntry, bool) {
	for _, e := range c.Connectors {
		if strings.EqualFold(e.Channel, channel) {
			return e, true
		}
	}
	return ConnectorEntry{}, false
}

// ControlToken is one operator bearer token recognized by the control
// surface, scoped to a set of roles.
type ControlToken struct {
	TokenHash string   `json:"token_hash"`
	Subject   string   `json:"subject"`
	Roles     []string `json:"roles"`
}

// ControlTokenCatalog is the set of tokens accepted on the control surface.
type ControlTokenCatalog struct {
	Tokens []ControlToken `json:"tokens"`
}

// AsRawMessage is a convenience for callers that need to canonicalize a
// typed struct through the json.RawMessage codepath.
func AsRawMessage(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
