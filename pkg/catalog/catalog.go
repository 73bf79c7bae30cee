// Package catalog loads, verifies, and hot-reloads the signed declarative
// rule sets that feed the gate engines: policy, capability, model registry,
// approval policy, destination policy, connector, pricing, and control
// token catalogs. Every loader shares the same envelope and signing scheme.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/clawee/sidecar/pkg/canon"
	"github.com/clawee/sidecar/pkg/invariant"
)

// SigningMode records which verification path a catalog document took.
type SigningMode string

const (
	SigningNone    SigningMode = "none"
	SigningStatic  SigningMode = "static"
	SigningKeyring SigningMode = "keyring"
)

// Envelope is the on-disk shape shared by every catalog document: a
// "rules" payload plus either a legacy hex signature or a v2 {kid,sig}
// signature.
type Envelope struct {
	Rules       json.RawMessage  `json:"rules"`
	Signature   string           `json:"signature,omitempty"`
	SignatureV2 *canon.Signature `json:"signature_v2,omitempty"`
}

// Signed<T> is the normalized result of loading one catalog: the parsed
// rule set plus its fingerprint and signing-mode descriptor. The generic
// parameter is instantiated per catalog kind (PolicyRules, CapabilityRules,
// and so on).
type Signed[T any] struct {
	Rules       T
	Fingerprint string
	Mode        SigningMode
	ActiveKid   string
}

// ErrUnsigned is returned when a document carries neither a legacy
// signature nor a v2 signature and the loader was not configured to accept
// unsigned documents.
var ErrUnsigned = errors.New("catalog document is not signed")

// ErrSignatureMismatch is returned when verification of a present signature
// fails.
var ErrSignatureMismatch = errors.New("catalog signature mismatch")

// Options controls how a document's signature is verified.
type Options struct {
	// Keyring, if non-nil, is tried first: a v2 signature is verified
	// against it directly; a legacy signature is tried against every key
	// in the keyring (the rotation path, VerifyAny).
	Keyring *canon.Keyring
	// StaticKey, if non-empty, is used to verify a legacy signature when
	// no keyring is configured (or as a fallback after the keyring check
	// fails, when AllowStaticFallback is set).
	StaticKey []byte
	// AllowUnsigned permits loading a document with no signature at all,
	// recording SigningNone. Used only for local development fixtures.
	AllowUnsigned bool
	// Invariants, if non-nil, receives INV-001-CANONICAL-DETERMINISM and
	// INV-002-SIGNATURE-VERIFICATION outcomes for every Load call.
	Invariants *invariant.Registry
}

// Load parses raw as an Envelope, verifies its signature per opts, and
// unmarshals the rules payload into T. It returns the normalized result
// together with the catalog's fingerprint and signing-mode descriptor.
func Load[T any](raw []byte, opts Options) (Signed[T], error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Signed[T]{}, fmt.Errorf("parse catalog document: %w", err)
	}
	if len(env.Rules) == 0 {
		return Signed[T]{}, errors.New("catalog document has no rules payload")
	}
	canonical, err := canon.CanonicalizeJSONAllowFloat(env.Rules)
	opts.Invariants.Check("INV-001-CANONICAL-DETERMINISM", err == nil, errString(err), nil)
	if err != nil {
		return Signed[T]{}, fmt.Errorf("canonicalize catalog rules: %w", err)
	}
	fingerprint := canon.Fingerprint(canonical)

	mode, activeKid, err := verify(canonical, env, opts)
	opts.Invariants.Check("INV-002-SIGNATURE-VERIFICATION", err == nil, errString(err), nil)
	if err != nil {
		return Signed[T]{}, err
	}

	var rules T
	if err := json.Unmarshal(env.Rules, &rules); err != nil {
		return Signed[T]{}, fmt.Errorf("unmarshal catalog rules: %w", err)
	}
	return Signed[T]{Rules: rules, Fingerprint: fingerprint, Mode: mode, ActiveKid: activeKid}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func verify(canonical []byte, env Envelope, opts Options) (SigningMode, string, error) {
	switch {
	case env.SignatureV2 != nil:
		if opts.Keyring == nil {
			return "", "", errors.New("document carries a v2 signature but no keyring was configured")
		}
		if !canon.VerifyKid(canonical, *env.SignatureV2, opts.Keyring) {
			return "", "", fmt.Errorf("%w: kid=%s", ErrSignatureMismatch, env.SignatureV2.Kid)
		}
		return SigningKeyring, env.SignatureV2.Kid, nil
	case env.Signature != "":
		if opts.Keyring != nil {
			if valid, kid := canon.VerifyAny(canonical, env.Signature, opts.Keyring); valid {
				return SigningKeyring, kid, nil
			}
		}
		if len(opts.StaticKey) > 0 {
			if canon.VerifyLegacy(canonical, env.Signature, opts.StaticKey) {
				return SigningStatic, "", nil
			}
		}
		return "", "", ErrSignatureMismatch
	default:
		if opts.AllowUnsigned {
			return SigningNone, "", nil
		}
		return "", "", ErrUnsigned
	}
}

// LoadFile reads path and delegates to Load.
func LoadFile[T any](path string, opts Options) (Signed[T], error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Signed[T]{}, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	return Load[T](raw, opts)
}

// Save re-serializes rules with a freshly computed signature, returning the
// bytes of a valid envelope. It is the save half of the round-trip
// invariant load(save(C, K)) = C.
func Save[T any](rules T, kr *canon.Keyring, staticKey []byte) ([]byte, error) {
	rulesRaw, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("marshal catalog rules: %w", err)
	}
	canonical, err := canon.CanonicalizeJSONAllowFloat(rulesRaw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize catalog rules: %w", err)
	}
	env := Envelope{Rules: rulesRaw}
	switch {
	case kr != nil:
		sig, err := canon.Sign(canonical, kr)
		if err != nil {
			return nil, err
		}
		env.SignatureV2 = &sig
	case len(staticKey) > 0:
		env.Signature = canon.SignLegacy(canonical, staticKey)
	}
	return json.MarshalIndent(env, "", "  ")
}
