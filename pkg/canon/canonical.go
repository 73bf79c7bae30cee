// Package canon implements deterministic JSON canonicalization and the
// HMAC-SHA256 keyring signing scheme that every fingerprint, signature, and
// cross-process hash comparison in this repository is built on.
package canon

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// CanonicalizeJSON returns a deterministic, key-sorted, whitespace-free
// encoding of raw. Numbers must be integers; floats are rejected.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidateNoJSONNumbers enforces that no floating-point numeric tokens
// appear anywhere in raw. Non-integers must be represented as decimal
// strings.
func ValidateNoJSONNumbers(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if hasInvalidNumberToken(v) {
		return errors.New("floating-point JSON tokens are not allowed; use decimal strings")
	}
	return nil
}

func hasInvalidNumberToken(v interface{}) bool {
	switch t := v.(type) {
	case json.Number:
		return strings.ContainsAny(t.String(), ".eE")
	case map[string]interface{}:
		for _, vv := range t {
			if hasInvalidNumberToken(vv) {
				return true
			}
		}
	case []interface{}:
		for _, vv := range t {
			if hasInvalidNumberToken(vv) {
				return true
			}
		}
	}
	return false
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return errors.New("float numbers not supported in canonical form")
		}
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return errors.New("invalid number")
		}
		buf.WriteString(i.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return fmt.Errorf("unsupported json type %T", v)
	}
	return nil
}

// CanonicalizeJSONAllowFloat behaves like CanonicalizeJSON but preserves
// floating-point numbers verbatim. Catalog and attestation payloads that
// carry USD amounts or scores are canonicalized this way.
func CanonicalizeJSONAllowFloat(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValueAllowFloat(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValueAllowFloat(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValueAllowFloat(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValueAllowFloat(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return fmt.Errorf("unsupported json type %T", v)
	}
	return nil
}

// ToCanonicalValue canonicalizes an arbitrary Go value by round-tripping it
// through encoding/json first. Used for struct payloads (seal entries,
// attestation records) that were never raw JSON to begin with.
func ToCanonicalValue(v interface{}, allowFloat bool) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if allowFloat {
		return CanonicalizeJSONAllowFloat(raw)
	}
	return CanonicalizeJSON(raw)
}

// Fingerprint returns the lowercase hex SHA-256 of canonical.
func Fingerprint(canonical []byte) string {
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:])
}

// GenesisHash is the predecessor hash of the first entry in any hash chain:
// 32 zero bytes, hex-encoded (64 ASCII zero characters).
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Keyring is a named set of HMAC-SHA256 secrets with one active key id.
type Keyring struct {
	ActiveKid string
	Keys      map[string][]byte
}

// Validate enforces the keyring invariant: non-empty, active_kid present.
func (k *Keyring) Validate() error {
	if k == nil || len(k.Keys) == 0 {
		return errors.New("keyring has no keys")
	}
	if _, ok := k.Keys[k.ActiveKid]; !ok {
		return fmt.Errorf("keyring active kid %q not present in keys", k.ActiveKid)
	}
	return nil
}

// Signature is the v2 {kid,sig} signature envelope.
type Signature struct {
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

// Sign computes the v2 signature of canonical under the keyring's active key.
func Sign(canonical []byte, kr *Keyring) (Signature, error) {
	if err := kr.Validate(); err != nil {
		return Signature{}, err
	}
	secret := kr.Keys[kr.ActiveKid]
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return Signature{Kid: kr.ActiveKid, Sig: hex.EncodeToString(mac.Sum(nil))}, nil
}

// SignLegacy computes a legacy single-signature hex HMAC under staticKey.
func SignLegacy(canonical []byte, staticKey []byte) string {
	mac := hmac.New(sha256.New, staticKey)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyKid verifies a v2 {kid,sig} signature against the keyring. Rejects
// on length mismatch before comparing to avoid leaking timing information
// on malformed input.
func VerifyKid(canonical []byte, sig Signature, kr *Keyring) bool {
	secret, ok := kr.Keys[sig.Kid]
	if !ok {
		return false
	}
	given, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	want := mac.Sum(nil)
	if len(given) != len(want) {
		return false
	}
	return hmac.Equal(given, want)
}

// VerifyLegacy constant-time compares a legacy hex signature against a
// single static key.
func VerifyLegacy(canonical []byte, sigHex string, staticKey []byte) bool {
	given, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, staticKey)
	mac.Write(canonical)
	want := mac.Sum(nil)
	if len(given) != len(want) {
		return false
	}
	return hmac.Equal(given, want)
}

// VerifyAny accepts a legacy single-signature document under a keyring: it
// tries every key in the keyring and reports which kid matched, if any.
// This is the rotation path that lets an old static-keyed document be
// re-accepted once its key has been folded into a keyring.
func VerifyAny(canonical []byte, sigHex string, kr *Keyring) (valid bool, matchedKid string) {
	given, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, ""
	}
	kids := make([]string, 0, len(kr.Keys))
	for kid := range kr.Keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	for _, kid := range kids {
		mac := hmac.New(sha256.New, kr.Keys[kid])
		mac.Write(canonical)
		want := mac.Sum(nil)
		if len(given) == len(want) && hmac.Equal(given, want) {
			return true, kid
		}
	}
	return false, ""
}
