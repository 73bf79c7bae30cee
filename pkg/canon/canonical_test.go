package canon

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	raw := json.RawMessage(`{ "b": 2, "a": [1, 2, 3], "c": {"z": 1, "y": 2} }`)
	got, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":[1,2,3],"b":2,"c":{"y":2,"z":1}}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeJSONRejectsFloats(t *testing.T) {
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":1.5}`)); err == nil {
		t.Fatal("expected error for float token")
	}
}

func TestCanonicalizeJSONAllowFloatPreservesDecimals(t *testing.T) {
	got, err := CanonicalizeJSONAllowFloat(json.RawMessage(`{"z":1.50,"a":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":2,"z":1.50}` {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}

func TestCanonicalInjectiveModuloJSONSemantics(t *testing.T) {
	a := json.RawMessage(`{"a":1,"b":2}`)
	b := json.RawMessage(`{"b":2,"a":1}`)
	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("differently-ordered documents should canonicalize identically")
	}
	if Fingerprint(ca) != Fingerprint(cb) {
		t.Fatalf("same canonical form must yield the same fingerprint")
	}
}

func TestSignAndVerifyKidRoundTrip(t *testing.T) {
	kr := &Keyring{ActiveKid: "k1", Keys: map[string][]byte{"k1": []byte("secret-1")}}
	canonical := []byte(`{"hello":"world"}`)
	sig, err := Sign(canonical, kr)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Kid != "k1" {
		t.Fatalf("expected kid k1, got %s", sig.Kid)
	}
	if len(sig.Sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig.Sig))
	}
	if !VerifyKid(canonical, sig, kr) {
		t.Fatal("expected signature to verify")
	}
	tampered := []byte(`{"hello":"world!"}`)
	if VerifyKid(tampered, sig, kr) {
		t.Fatal("expected signature to fail over tampered payload")
	}
}

func TestVerifyKidRejectsUnknownKid(t *testing.T) {
	kr := &Keyring{ActiveKid: "k1", Keys: map[string][]byte{"k1": []byte("secret")}}
	sig := Signature{Kid: "k2", Sig: "00"}
	if VerifyKid([]byte("x"), sig, kr) {
		t.Fatal("expected verification against unknown kid to fail")
	}
}

func TestKeyRotationScenario(t *testing.T) {
	// sign a document under k1
	kr := &Keyring{ActiveKid: "k1", Keys: map[string][]byte{"k1": []byte("secret-1")}}
	canonical := []byte(`{"v":1}`)
	oldSig, err := Sign(canonical, kr)
	if err != nil {
		t.Fatal(err)
	}

	// add k2, switch active
	kr.Keys["k2"] = []byte("secret-2")
	kr.ActiveKid = "k2"
	newSig, err := Sign(canonical, kr)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyKid(canonical, newSig, kr) {
		t.Fatal("new signature must verify under rotated keyring")
	}
	if !VerifyKid(canonical, oldSig, kr) {
		t.Fatal("old signature must still verify while k1 remains in the keyring")
	}

	// remove k1
	delete(kr.Keys, "k1")
	if VerifyKid(canonical, oldSig, kr) {
		t.Fatal("old signature must fail to verify once k1 is removed")
	}
}

func TestVerifyAnyMatchesLegacySignatureUnderKeyring(t *testing.T) {
	kr := &Keyring{ActiveKid: "k2", Keys: map[string][]byte{
		"k1": []byte("legacy-secret"),
		"k2": []byte("current-secret"),
	}}
	canonical := []byte(`{"legacy":true}`)
	legacySig := SignLegacy(canonical, kr.Keys["k1"])
	valid, kid := VerifyAny(canonical, legacySig, kr)
	if !valid || kid != "k1" {
		t.Fatalf("expected match on k1, got valid=%v kid=%s", valid, kid)
	}
}

func TestVerifyLegacyConstantTime(t *testing.T) {
	key := []byte("static-key")
	canonical := []byte(`{"x":1}`)
	sig := SignLegacy(canonical, key)
	if !VerifyLegacy(canonical, sig, key) {
		t.Fatal("expected legacy signature to verify")
	}
	if VerifyLegacy(canonical, sig, []byte("other-key")) {
		t.Fatal("expected legacy signature to fail under wrong key")
	}
}

func TestKeyringValidate(t *testing.T) {
	if err := (&Keyring{}).Validate(); err == nil {
		t.Fatal("expected error for empty keyring")
	}
	kr := &Keyring{ActiveKid: "missing", Keys: map[string][]byte{"k1": []byte("s")}}
	if err := kr.Validate(); err == nil {
		t.Fatal("expected error when active kid is absent from keys")
	}
}

func TestGenesisHashShape(t *testing.T) {
	if len(GenesisHash) != 64 {
		t.Fatalf("genesis hash must be 64 hex chars, got %d", len(GenesisHash))
	}
	for _, c := range GenesisHash {
		if c != '0' {
			t.Fatalf("genesis hash must be all zeros")
		}
	}
}
