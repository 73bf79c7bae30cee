package gate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/clawee/sidecar/pkg/catalog"
)

func TestPolicyTieBreakCriticalPattern(t *testing.T) {
	rules := catalog.PolicyRules{CriticalPatterns: []string{"drop table"}}
	d := Policy(rules, PolicyRequest{Body: `{"sql":"DROP TABLE users"}`, Method: "POST"})
	if d.Verdict != Block || d.RiskClass != RiskCritical {
		t.Fatalf("expected block/critical, got %+v", d)
	}
	found := false
	for _, s := range d.MatchedSignals {
		if s == "critical-pattern:drop table" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected matched_signals to contain the critical pattern, got %v", d.MatchedSignals)
	}
}

func TestPolicyTieBreakHighRiskOnly(t *testing.T) {
	rules := catalog.PolicyRules{HighRiskPatterns: []string{"production"}}
	d := Policy(rules, PolicyRequest{Body: "deploy to production", Method: "POST"})
	if d.Verdict != RequireApproval || d.RiskClass != RiskHigh {
		t.Fatalf("expected require_approval/high, got %+v", d)
	}
}

func TestPolicyAllowsWhenNoSignals(t *testing.T) {
	rules := catalog.PolicyRules{}
	d := Policy(rules, PolicyRequest{Body: "hello world", Method: "GET"})
	if d.Verdict != Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestPolicyAdminSystemPathNonGet(t *testing.T) {
	d := Policy(catalog.PolicyRules{}, PolicyRequest{Path: "/admin/users", Method: "POST"})
	if d.Verdict != RequireApproval {
		t.Fatalf("expected require_approval for non-GET admin path, got %+v", d)
	}
	d2 := Policy(catalog.PolicyRules{}, PolicyRequest{Path: "/admin/users", Method: "GET"})
	if d2.Verdict != Allow {
		t.Fatalf("GET on admin path should not require approval, got %+v", d2)
	}
}

func TestCapabilityDenyWins(t *testing.T) {
	rules := catalog.CapabilityRules{Default: catalog.CapabilityScope{
		Mode:       catalog.ModeAllow,
		AllowTools: []string{"search"},
		DenyTools:  []string{"shell.exec"},
	}}
	rules.Normalize()
	d := Capability(rules, CapabilityRequest{Tools: []string{"search", "shell.exec"}})
	if d.Verdict != Block {
		t.Fatalf("expected deny to win over allow, got %+v", d)
	}
}

func TestCapabilityModeDenyRequiresAllowlist(t *testing.T) {
	rules := catalog.CapabilityRules{Default: catalog.CapabilityScope{Mode: catalog.ModeDeny}}
	rules.Normalize()
	d := Capability(rules, CapabilityRequest{Tools: []string{"unknown-tool"}})
	if d.Verdict != Block {
		t.Fatalf("expected deny-mode default to block unlisted tool, got %+v", d)
	}
}

func TestModelRegistryWildcardAndValidity(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	reg := catalog.ModelRegistry{Entries: []catalog.ModelRegistryEntry{
		{ModelID: "gpt-x", Modality: catalog.ModalityText, Approved: true, ValidFrom: &past, ValidTo: &future},
	}}
	d := ModelRegistry(reg, ModelRegistryRequest{ModelID: "gpt-x", Modality: catalog.ModalityText}, time.Now())
	if d.Verdict != Allow {
		t.Fatalf("expected allow within validity window, got %+v", d)
	}
	d2 := ModelRegistry(reg, ModelRegistryRequest{ModelID: "unknown", Modality: catalog.ModalityText}, time.Now())
	if d2.Verdict != Block {
		t.Fatalf("expected block for missing entry with no wildcard, got %+v", d2)
	}
}

func TestDestinationDenyWinsOverAllow(t *testing.T) {
	rules := catalog.DestinationRules{Default: catalog.DestinationScope{
		Mode:  catalog.ModeAllow,
		Allow: []string{".*\\.example\\.com"},
		Deny:  []string{"evil\\.example\\.com"},
	}}
	compiled, err := CompileDestinationRules(rules)
	if err != nil {
		t.Fatal(err)
	}
	d := Destination(compiled, "default", "evil.example.com")
	if d.Verdict != Block {
		t.Fatalf("expected deny pattern to win, got %+v", d)
	}
}

func TestDestinationAllowModeRequiresAllowlistMatchWhenConfigured(t *testing.T) {
	rules := catalog.DestinationRules{Default: catalog.DestinationScope{
		Mode:  catalog.ModeAllow,
		Allow: []string{".*\\.example\\.com"},
	}}
	compiled, err := CompileDestinationRules(rules)
	if err != nil {
		t.Fatal(err)
	}
	if d := Destination(compiled, "default", "foo.example.com"); d.Verdict != Allow {
		t.Fatalf("expected allow on matching allowlist, got %+v", d)
	}
	if d := Destination(compiled, "default", "unrelated.net"); d.Verdict != Block {
		t.Fatalf("expected block when allowlist configured and no match, got %+v", d)
	}
}

func TestDestinationCompileFailureFailsWholeLoad(t *testing.T) {
	rules := catalog.DestinationRules{Default: catalog.DestinationScope{Allow: []string{"(unclosed"}}}
	if _, err := CompileDestinationRules(rules); err == nil {
		t.Fatal("expected compile failure to fail the whole load")
	}
}

func TestEgressAllowsLoopbackAndPrivateDirectIP(t *testing.T) {
	e := NewEgress(EgressPolicy{Mode: EgressRestrict})
	if d := e.Evaluate(context.Background(), "http://127.0.0.1:9999/x"); d.Verdict != Allow {
		t.Fatalf("expected loopback host allowed, got %+v", d)
	}
	if d := e.Evaluate(context.Background(), "http://10.0.0.5/x"); d.Verdict != Allow {
		t.Fatalf("expected private direct IP allowed, got %+v", d)
	}
	if d := e.Evaluate(context.Background(), "http://8.8.8.8/x"); d.Verdict != Block {
		t.Fatalf("expected public direct IP blocked, got %+v", d)
	}
}

func TestEgressResolverErrorDeniesWithReason(t *testing.T) {
	e := NewEgress(EgressPolicy{Mode: EgressRestrict, Resolver: func(ctx context.Context, host string) ([]net.IP, error) {
		return nil, errResolve
	}})
	d := e.Evaluate(context.Background(), "http://internal.example.com/x")
	if d.Verdict != Block {
		t.Fatalf("expected DNS error to deny, got %+v", d)
	}
	if d.Reason == "" {
		t.Fatal("expected deny reason to carry the lookup error")
	}
}

func TestEgressCachesDenialWithoutReresolving(t *testing.T) {
	calls := 0
	e := NewEgress(EgressPolicy{Mode: EgressRestrict, CacheTTL: time.Minute, Resolver: func(ctx context.Context, host string) ([]net.IP, error) {
		calls++
		return nil, errResolve
	}})
	first := e.Evaluate(context.Background(), "http://internal.example.com/x")
	second := e.Evaluate(context.Background(), "http://internal.example.com/x")
	if first.Verdict != Block || second.Verdict != Block {
		t.Fatalf("expected both calls to deny")
	}
	if calls != 1 {
		t.Fatalf("expected cached denial to avoid re-resolving, resolver called %d times", calls)
	}
}

var errResolve = &net.DNSError{Err: "simulated failure", Name: "internal.example.com"}
