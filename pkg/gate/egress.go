package gate

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// EgressMode is the default policy stance for the runtime egress gate.
type EgressMode string

const (
	EgressAllow EgressMode = "allow"
	EgressRestrict EgressMode = "restrict"
)

// EgressPolicy configures the runtime egress gate: the default mode, an
// explicit hostname allowlist, the resolver's cache TTL, and an injectable
// resolver (for tests).
type EgressPolicy struct {
	Mode          EgressMode
	AllowedHosts  []string
	CacheTTL      time.Duration
	Resolver      func(ctx context.Context, host string) ([]net.IP, error)
}

type egressCacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Egress is the runtime egress gate. It caches resolution results per
// (target, host) with a TTL; cached denials re-throw without re-resolving
// DNS.
type Egress struct {
	policy EgressPolicy
	mu     sync.Mutex
	cache  map[string]egressCacheEntry
	now    func() time.Time
}

// NewEgress constructs an Egress gate from policy.
func NewEgress(policy EgressPolicy) *Egress {
	if policy.CacheTTL <= 0 {
		policy.CacheTTL = 30 * time.Second
	}
	if policy.Resolver == nil {
		policy.Resolver = func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
	}
	return &Egress{policy: policy, cache: map[string]egressCacheEntry{}, now: time.Now}
}

// Evaluate resolves the host of target and decides whether the sidecar may
// reach it. If mode is "allow" every target passes; otherwise the host
// must be in the allowlist, be loopback, be a direct private/CGNAT/
// link-local/ULA address, or resolve exclusively to such addresses.
func (e *Egress) Evaluate(ctx context.Context, target string) Decision {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return block(RiskHigh, []string{"egress:unparseable-target"}, fmt.Sprintf("could not parse target %q", target))
	}
	host := u.Hostname()
	cacheKey := target + "|" + host

	e.mu.Lock()
	if ent, ok := e.cache[cacheKey]; ok && e.now().Before(ent.expiresAt) {
		e.mu.Unlock()
		return ent.decision
	}
	e.mu.Unlock()

	decision := e.evaluateHost(ctx, host)

	e.mu.Lock()
	e.cache[cacheKey] = egressCacheEntry{decision: decision, expiresAt: e.now().Add(e.policy.CacheTTL)}
	e.mu.Unlock()
	return decision
}

func (e *Egress) evaluateHost(ctx context.Context, host string) Decision {
	if e.policy.Mode == EgressAllow {
		return allow("egress policy is allow")
	}
	for _, h := range e.policy.AllowedHosts {
		if strings.EqualFold(h, host) {
			return allow("host is explicitly allowlisted")
		}
	}
	if strings.EqualFold(host, "localhost") {
		return allow("host is loopback")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateAddress(ip) {
			return allow("direct IP is within a private range")
		}
		return block(RiskHigh, []string{"egress:public-ip"}, fmt.Sprintf("direct IP %s is not private and host is not allowlisted", host))
	}
	ips, err := e.policy.Resolver(ctx, host)
	if err != nil {
		return block(RiskHigh, []string{"egress:dns-error"}, fmt.Sprintf("DNS lookup for %s failed: %v", host, err))
	}
	if len(ips) == 0 {
		return block(RiskHigh, []string{"egress:dns-empty"}, fmt.Sprintf("DNS lookup for %s returned no addresses", host))
	}
	for _, ip := range ips {
		if !isPrivateAddress(ip) {
			return block(RiskHigh, []string{"egress:dns-public-address"},
				fmt.Sprintf("host %s resolves to non-private address %s", host, ip))
		}
	}
	return allow("host resolves only to private addresses")
}

func isPrivateAddress(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "100.64.0.0/10"} {
			_, block, _ := net.ParseCIDR(cidr)
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	// ULA: fc00::/7
	_, ula, _ := net.ParseCIDR("fc00::/7")
	return ula.Contains(ip)
}
