package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clawee/sidecar/pkg/canon"
	"github.com/clawee/sidecar/pkg/replay"
)

// Config is every environment-derived setting cmd/sidecar needs to boot.
// Loading it never touches a network or database connection; it only
// parses env vars and, if configured, a keyring file.
type Config struct {
	ListenAddr string

	AuthMode     string
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string
	JWKSURL      string

	CORSAllowedOrigins string
	Environment        string

	CatalogPolicyPath         string
	CatalogCapabilityPath     string
	CatalogModelRegistryPath  string
	CatalogApprovalPolicyPath string
	CatalogPricingPath        string
	CatalogDestinationPath    string
	CatalogConnectorPath      string

	KeyringFile           string
	StaticKeyHex          string
	AllowUnsignedCatalogs bool

	Keyring   *canon.Keyring
	StaticKey []byte

	ReplayBackend     string
	ReplayEventKeyTTL time.Duration

	EgressMode         string
	EgressAllowedHosts []string

	BudgetHourlyCapUSD float64
	BudgetDailyCapUSD  float64

	ApprovalTTL time.Duration

	AttestationDir          string
	AlertRateLimitPerMinute int
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// keyringFile is the on-disk shape of CATALOG_KEYRING_FILE: hex-encoded
// HMAC secrets keyed by kid, with one marked active.
type keyringFile struct {
	ActiveKid string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

func loadKeyringFile(path string) (*canon.Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring file %s: %w", path, err)
	}
	var kf keyringFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("parse keyring file %s: %w", path, err)
	}
	kr := &canon.Keyring{ActiveKid: kf.ActiveKid, Keys: map[string][]byte{}}
	for kid, hexKey := range kf.Keys {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("keyring file %s: key %q is not valid hex: %w", path, kid, err)
		}
		kr.Keys[kid] = key
	}
	if err := kr.Validate(); err != nil {
		return nil, fmt.Errorf("keyring file %s: %w", path, err)
	}
	return kr, nil
}

// loadConfig reads every CATALOG_*/AUTH_*/REPLAY_*/BUDGET_* env var cmd/
// sidecar consumes, failing closed when no signing material is configured
// and unsigned catalogs were not explicitly opted into.
func loadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: envString("LISTEN_ADDR", ":8443"),

		AuthMode:     strings.ToLower(envString("AUTH_MODE", "off")),
		AuthSecret:   os.Getenv("AUTH_SECRET"),
		AuthIssuer:   os.Getenv("AUTH_ISSUER"),
		AuthAudience: os.Getenv("AUTH_AUDIENCE"),
		JWKSURL:      os.Getenv("AUTH_JWKS_URL"),

		CORSAllowedOrigins: os.Getenv("CORS_ALLOWED_ORIGINS"),
		Environment:        envString("ENVIRONMENT", "development"),

		CatalogPolicyPath:         envString("CATALOG_POLICY_PATH", "catalogs/policy.json"),
		CatalogCapabilityPath:     envString("CATALOG_CAPABILITY_PATH", "catalogs/capability.json"),
		CatalogModelRegistryPath:  envString("CATALOG_MODEL_REGISTRY_PATH", "catalogs/model_registry.json"),
		CatalogApprovalPolicyPath: envString("CATALOG_APPROVAL_POLICY_PATH", "catalogs/approval_policy.json"),
		CatalogPricingPath:        envString("CATALOG_PRICING_PATH", "catalogs/pricing.json"),
		CatalogDestinationPath:    os.Getenv("CATALOG_DESTINATION_PATH"),
		CatalogConnectorPath:      os.Getenv("CATALOG_CONNECTOR_PATH"),

		KeyringFile:           os.Getenv("CATALOG_KEYRING_FILE"),
		StaticKeyHex:          os.Getenv("CATALOG_STATIC_KEY"),
		AllowUnsignedCatalogs: envBool("CATALOG_ALLOW_UNSIGNED", false),

		ReplayBackend:     strings.ToLower(envString("REPLAY_BACKEND", "sqlite")),
		ReplayEventKeyTTL: envDuration("REPLAY_EVENT_KEY_TTL", replay.EventKeyTTLFloor),

		EgressMode:         strings.ToLower(envString("EGRESS_MODE", "restrict")),
		EgressAllowedHosts: splitCSV(os.Getenv("EGRESS_ALLOWED_HOSTS")),

		BudgetHourlyCapUSD: envFloat("BUDGET_HOURLY_CAP_USD", 0),
		BudgetDailyCapUSD:  envFloat("BUDGET_DAILY_CAP_USD", 0),

		ApprovalTTL: envDuration("APPROVAL_TTL", time.Hour),

		AttestationDir:          envString("ATTESTATION_DIR", "attestation"),
		AlertRateLimitPerMinute: envIntDefault("ALERT_RATE_LIMIT_PER_MINUTE", 5),
	}

	if cfg.KeyringFile != "" {
		kr, err := loadKeyringFile(cfg.KeyringFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Keyring = kr
	}
	if cfg.StaticKeyHex != "" {
		key, err := hex.DecodeString(cfg.StaticKeyHex)
		if err != nil {
			return Config{}, fmt.Errorf("CATALOG_STATIC_KEY is not valid hex: %w", err)
		}
		cfg.StaticKey = key
	}
	if cfg.Keyring == nil && len(cfg.StaticKey) == 0 && !cfg.AllowUnsignedCatalogs {
		return Config{}, fmt.Errorf("no catalog signing material configured; set CATALOG_KEYRING_FILE or CATALOG_STATIC_KEY, or CATALOG_ALLOW_UNSIGNED=true for local development")
	}
	return cfg, nil
}
