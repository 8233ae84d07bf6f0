// Package config loads gateway configuration from the environment,
// failing fast at startup when a mandatory value is missing rather than
// limping along with a zero value discovered later mid-request.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// SMSLimit is a per-window send budget for one tenant.
type SMSLimit struct {
	Limit         int64 `json:"limit" yaml:"limit"`
	WindowSeconds int   `json:"window_s" yaml:"window_s"`
}

// Config holds every environment-derived setting the gateway needs. It is
// read once at boot and never mutated.
type Config struct {
	Port string

	DurableStoreDSN string
	KVStoreURL      string
	PolicyEngineURL string

	AntiReplayEnabled bool
	AntiReplayTTL     time.Duration
	PolicyTimeout     time.Duration

	SMSDefault         SMSLimit
	SMSTenantOverrides map[string]SMSLimit

	// TenantProfilesDir optionally points at a directory of
	// tenant_<id>.yaml files; env JSON overrides win over profiles.
	TenantProfilesDir string

	DigestSigningKey []byte
}

// env returns the value of name, or def if unset or empty.
func env(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// required fetches a mandatory environment variable, returning an error
// that names it when absent.
func required(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%s env var is required", name)
	}
	return v, nil
}

// Load builds a Config from the process environment, failing fast if any
// mandatory key is missing or any value fails to parse.
func Load() (*Config, error) {
	dsn, err := required("CASF_DURABLE_STORE_DSN")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              env("CASF_PORT", "8080"),
		DurableStoreDSN:   dsn,
		KVStoreURL:        env("CASF_KVSTORE_URL", "redis://redis:6379/0"),
		PolicyEngineURL:   env("CASF_POLICY_ENGINE_URL", "http://opa:8181"),
		TenantProfilesDir: os.Getenv("CASF_TENANT_PROFILES_DIR"),
		DigestSigningKey:  []byte(os.Getenv("CASF_DIGEST_SIGNING_KEY")),
	}

	antiReplay, err := parseBool(env("CASF_ANTI_REPLAY_ENABLED", "true"))
	if err != nil {
		return nil, fmt.Errorf("CASF_ANTI_REPLAY_ENABLED: %w", err)
	}
	cfg.AntiReplayEnabled = antiReplay

	ttlSeconds, err := parseInt(env("CASF_ANTI_REPLAY_TTL_SECONDS", "86400"))
	if err != nil {
		return nil, fmt.Errorf("CASF_ANTI_REPLAY_TTL_SECONDS: %w", err)
	}
	cfg.AntiReplayTTL = time.Duration(ttlSeconds) * time.Second

	timeoutMs, err := parseInt(env("CASF_POLICY_TIMEOUT_MS", "350"))
	if err != nil {
		return nil, fmt.Errorf("CASF_POLICY_TIMEOUT_MS: %w", err)
	}
	cfg.PolicyTimeout = time.Duration(timeoutMs) * time.Millisecond

	smsLimit, err := parseInt(env("CASF_SMS_RATE_LIMIT", "1"))
	if err != nil {
		return nil, fmt.Errorf("CASF_SMS_RATE_LIMIT: %w", err)
	}
	smsWindow, err := parseInt(env("CASF_SMS_RATE_WINDOW_SECONDS", "3600"))
	if err != nil {
		return nil, fmt.Errorf("CASF_SMS_RATE_WINDOW_SECONDS: %w", err)
	}
	cfg.SMSDefault = SMSLimit{Limit: int64(smsLimit), WindowSeconds: smsWindow}

	overrides, err := parseTenantOverrides(env("CASF_SMS_TENANT_OVERRIDES", "{}"))
	if err != nil {
		return nil, fmt.Errorf("CASF_SMS_TENANT_OVERRIDES: %w", err)
	}
	cfg.SMSTenantOverrides = overrides

	if cfg.TenantProfilesDir != "" {
		profiles, err := LoadTenantProfiles(cfg.TenantProfilesDir)
		if err != nil {
			return nil, err
		}
		// Env JSON wins over profile files.
		for tenant, limit := range profiles {
			if _, ok := cfg.SMSTenantOverrides[tenant]; !ok {
				cfg.SMSTenantOverrides[tenant] = limit.SMS
			}
		}
	}

	return cfg, nil
}

// parseTenantOverrides decodes the {tenant: {limit, window_s}} JSON map.
func parseTenantOverrides(raw string) (map[string]SMSLimit, error) {
	overrides := map[string]SMSLimit{}
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("invalid overrides JSON %q: %w", raw, err)
	}
	for tenant, limit := range overrides {
		if limit.Limit <= 0 || limit.WindowSeconds <= 0 {
			return nil, fmt.Errorf("tenant %q: limit and window_s must be positive", tenant)
		}
	}
	return overrides, nil
}

func parseBool(v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool %q: %w", v, err)
	}
	return b, nil
}

func parseInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int %q: %w", v, err)
	}
	return n, nil
}
