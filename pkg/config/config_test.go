package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casf-systems/verifier-gateway/pkg/config"
)

func TestLoad_FailsFastWithoutDurableStoreDSN(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CASF_DURABLE_STORE_DSN")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_PORT", "")
	t.Setenv("CASF_KVSTORE_URL", "")
	t.Setenv("CASF_POLICY_ENGINE_URL", "")
	t.Setenv("CASF_ANTI_REPLAY_ENABLED", "")
	t.Setenv("CASF_SMS_RATE_LIMIT", "")
	t.Setenv("CASF_SMS_RATE_WINDOW_SECONDS", "")
	t.Setenv("CASF_SMS_TENANT_OVERRIDES", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis://redis:6379/0", cfg.KVStoreURL)
	assert.Equal(t, "http://opa:8181", cfg.PolicyEngineURL)
	assert.True(t, cfg.AntiReplayEnabled)
	assert.Equal(t, 24*time.Hour, cfg.AntiReplayTTL)
	assert.Equal(t, 350*time.Millisecond, cfg.PolicyTimeout)
	assert.Equal(t, config.SMSLimit{Limit: 1, WindowSeconds: 3600}, cfg.SMSDefault)
	assert.Empty(t, cfg.SMSTenantOverrides)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_PORT", "9090")
	t.Setenv("CASF_ANTI_REPLAY_ENABLED", "false")
	t.Setenv("CASF_SMS_RATE_LIMIT", "10")
	t.Setenv("CASF_SMS_RATE_WINDOW_SECONDS", "120")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.AntiReplayEnabled)
	assert.Equal(t, config.SMSLimit{Limit: 10, WindowSeconds: 120}, cfg.SMSDefault)
}

func TestLoad_TenantOverridesJSON(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_SMS_TENANT_OVERRIDES", `{"clinic-a":{"limit":20,"window_s":300}}`)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.SMSLimit{Limit: 20, WindowSeconds: 300}, cfg.SMSTenantOverrides["clinic-a"])
}

func TestLoad_TenantOverridesRejectBadJSON(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_SMS_TENANT_OVERRIDES", `{"clinic-a":`)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CASF_SMS_TENANT_OVERRIDES")
}

func TestLoad_TenantOverridesRejectNonPositiveBudget(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_SMS_TENANT_OVERRIDES", `{"clinic-a":{"limit":0,"window_s":300}}`)

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_InvalidBoolFailsFast(t *testing.T) {
	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_ANTI_REPLAY_ENABLED", "not-a-bool")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_MergesTenantProfilesUnderEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tenant_a.yaml", "sms:\n  limit: 3\n  window_s: 900\n")
	writeProfile(t, dir, "tenant_b.yaml", "sms:\n  limit: 7\n  window_s: 60\n")

	t.Setenv("CASF_DURABLE_STORE_DSN", "postgres://casf@localhost:5432/casf")
	t.Setenv("CASF_TENANT_PROFILES_DIR", dir)
	t.Setenv("CASF_SMS_TENANT_OVERRIDES", `{"a":{"limit":99,"window_s":10}}`)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.SMSLimit{Limit: 99, WindowSeconds: 10}, cfg.SMSTenantOverrides["a"], "env JSON wins")
	assert.Equal(t, config.SMSLimit{Limit: 7, WindowSeconds: 60}, cfg.SMSTenantOverrides["b"], "profile fills the gap")
}
