package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casf-systems/verifier-gateway/pkg/config"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadTenantProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tenant_clinic-a.yaml", "tenant: clinic-a\nsms:\n  limit: 10\n  window_s: 600\n")

	p, err := config.LoadTenantProfile(dir, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, "clinic-a", p.Tenant)
	assert.Equal(t, config.SMSLimit{Limit: 10, WindowSeconds: 600}, p.SMS)
}

func TestLoadTenantProfile_DefaultsTenantFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tenant_clinic-b.yaml", "sms:\n  limit: 2\n  window_s: 60\n")

	p, err := config.LoadTenantProfile(dir, "clinic-b")
	require.NoError(t, err)
	assert.Equal(t, "clinic-b", p.Tenant)
}

func TestLoadTenantProfile_RejectsNonPositiveBudget(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tenant_clinic-c.yaml", "sms:\n  limit: 0\n  window_s: 60\n")

	_, err := config.LoadTenantProfile(dir, "clinic-c")
	assert.Error(t, err)
}

func TestLoadTenantProfiles_ReadsWholeDirectory(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tenant_a.yaml", "sms:\n  limit: 1\n  window_s: 3600\n")
	writeProfile(t, dir, "tenant_b.yaml", "sms:\n  limit: 5\n  window_s: 60\n")
	writeProfile(t, dir, "unrelated.yaml", "not a profile\n")

	profiles, err := config.LoadTenantProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, int64(5), profiles["b"].SMS.Limit)
}
