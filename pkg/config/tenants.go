package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is an operator-maintained per-tenant settings file. Today
// it carries the SMS burst budget; the shape leaves room for future
// per-tenant knobs without changing the file layout.
type TenantProfile struct {
	Tenant string   `yaml:"tenant"`
	SMS    SMSLimit `yaml:"sms"`
}

// LoadTenantProfile reads one tenant_<id>.yaml profile from dir.
func LoadTenantProfile(dir, tenant string) (*TenantProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("tenant_%s.yaml", tenant))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tenant profile %q: %w", tenant, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse tenant profile %q: %w", tenant, err)
	}
	if profile.Tenant == "" {
		profile.Tenant = tenant
	}
	if profile.SMS.Limit <= 0 || profile.SMS.WindowSeconds <= 0 {
		return nil, fmt.Errorf("tenant profile %q: sms limit and window_s must be positive", tenant)
	}
	return &profile, nil
}

// LoadTenantProfiles reads every tenant_*.yaml file in dir, keyed by
// tenant id.
func LoadTenantProfiles(dir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "tenant_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		tenant := strings.TrimSuffix(strings.TrimPrefix(base, "tenant_"), ".yaml")
		profile, err := LoadTenantProfile(dir, tenant)
		if err != nil {
			return nil, err
		}
		profiles[profile.Tenant] = profile
	}
	return profiles, nil
}
