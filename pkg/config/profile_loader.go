package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant configuration profile loaded from YAML.
// Profiles carry the execution policy and intake overrides that are not
// sensible as process-wide environment variables.
type TenantProfile struct {
	Name     string `yaml:"name" json:"name"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	Execution ExecutionConfig `yaml:"execution" json:"execution"`
	Intake    IntakeConfig    `yaml:"intake" json:"intake"`
	Psa       PsaConfig       `yaml:"psa" json:"psa"`
}

// ExecutionConfig controls signed-task issuance for a tenant.
type ExecutionConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
	// DisabledAssets lists asset IDs with execution turned off.
	DisabledAssets []string `yaml:"disabled_assets,omitempty" json:"disabled_assets,omitempty"`
	// CommandAllowlist holds full-match regex patterns; empty means no
	// commands are allowed.
	CommandAllowlist []string `yaml:"command_allowlist,omitempty" json:"command_allowlist,omitempty"`
	// Policy is an optional CEL expression evaluated per (tenant, asset)
	// before issuance.
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// IntakeConfig overrides per-tenant rate limits. Zero values fall back to
// the server defaults.
type IntakeConfig struct {
	RPM   int `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// PsaConfig holds ticket intake thresholds.
type PsaConfig struct {
	RiskThreshold float64 `yaml:"risk_threshold,omitempty" json:"risk_threshold,omitempty"`
}

// LoadProfile loads a tenant profile YAML by tenant ID. It reads
// profile_<tenant_id>.yaml from the profiles directory.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	tenantID = strings.ToLower(tenantID)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", tenantID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			// Extract tenant from filename: profile_acme.yaml -> acme
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}

// ExecutionDisabledFor reports whether execution is off for the given asset.
func (p *TenantProfile) ExecutionDisabledFor(assetID string) bool {
	if p.Execution.Disabled {
		return true
	}
	for _, id := range p.Execution.DisabledAssets {
		if id == assetID {
			return true
		}
	}
	return false
}
