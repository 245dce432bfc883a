// Package inventory is the authoritative record of managed assets and their
// collected snapshots. Hardware and OS rows are last-writer-wins upserts;
// software, user and group sets are replaced wholesale per collection so the
// stored state is always exactly one agent report, never a merge.
package inventory

import (
	"errors"
	"time"
)

// ErrAssetNotFound is returned by single-asset queries.
var ErrAssetNotFound = errors.New("asset_not_found")

// Trust states an asset can carry.
const (
	TrustStateUnknown   = "unknown"
	TrustStateTrusted   = "trusted"
	TrustStateUntrusted = "untrusted"
)

// BlockReasonPatchFailure is recorded when patch execution or verification
// fails for an asset.
const BlockReasonPatchFailure = "execution_or_verification_failed"

// Asset is a managed endpoint under a tenant.
type Asset struct {
	AssetID     string    `json:"asset_id"`
	TenantID    string    `json:"tenant_id"`
	Hostname    string    `json:"hostname"`
	AssetType   string    `json:"asset_type"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	TrustState  string    `json:"trust_state"`
	RiskScore   float64   `json:"risk_score"`
	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
}

// HardwareSnapshot is the single-row hardware record for an asset.
type HardwareSnapshot struct {
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	SerialNumber string    `json:"serial_number"`
	CPUModel     string    `json:"cpu_model"`
	CPUCores     int       `json:"cpu_cores"`
	MemoryMB     int64     `json:"memory_mb"`
	DiskTotalMB  int64     `json:"disk_total_mb"`
	CollectedAt  time.Time `json:"collected_at"`
}

// OSSnapshot is the single-row operating system record for an asset.
type OSSnapshot struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Build        string    `json:"build"`
	Architecture string    `json:"architecture"`
	KernelVer    string    `json:"kernel_version"`
	LastBootAt   time.Time `json:"last_boot_at"`
	CollectedAt  time.Time `json:"collected_at"`
}

// SoftwarePackage is one installed package in a software snapshot.
type SoftwarePackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Vendor      string `json:"vendor"`
	InstalledAt string `json:"installed_at,omitempty"`
}

// UserAccount is one local account in a users snapshot.
type UserAccount struct {
	Username   string `json:"username"`
	UID        string `json:"uid"`
	HomeDir    string `json:"home_dir,omitempty"`
	Shell      string `json:"shell,omitempty"`
	IsAdmin    bool   `json:"is_admin"`
	IsDisabled bool   `json:"is_disabled"`
}

// UserGroup is one local group in a groups snapshot.
type UserGroup struct {
	Name    string   `json:"name"`
	GID     string   `json:"gid"`
	Members []string `json:"members,omitempty"`
}

// Snapshot assembles all five categories for one asset.
type Snapshot struct {
	Asset    Asset             `json:"asset"`
	Hardware *HardwareSnapshot `json:"hardware,omitempty"`
	OS       *OSSnapshot       `json:"os,omitempty"`
	Software []SoftwarePackage `json:"software"`
	Users    []UserAccount     `json:"users"`
	Groups   []UserGroup       `json:"groups"`
}

// ListFilter narrows asset listings.
type ListFilter struct {
	TenantID string
	Since    time.Time
	Limit    int
	Offset   int
}
