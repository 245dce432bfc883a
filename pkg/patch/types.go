// Package patch covers the patch lifecycle: policy eligibility evaluation,
// execution planning with maintenance-window scheduling, and the plan FSM
// that turns agent results into immutable evidence.
package patch

import (
	"errors"
	"time"
)

// Severity levels, ranked. Lower rank executes first.
var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
	"unknown":  4,
}

// ValidCategories are the recognised patch categories.
var ValidCategories = map[string]bool{
	"security": true,
	"critical": true,
	"optional": true,
	"feature":  true,
	"unknown":  true,
}

// Plan lifecycle states.
const (
	PlanPlanned   = "planned"
	PlanExecuting = "executing"
	PlanCompleted = "completed"
	PlanFailed    = "failed"
)

// Verification outcomes reported with plan results.
const (
	VerificationPending = "pending"
	VerificationPassed  = "passed"
	VerificationFailed  = "failed"
)

// Eligibility decision outcomes and reasons.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDeferred = "deferred"
	OutcomeExcluded = "excluded"

	ReasonSuperseded         = "superseded"
	ReasonExplicitExclusion  = "explicit_exclusion"
	ReasonCategoryDeferred   = "category_deferred"
	ReasonSeverityNotAllowed = "severity_not_allowed"
	ReasonPolicyAllowed      = "policy_allowed"
)

// Reboot rules a policy may carry.
const (
	RebootImmediate         = "immediate"
	RebootDeferred          = "deferred"
	RebootMaintenanceWindow = "maintenance_window"
)

const (
	// DefaultMaxDetectionPatches caps patches per detection report.
	DefaultMaxDetectionPatches = 500
	// DefaultMaxOutputBytes caps result stdout/stderr; longer output is
	// truncated and flagged.
	DefaultMaxOutputBytes = 8192
)

// BlockReasonExecutionFailed is the asset block reason recorded when a plan
// fails execution or verification.
const BlockReasonExecutionFailed = "execution_or_verification_failed"

var (
	ErrDetectionNotFound          = errors.New("detection_not_found")
	ErrPolicyNotFound             = errors.New("policy_not_found")
	ErrPolicyExists               = errors.New("policy_exists")
	ErrDetectionExists            = errors.New("detection_exists")
	ErrPatchBatchTooLarge         = errors.New("patch_batch_too_large")
	ErrPlanNotFound               = errors.New("plan_not_found")
	ErrPlanScopeMismatch          = errors.New("plan_scope_mismatch")
	ErrPolicyAssetNotAllowed      = errors.New("policy_asset_not_allowed")
	ErrPlanAlreadyStarted         = errors.New("plan_already_started")
	ErrPlanNotExecuting           = errors.New("plan_not_executing")
	ErrEvidenceAlreadyRecorded    = errors.New("evidence_already_recorded")
	ErrMissingResultPatches       = errors.New("missing_result_patches")
	ErrResultPatchNotInPlan       = errors.New("result_patch_not_in_plan")
	ErrDuplicateResultPatchIDs    = errors.New("duplicate_result_patch_ids")
	ErrFailureTypeRequired        = errors.New("failure_type_required")
	ErrRebootRequiredNotConfirmed = errors.New("reboot_required_not_confirmed")
	ErrInvalidResultStatus        = errors.New("invalid_result_status")
	ErrInvalidVerificationStatus  = errors.New("invalid_verification_status")
	ErrVerificationPending        = errors.New("verification_pending")
)

// PatchMetadata describes one detected patch.
type PatchMetadata struct {
	PatchID            string    `json:"patch_id"`
	Vendor             string    `json:"vendor"`
	Severity           string    `json:"severity"`
	Category           string    `json:"category"`
	AffectedComponent  string    `json:"affected_component"`
	RequiresReboot     bool      `json:"requires_reboot"`
	ReleaseDate        time.Time `json:"release_date"`
	DetectionTimestamp time.Time `json:"detection_timestamp"`
	Supersedes         []string  `json:"supersedes,omitempty"`
}

// Detection is one agent patch-scan report.
type Detection struct {
	DetectionID string          `json:"detection_id"`
	TenantID    string          `json:"tenant_id"`
	AssetID     string          `json:"asset_id"`
	Patches     []PatchMetadata `json:"patches"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// MaintenanceWindow is a recurring window in a named timezone.
// DaysOfWeek uses Monday=0 .. Sunday=6.
type MaintenanceWindow struct {
	Timezone   string `json:"timezone"`
	StartTime  string `json:"start_time"` // HH:MM
	EndTime    string `json:"end_time"`   // HH:MM
	DaysOfWeek []int  `json:"days_of_week"`
}

// PatchPolicy is an immutable tenant policy; revisions get a new policy_id.
type PatchPolicy struct {
	PolicyID           string              `json:"policy_id"`
	TenantID           string              `json:"tenant_id"`
	AssetIDs           []string            `json:"asset_ids,omitempty"`
	AllowedSeverities  []string            `json:"allowed_severities,omitempty"`
	DeferredCategories []string            `json:"deferred_categories,omitempty"`
	Exclusions         []string            `json:"exclusions,omitempty"`
	RebootRule         string              `json:"reboot_rule"`
	RetryLimit         int                 `json:"retry_limit"`
	MaintenanceWindows []MaintenanceWindow `json:"maintenance_windows,omitempty"`
	SignedBy           string              `json:"signed_by,omitempty"`
	Signature          string              `json:"signature,omitempty"`
	Version            int                 `json:"version"`
}

// Decision records the eligibility outcome for one patch.
type Decision struct {
	PatchID string `json:"patch_id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

// EligibilityResult is the evaluator output: the allowed subset plus a
// decision per input patch.
type EligibilityResult struct {
	Allowed   []PatchMetadata `json:"allowed"`
	Decisions []Decision      `json:"decisions"`
}

// ExecutionPlan is the scheduled unit of patch work for one asset.
type ExecutionPlan struct {
	PlanID         string     `json:"plan_id"`
	TenantID       string     `json:"tenant_id"`
	AssetID        string     `json:"asset_id"`
	PolicyID       string     `json:"policy_id"`
	DetectionID    string     `json:"detection_id"`
	ExecutionOrder []string   `json:"execution_order"`
	Eligibility    []Decision `json:"eligibility"`
	PreChecks      []string   `json:"pre_checks"`
	PostChecks     []string   `json:"post_checks"`
	RollbackPlan   []string   `json:"rollback_plan"`
	RebootRule     string     `json:"reboot_rule"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// PatchResult is the agent-reported outcome for one patch in a plan.
type PatchResult struct {
	PatchID     string `json:"patch_id"`
	Status      string `json:"status"` // completed | failed
	FailureType string `json:"failure_type,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// EvidenceRecord is the immutable record written when a plan reaches a
// terminal state. EvidenceHash covers a canonical serialisation of the plan,
// detection, policy, results and verification metadata.
type EvidenceRecord struct {
	PlanID             string        `json:"plan_id"`
	DetectionSnapshot  Detection     `json:"detection_snapshot"`
	PolicySnapshot     PatchPolicy   `json:"policy_snapshot"`
	PlanSnapshot       ExecutionPlan `json:"plan_snapshot"`
	Results            []PatchResult `json:"results"`
	RebootConfirmed    bool          `json:"reboot_confirmed"`
	VerificationStatus string        `json:"verification_status"`
	RecordedAt         time.Time     `json:"recorded_at"`
	EvidenceHash       string        `json:"evidence_hash"`
}
