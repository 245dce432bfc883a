// Package compliance owns control definitions, their evidence, automated
// assessments and time-bound exceptions, and snapshots everything into audit
// bundles. Assessments and bundles are mirrored to the evidence ledger.
package compliance

import (
	"errors"
	"time"
)

// Assessment statuses.
const (
	StatusCompliant              = "compliant"
	StatusNonCompliant           = "non_compliant"
	StatusPartiallyCompliant     = "partially_compliant"
	StatusManualEvidenceRequired = "manual_evidence_required"
)

// Logic types a control may declare.
const (
	LogicBoolean     = "boolean"
	LogicThreshold   = "threshold"
	LogicTimeWindow  = "time_window"
	LogicBehavioural = "behavioural"
	LogicManual      = "manual"
)

// ValidLogicTypes is the closed set accepted at registration.
var ValidLogicTypes = map[string]bool{
	LogicBoolean:     true,
	LogicThreshold:   true,
	LogicTimeWindow:  true,
	LogicBehavioural: true,
	LogicManual:      true,
}

// ValidOperators for threshold logic.
var ValidOperators = map[string]bool{
	">=": true, "<=": true, "==": true, "!=": true, ">": true, "<": true,
}

const (
	// DefaultEvidenceCap bounds evidence records per control (FIFO trim).
	DefaultEvidenceCap = 1000
	// DefaultAssessmentCap bounds assessment history per control.
	DefaultAssessmentCap = 365
	// DefaultExceptionCap bounds exceptions per control.
	DefaultExceptionCap = 100
	// DefaultEvaluationFrequencyDays applies when a control omits one.
	DefaultEvaluationFrequencyDays = 30
)

var (
	ErrControlNotFound       = errors.New("control_not_found")
	ErrInvalidLogicType      = errors.New("invalid_logic_type")
	ErrInvalidOperator       = errors.New("invalid_operator")
	ErrStatementRequired     = errors.New("control_statement_required")
	ErrApprovalRequired      = errors.New("approval_required")
	ErrExceptionExpiryInPast = errors.New("exception_expiry_in_past")
)

// AssessmentLogic declares how evidence is evaluated for a control.
type AssessmentLogic struct {
	LogicType      string  `json:"logic_type"`
	EvidenceKey    string  `json:"evidence_key,omitempty"`
	Operator       string  `json:"operator,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
	TimeWindowDays int     `json:"time_window_days,omitempty"`
}

// ControlDefinition is an immutable published control.
type ControlDefinition struct {
	ControlID               string          `json:"control_id"`
	TenantID                string          `json:"tenant_id"`
	Framework               string          `json:"framework"`
	ControlStatement        string          `json:"control_statement"`
	ExpectedSystemBehaviour string          `json:"expected_system_behaviour"`
	EvidenceSources         []string        `json:"evidence_sources"`
	Logic                   AssessmentLogic `json:"assessment_logic"`
	EvaluationFrequencyDays int             `json:"evaluation_frequency_days"`
	Version                 int             `json:"version"`
	PublishedAt             time.Time       `json:"published_at"`
}

// EvidenceRecord is one observation supporting a control.
type EvidenceRecord struct {
	EvidenceID         string         `json:"evidence_id"`
	ControlID          string         `json:"control_id"`
	Source             string         `json:"source"`
	ObservedAt         time.Time      `json:"observed_at"`
	Actor              string         `json:"actor,omitempty"`
	Attributes         map[string]any `json:"attributes"`
	ImmutableReference string         `json:"immutable_reference,omitempty"`
}

// ExceptionRecord is an approved, time-bound waiver for a control.
type ExceptionRecord struct {
	ExceptionID   string    `json:"exception_id"`
	ControlID     string    `json:"control_id"`
	ApprovedBy    string    `json:"approved_by"`
	Justification string    `json:"justification"`
	ExpiresAt     time.Time `json:"expires_at"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Assessment is one evaluation outcome.
type Assessment struct {
	ControlID         string    `json:"control_id"`
	Status            string    `json:"status"`
	Confidence        float64   `json:"confidence"`
	Summary           string    `json:"summary"`
	EvidenceCount     int       `json:"evidence_count"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
	EvidenceIDs       []string  `json:"evidence_ids"`
	ExceptionsApplied []string  `json:"exceptions_applied"`
	DriftDetected     bool      `json:"drift_detected"`
}

// AuditBundle is an immutable snapshot across a tenant's controls.
type AuditBundle struct {
	BundleID    string              `json:"bundle_id"`
	TenantID    string              `json:"tenant_id"`
	Scope       string              `json:"scope"`
	Controls    []ControlDefinition `json:"controls"`
	Assessments []Assessment        `json:"assessments"`
	Evidence    []EvidenceRecord    `json:"evidence"`
	Exceptions  []ExceptionRecord   `json:"exceptions"`
	GeneratedAt time.Time           `json:"generated_at"`
	BundleHash  string              `json:"bundle_hash"`
}

// RegisterControlRequest creates a control; the id is derived from the
// framework and statement, so re-registering the same control is idempotent.
type RegisterControlRequest struct {
	TenantID                string
	Framework               string
	ControlStatement        string
	ExpectedSystemBehaviour string
	EvidenceSources         []string
	Logic                   AssessmentLogic
	EvaluationFrequencyDays int
}

// EvidenceInput is one evidence submission.
type EvidenceInput struct {
	Source             string
	ObservedAt         time.Time
	Actor              string
	Attributes         map[string]any
	ImmutableReference string
}
