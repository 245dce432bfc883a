// Package psa turns detection findings, patch failures and vulnerability
// reports into prioritised tickets with SLA deadlines and an auditable
// action history.
package psa

import (
	"errors"
	"time"
)

// Ticket source types.
var ValidSourceTypes = map[string]bool{
	"finding":        true,
	"patch_failure":  true,
	"defence_action": true,
	"vulnerability":  true,
}

// Ticket statuses.
const (
	StatusOpen          = "open"
	StatusAcknowledged  = "acknowledged"
	StatusInRemediation = "remediation_in_progress"
	StatusResolved      = "resolved"
	StatusDeferred      = "deferred"
	StatusAcceptedRisk  = "accepted_risk"
	StatusEscalated     = "escalated"
)

// Action types an operator can apply.
const (
	ActionAcknowledge = "acknowledge"
	ActionRemediate   = "remediate"
	ActionDefer       = "defer"
	ActionAcceptRisk  = "accept_risk"
	ActionEscalate    = "escalate"
)

// Priorities and their rank (lower is more urgent).
var priorityRank = map[string]int{
	"p1": 0,
	"p2": 1,
	"p3": 2,
	"p4": 3,
}

// slaDurations maps priority to resolution deadline.
var slaDurations = map[string]time.Duration{
	"p1": 4 * time.Hour,
	"p2": 24 * time.Hour,
	"p3": 72 * time.Hour,
	"p4": 168 * time.Hour,
}

// Priority adjustment bonuses.
var (
	criticalityBonus = map[string]float64{
		"low":              0,
		"medium":           0,
		"high":             10,
		"mission_critical": 20,
	}
	exposureBonus = map[string]float64{
		"internal": 0,
		"external": 10,
	}
	sensitivityBonus = map[string]float64{
		"none":             0,
		"exploit_observed": 10,
		"active_attack":    15,
	}
)

const (
	// DefaultRiskThreshold suppresses intake below this risk score.
	DefaultRiskThreshold = 50.0
	// DefaultEvidenceCap bounds evidence items per ticket; oldest are
	// trimmed after ingest.
	DefaultEvidenceCap = 200
	// JustificationReopened is the synthetic acknowledge note added when
	// new evidence reopens a resolved ticket.
	JustificationReopened = "reopened_by_new_evidence"
	// JustificationResolvedUpstream is the default note when a source
	// system reports its issue fixed.
	JustificationResolvedUpstream = "resolved_upstream"
)

var (
	ErrInvalidSourceType     = errors.New("invalid_source_type")
	ErrTicketNotFound        = errors.New("ticket_not_found")
	ErrTicketResolved        = errors.New("ticket_resolved")
	ErrInvalidActionType     = errors.New("invalid_action_type")
	ErrJustificationRequired = errors.New("justification_required")
)

// EvidenceItem is one supporting artefact attached to a ticket,
// deduplicated by hash.
type EvidenceItem struct {
	EvidenceHash string    `json:"evidence_hash"`
	Description  string    `json:"description,omitempty"`
	AddedAt      time.Time `json:"added_at"`
}

// Action is one entry in a ticket's audit trail.
type Action struct {
	ActionID            string    `json:"action_id"`
	TicketID            string    `json:"ticket_id"`
	ActionType          string    `json:"action_type"`
	ActorIdentity       string    `json:"actor_identity"`
	Timestamp           time.Time `json:"timestamp"`
	Justification       string    `json:"justification,omitempty"`
	AutomationRequestID string    `json:"automation_request_id,omitempty"`
}

// Ticket is one prioritised work item. The tuple (tenant_id, asset_id,
// source_type, source_reference_id) is its dedup key.
type Ticket struct {
	TicketID             string         `json:"ticket_id"`
	TenantID             string         `json:"tenant_id"`
	AssetID              string         `json:"asset_id"`
	SourceType           string         `json:"source_type"`
	SourceReferenceID    string         `json:"source_reference_id"`
	RiskScore            float64        `json:"risk_score"`
	AdjustedScore        float64        `json:"adjusted_score"`
	Priority             string         `json:"priority"`
	Status               string         `json:"status"`
	SLADeadline          time.Time      `json:"sla_deadline"`
	CreatedAt            time.Time      `json:"creation_timestamp"`
	LastUpdatedAt        time.Time      `json:"last_updated_at"`
	SystemRecommendation string         `json:"system_recommendation,omitempty"`
	Evidence             []EvidenceItem `json:"evidence,omitempty"`
	Actions              []Action       `json:"actions,omitempty"`
}

// IntakeRequest is one risk signal entering the PSA core.
type IntakeRequest struct {
	TenantID             string         `json:"tenant_id"`
	AssetID              string         `json:"asset_id"`
	SourceType           string         `json:"source_type"`
	SourceReferenceID    string         `json:"source_reference_id"`
	RiskScore            float64        `json:"risk_score"`
	AssetCriticality     string         `json:"asset_criticality,omitempty"`
	Exposure             string         `json:"exposure,omitempty"`
	ThreatSensitivity    string         `json:"threat_sensitivity,omitempty"`
	SystemRecommendation string         `json:"system_recommendation,omitempty"`
	Evidence             []EvidenceItem `json:"evidence,omitempty"`
}

// Intake outcomes.
const (
	IntakeCreated    = "created"
	IntakeUpdated    = "updated"
	IntakeSuppressed = "suppressed"
)

// IntakeResult reports what an intake call did.
type IntakeResult struct {
	Status string  `json:"status"`
	Reason string  `json:"reason,omitempty"`
	Ticket *Ticket `json:"ticket,omitempty"`
}

// ComputePriority applies the context bonuses to a risk score and maps the
// adjusted value to a priority band: p1 >= 85, p2 >= 70, p3 >= 50, else p4.
func ComputePriority(risk float64, criticality, exposure, sensitivity string) (string, float64) {
	adjusted := risk + criticalityBonus[criticality] + exposureBonus[exposure] + sensitivityBonus[sensitivity]
	switch {
	case adjusted >= 85:
		return "p1", adjusted
	case adjusted >= 70:
		return "p2", adjusted
	case adjusted >= 50:
		return "p3", adjusted
	default:
		return "p4", adjusted
	}
}

// SLADeadline returns the resolution deadline for a priority from now.
func SLADeadline(priority string, now time.Time) time.Time {
	d, ok := slaDurations[priority]
	if !ok {
		d = slaDurations["p4"]
	}
	return now.Add(d)
}
