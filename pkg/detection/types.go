// Package detection evaluates security events against installed rules and
// manages the resulting findings: suppression, deduplication, supersession
// and dismissal.
package detection

import (
	"errors"
	"time"
)

// Rule variants. The set is closed; each variant carries its own
// install-time validation.
const (
	RuleBoolean              = "boolean"
	RuleThreshold            = "threshold"
	RuleSequence             = "sequence"
	RuleBehaviouralDeviation = "behavioural_deviation"
	RuleCrossDomain          = "cross_domain"
)

// Finding states.
const (
	FindingOpen       = "open"
	FindingDismissed  = "dismissed"
	FindingSuperseded = "superseded"
)

// Suppression reasons recorded for audit.
const (
	SuppressMaintenanceWindow   = "maintenance_window"
	SuppressAllowlistAsset      = "allowlist_asset"
	SuppressAllowlistIdentity   = "allowlist_identity"
	SuppressAllowlistEventType  = "allowlist_event_type"
	SuppressDuplicateOpenFinding = "duplicate_open_finding"
)

const (
	// DefaultMaxEventAge bounds how old an event may be and still be
	// evaluated.
	DefaultMaxEventAge = 3600 * time.Second
	// DefaultMaxFindingsPerRequest caps findings emitted for one event.
	DefaultMaxFindingsPerRequest = 25
	// DefaultEventRetention caps the in-memory event history.
	DefaultEventRetention = 5000
	// DefaultFindingRetention caps stored findings; oldest are evicted.
	DefaultFindingRetention = 2000
)

var (
	ErrInvalidRuleType              = errors.New("invalid_rule_type")
	ErrTriggerEventTypesRequired    = errors.New("trigger_event_types_required")
	ErrSequenceRequiresEventTypes   = errors.New("sequence_requires_event_types")
	ErrSequenceRequiresTimeWindow   = errors.New("sequence_requires_time_window")
	ErrDeviationRequiresMultiplier  = errors.New("deviation_requires_multiplier")
	ErrThresholdRequiresAttribute   = errors.New("threshold_requires_attribute")
	ErrInvalidExplanationVariables  = errors.New("invalid_explanation_variables")
	ErrRuleExists                   = errors.New("rule_exists")
	ErrRuleNotFound                 = errors.New("rule_not_found")
	ErrFindingNotFound              = errors.New("finding_not_found")
	ErrEventTooOld                  = errors.New("event_too_old")
)

// Event is the detection-facing view of a security event.
type Event struct {
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	AssetID    string         `json:"asset_id"`
	IdentityID string         `json:"identity_id,omitempty"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PatchState carries the patch posture used by cross_domain rules.
type PatchState struct {
	MissingPatches []string `json:"missing_patches"`
}

// ContextSnapshot is the optional enrichment evaluated alongside an event.
type ContextSnapshot struct {
	AssetCritical      bool           `json:"asset_critical,omitempty"`
	PrivilegedIdentity bool           `json:"privileged_identity,omitempty"`
	MaintenanceWindow  bool           `json:"maintenance_window,omitempty"`
	Baseline           *float64       `json:"baseline,omitempty"`
	PatchState         *PatchState    `json:"patch_state,omitempty"`
	Values             map[string]any `json:"values,omitempty"`
}

// Resolved reports whether a required context key is present.
func (c *ContextSnapshot) Resolved(key string) bool {
	if c == nil {
		return false
	}
	switch key {
	case "asset_critical", "privileged_identity", "maintenance_window":
		return true
	case "baseline":
		return c.Baseline != nil
	case "patch_state":
		return c.PatchState != nil
	default:
		_, ok := c.Values[key]
		return ok
	}
}

// CorrelationGraph links the events supporting a sequence finding in their
// matched order. Edges point from each event to its successor; the link is
// unidirectional.
type CorrelationGraph struct {
	Nodes []string    `json:"nodes"`
	Edges [][2]string `json:"edges,omitempty"`
}

// Finding is one rule match.
type Finding struct {
	FindingID        string            `json:"finding_id"`
	FindingType      string            `json:"finding_type"` // rule_id
	TenantID         string            `json:"tenant_id"`
	AssetID          string            `json:"asset_id"`
	IdentityID       string            `json:"identity_id,omitempty"`
	Severity         string            `json:"severity"`
	ConfidenceScore  float64           `json:"confidence_score"`
	SupportingEvents []string          `json:"supporting_events"`
	CorrelationGraph *CorrelationGraph `json:"correlation_graph,omitempty"`
	ContextSnapshot  *ContextSnapshot  `json:"context_snapshot,omitempty"`
	ExplanationText  string            `json:"explanation_text,omitempty"`
	CreatedAt        time.Time         `json:"creation_timestamp"`
	State            string            `json:"state"`
	SupersededBy     string            `json:"superseded_by,omitempty"`
}

// Suppression is one audited decision not to emit a finding.
type Suppression struct {
	RuleID     string    `json:"rule_id"`
	AssetID    string    `json:"asset_id"`
	IdentityID string    `json:"identity_id,omitempty"`
	EventID    string    `json:"event_id"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}
