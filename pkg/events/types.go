// Package events ingests signed agent event batches with sequence gap
// detection, clock-drift bookkeeping and payload-hash idempotency.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Event categories form a closed set.
var ValidCategories = map[string]struct{}{
	"system":   {},
	"security": {},
	"process":  {},
	"file":     {},
	"network":  {},
}

// Intake bounds.
const (
	SupportedSchemaVersion = "v1"
	DefaultMaxBatchEvents  = 500
	DefaultStaleSeconds    = 3600
	DefaultFutureSeconds   = 120
	DefaultDriftSeconds    = 300
)

// Batch statuses returned to the agent.
const (
	StatusAccepted = "accepted"
	StatusPartial  = "partial"
	StatusRejected = "rejected"
)

// ErrStorageUnavailable wraps transient store failures; intake is idempotent
// so the agent may retry.
var ErrStorageUnavailable = errors.New("storage_unavailable")

// Event is one agent observation inside a batch.
type Event struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	AssetID        string          `json:"asset_id"`
	EventCategory  string          `json:"event_category"`
	EventType      string          `json:"event_type"`
	SequenceNumber int64           `json:"sequence_number"`
	TimestampLocal time.Time       `json:"timestamp_local"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	Severity       string          `json:"severity"`
	SourceModule   string          `json:"source_module"`
	TrustLevel     string          `json:"trust_level"`
}

// StoredEvent is an accepted event with server-side reception metadata.
type StoredEvent struct {
	Event
	TimestampReceived time.Time `json:"timestamp_received"`
}

// Batch is a signed event submission from one asset.
type Batch struct {
	PayloadID     string  `json:"payload_id"`
	TenantID      string  `json:"tenant_id"`
	AssetID       string  `json:"asset_id"`
	SchemaVersion string  `json:"schema_version"`
	Events        []Event `json:"events"`
}

// Gap records a sequence jump greater than 1 for (asset_id, source_module).
// Gaps are data, not rejections.
type Gap struct {
	AssetID          string `json:"asset_id"`
	SourceModule     string `json:"source_module"`
	LastSeenSequence int64  `json:"last_seen_sequence"`
	NewSequence      int64  `json:"new_sequence"`
	GapSize          int64  `json:"gap_size"`
}

// Drift records a clock skew beyond the drift threshold.
type Drift struct {
	AssetID        string        `json:"asset_id"`
	SourceModule   string        `json:"source_module"`
	EventID        string        `json:"event_id"`
	DriftAmount    time.Duration `json:"-"`
	DriftSeconds   float64       `json:"drift_seconds"`
	TimestampLocal time.Time     `json:"timestamp_local"`
}

// EventRejection is a per-event failure inside a partial batch.
type EventRejection struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// Response is the intake outcome returned to the agent.
type Response struct {
	Status    string           `json:"status"`
	Accepted  int              `json:"accepted"`
	Rejected  int              `json:"rejected"`
	Gaps      []Gap            `json:"gaps"`
	Drifts    []Drift          `json:"drifts"`
	Failures  []EventRejection `json:"failures,omitempty"`
}

// BatchRejection is a whole-batch failure with a stable machine code.
type BatchRejection struct {
	Code   string
	Detail string
	Status int
}

func (r *BatchRejection) Error() string { return r.Code }

// BatchLog is the always-written record of a batch submission.
type BatchLog struct {
	PayloadID    string    `json:"payload_id"`
	TenantID     string    `json:"tenant_id"`
	AssetID      string    `json:"asset_id"`
	Status       string    `json:"status"`
	Accepted     int       `json:"accepted"`
	Rejected     int       `json:"rejected"`
	RejectReason string    `json:"reject_reason,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}
