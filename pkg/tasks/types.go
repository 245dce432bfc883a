// Package tasks manages the signed remote-task lifecycle: issuance guards,
// single delivery to the bound agent, result recording with timing
// validation, and idempotent expiry sweeps piggy-backed on every poll and
// result call.
package tasks

import (
	"errors"
	"time"
)

// Task states.
const (
	StatePending   = "pending"
	StateDelivered = "delivered"
	StateExecuting = "executing"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateExpired   = "expired"
)

// Issuance and result bounds.
const (
	DefaultMaxPayloadBytes = 4096
	DefaultMaxOutputBytes  = 8192
	DefaultMaxTTL          = 900 * time.Second
	// DurationSkewToleranceMS bounds |duration_ms - wall-clock elapsed|.
	DurationSkewToleranceMS = 1000
)

// Execution contexts and interpreters form closed sets.
var (
	ValidExecutionContexts = map[string]struct{}{"system": {}, "root": {}}
	ValidInterpreters      = map[string]struct{}{"bash": {}, "powershell": {}}
)

// Issuance guard errors, checked in order.
var (
	ErrExecutionDisabled       = errors.New("execution_disabled")
	ErrTenantExecutionDisabled = errors.New("tenant_execution_disabled")
	ErrAssetExecutionDisabled  = errors.New("asset_execution_disabled")
	ErrPayloadTooLarge         = errors.New("payload_too_large")
	ErrCommandNotAllowlisted   = errors.New("command_not_allowlisted")
	ErrExpiryRequiresTimezone  = errors.New("expiry_requires_timezone")
	ErrExpiryInPast            = errors.New("expiry_in_past")
	ErrExpiryExceedsMaxTTL     = errors.New("expiry_exceeds_max_ttl")
	ErrInvalidExecutionContext = errors.New("invalid_execution_context")
	ErrInvalidInterpreter      = errors.New("invalid_interpreter")
	ErrTaskExists              = errors.New("task_exists")
)

// Result and lifecycle errors.
var (
	ErrTaskNotFound        = errors.New("task_not_found")
	ErrTaskAgentMismatch   = errors.New("task_agent_mismatch")
	ErrTaskScopeMismatch   = errors.New("task_scope_mismatch")
	ErrTaskAlreadyRecorded = errors.New("task_already_recorded")
	ErrTaskExpired         = errors.New("task_expired")
	ErrTaskNotDelivered    = errors.New("task_not_delivered")
	ErrInvalidResultStatus = errors.New("invalid_result_status")
	ErrInvalidResultTiming = errors.New("invalid_result_timing")
	ErrDurationMismatch    = errors.New("duration_mismatch")
	ErrOutputTooLarge      = errors.New("stdout_too_large")
	ErrErrorTooLarge       = errors.New("stderr_too_large")
)

// Task is a signed, expiring unit of remote work.
type Task struct {
	TaskID           string     `json:"task_id"`
	TenantID         string     `json:"tenant_id"`
	AssetID          string     `json:"asset_id"`
	IssuedBy         string     `json:"issued_by"`
	PolicyReference  string     `json:"policy_reference,omitempty"`
	ExecutionContext string     `json:"execution_context"`
	Interpreter      string     `json:"interpreter"`
	CommandPayload   string     `json:"command_payload"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Signature        string     `json:"signature"`
	State            string     `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	DeliveredToAgent string     `json:"delivered_to_agent,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Result           *Result    `json:"result,omitempty"`
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	switch t.State {
	case StateCompleted, StateFailed, StateExpired:
		return true
	}
	return false
}

// Result is the agent-reported outcome, recorded at most once per task.
type Result struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"` // completed | failed
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Truncated  bool      `json:"truncated"`
}

// IssueRequest carries everything needed to create a task.
type IssueRequest struct {
	TaskID           string
	TenantID         string
	AssetID          string
	IssuedBy         string
	PolicyReference  string
	ExecutionContext string
	Interpreter      string
	CommandPayload   string
	ExpiresAt        time.Time
}
