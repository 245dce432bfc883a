package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/sigverify"
)

// ExecutionGate decides whether remote execution is permitted for a scope.
// The empty-string reason means allowed; the CEL-backed authz engine plugs in
// here.
type ExecutionGate interface {
	ExecutionAllowed(ctx context.Context, tenantID, assetID string) (bool, error)
}

// Queue is the in-process task registry with per-(tenant, asset) FIFO
// delivery. Expiry sweeps run inside every poll and result call; there is no
// background timer.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task
	// order holds task ids per partition in creation order.
	order map[string][]string

	keyring *sigverify.Keyring
	gate    ExecutionGate
	logger  *slog.Logger
	clock   func() time.Time

	executionDisabled bool
	disabledTenants   map[string]struct{}
	disabledAssets    map[string]struct{}
	allowlist         []*regexp.Regexp
	tenantAllowlist   map[string][]*regexp.Regexp
	maxPayloadBytes   int
	maxOutputBytes    int
	maxTTL            time.Duration
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithExecutionDisabled turns off all task issuance.
func WithExecutionDisabled(disabled bool) QueueOption {
	return func(q *Queue) { q.executionDisabled = disabled }
}

// WithDisabledTenants blocks issuance for specific tenants.
func WithDisabledTenants(tenants ...string) QueueOption {
	return func(q *Queue) {
		for _, t := range tenants {
			q.disabledTenants[t] = struct{}{}
		}
	}
}

// WithDisabledAssets blocks issuance for specific assets.
func WithDisabledAssets(assets ...string) QueueOption {
	return func(q *Queue) {
		for _, a := range assets {
			q.disabledAssets[a] = struct{}{}
		}
	}
}

// WithAllowlist sets command allowlist patterns applying to every tenant.
// Commands must full-match at least one pattern; an empty allowlist permits
// everything.
func WithAllowlist(patterns ...string) QueueOption {
	return func(q *Queue) {
		for _, p := range patterns {
			q.allowlist = append(q.allowlist, regexp.MustCompile("^(?:"+p+")$"))
		}
	}
}

// WithTenantAllowlist sets command allowlist patterns for one tenant. A
// tenant with its own allowlist never consults the shared one, so one
// tenant's permitted commands cannot leak into another's.
func WithTenantAllowlist(tenantID string, patterns ...string) QueueOption {
	return func(q *Queue) {
		for _, p := range patterns {
			q.tenantAllowlist[tenantID] = append(q.tenantAllowlist[tenantID], regexp.MustCompile("^(?:"+p+")$"))
		}
	}
}

// WithExecutionGate attaches a policy gate consulted after the static flags.
func WithExecutionGate(gate ExecutionGate) QueueOption {
	return func(q *Queue) { q.gate = gate }
}

// WithMaxTTL overrides the maximum task lifetime.
func WithMaxTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) { q.maxTTL = ttl }
}

// NewQueue creates a task queue signing tasks with keys from the keyring.
func NewQueue(keyring *sigverify.Keyring, opts ...QueueOption) *Queue {
	q := &Queue{
		tasks:           make(map[string]*Task),
		order:           make(map[string][]string),
		keyring:         keyring,
		logger:          slog.Default().With("component", "tasks"),
		clock:           time.Now,
		disabledTenants: make(map[string]struct{}),
		disabledAssets:  make(map[string]struct{}),
		tenantAllowlist: make(map[string][]*regexp.Regexp),
		maxPayloadBytes: DefaultMaxPayloadBytes,
		maxOutputBytes:  DefaultMaxOutputBytes,
		maxTTL:          DefaultMaxTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func partitionKey(tenantID, assetID string) string { return tenantID + "|" + assetID }

// Issue validates and registers a new task. Guards are evaluated in a fixed
// order so the agent-visible error is deterministic.
func (q *Queue) Issue(ctx context.Context, req IssueRequest) (*Task, error) {
	if q.executionDisabled {
		return nil, ErrExecutionDisabled
	}
	if _, off := q.disabledTenants[req.TenantID]; off {
		return nil, ErrTenantExecutionDisabled
	}
	if _, off := q.disabledAssets[req.AssetID]; off {
		return nil, ErrAssetExecutionDisabled
	}
	if q.gate != nil {
		allowed, err := q.gate.ExecutionAllowed(ctx, req.TenantID, req.AssetID)
		if err != nil {
			return nil, fmt.Errorf("execution gate: %w", err)
		}
		if !allowed {
			return nil, ErrTenantExecutionDisabled
		}
	}
	if len(req.CommandPayload) > q.maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	allowlist := q.allowlist
	if tenantList, ok := q.tenantAllowlist[req.TenantID]; ok {
		allowlist = tenantList
	}
	if len(allowlist) > 0 {
		matched := false
		for _, re := range allowlist {
			if re.MatchString(req.CommandPayload) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, ErrCommandNotAllowlisted
		}
	}

	// expiry_requires_timezone is enforced at the API boundary where the
	// timestamp string is parsed; a zero value means it never arrived.
	now := q.clock().UTC()
	if req.ExpiresAt.IsZero() {
		return nil, ErrExpiryRequiresTimezone
	}
	if !req.ExpiresAt.After(now) {
		return nil, ErrExpiryInPast
	}
	if req.ExpiresAt.Sub(now) > q.maxTTL {
		return nil, ErrExpiryExceedsMaxTTL
	}
	if _, ok := ValidExecutionContexts[req.ExecutionContext]; !ok {
		return nil, ErrInvalidExecutionContext
	}
	if _, ok := ValidInterpreters[req.Interpreter]; !ok {
		return nil, ErrInvalidInterpreter
	}

	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.tasks[req.TaskID]; exists {
		return nil, ErrTaskExists
	}

	task := &Task{
		TaskID:           req.TaskID,
		TenantID:         req.TenantID,
		AssetID:          req.AssetID,
		IssuedBy:         req.IssuedBy,
		PolicyReference:  req.PolicyReference,
		ExecutionContext: req.ExecutionContext,
		Interpreter:      req.Interpreter,
		CommandPayload:   req.CommandPayload,
		ExpiresAt:        req.ExpiresAt.UTC(),
		State:            StatePending,
		CreatedAt:        now,
	}
	if q.keyring != nil {
		signer, err := q.keyring.SignerFor(req.TenantID, req.AssetID)
		if err != nil {
			return nil, err
		}
		task.Signature = signer.Sign([]byte(task.CommandPayload), now.Unix())
	}

	q.tasks[task.TaskID] = task
	key := partitionKey(req.TenantID, req.AssetID)
	q.order[key] = append(q.order[key], task.TaskID)

	q.logger.InfoContext(ctx, "task issued",
		"task_id", task.TaskID, "tenant_id", task.TenantID, "asset_id", task.AssetID,
		"interpreter", task.Interpreter, "expires_at", task.ExpiresAt)
	out := *task
	return &out, nil
}

// Poll delivers pending tasks for the agent bound to (tenantID, assetID), in
// FIFO order, marking each delivered exactly once. Overdue tasks are expired
// first.
func (q *Queue) Poll(ctx context.Context, tenantID, assetID, agentIdentity string, limit int) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireOverdueLocked()

	if limit <= 0 {
		limit = 10
	}
	now := q.clock().UTC()
	var out []Task
	for _, id := range q.order[partitionKey(tenantID, assetID)] {
		task := q.tasks[id]
		if task.State != StatePending {
			continue
		}
		task.State = StateDelivered
		task.DeliveredToAgent = agentIdentity
		at := now
		task.DeliveredAt = &at
		out = append(out, *task)
		if len(out) >= limit {
			break
		}
	}
	if len(out) > 0 {
		q.logger.InfoContext(ctx, "tasks delivered", "asset_id", assetID, "count", len(out))
	}
	return out
}

// Start moves a delivered task to executing. Only the agent the task was
// delivered to may start it.
func (q *Queue) Start(ctx context.Context, taskID, tenantID, assetID, agentIdentity string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireOverdueLocked()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.TenantID != tenantID || task.AssetID != assetID {
		return ErrTaskScopeMismatch
	}
	if task.State == StateExpired {
		return ErrTaskExpired
	}
	if task.State != StateDelivered {
		return ErrTaskNotDelivered
	}
	if task.DeliveredToAgent != agentIdentity {
		return ErrTaskAgentMismatch
	}

	now := q.clock().UTC()
	task.State = StateExecuting
	task.StartedAt = &now
	q.logger.InfoContext(ctx, "task started", "task_id", taskID)
	return nil
}

// RecordResult records the outcome for an executing (or delivered) task.
// Fails with task_already_recorded on a second call and task_expired once
// the deadline has passed.
func (q *Queue) RecordResult(ctx context.Context, tenantID, assetID, agentIdentity string, r Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireOverdueLocked()

	task, ok := q.tasks[r.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.TenantID != tenantID || task.AssetID != assetID {
		return ErrTaskScopeMismatch
	}
	if task.State == StateExpired {
		return ErrTaskExpired
	}
	if task.Terminal() || task.Result != nil {
		return ErrTaskAlreadyRecorded
	}
	if task.DeliveredToAgent != agentIdentity {
		return ErrTaskAgentMismatch
	}
	if r.Status != StateCompleted && r.Status != StateFailed {
		return ErrInvalidResultStatus
	}
	if err := q.validateResultTiming(task, &r); err != nil {
		return err
	}
	if len(r.Stdout) > q.maxOutputBytes {
		return ErrOutputTooLarge
	}
	if len(r.Stderr) > q.maxOutputBytes {
		return ErrErrorTooLarge
	}

	task.State = r.Status
	task.StartedAt = &r.StartedAt
	task.FinishedAt = &r.FinishedAt
	task.Result = &r

	q.logger.InfoContext(ctx, "task result recorded",
		"task_id", r.TaskID, "status", r.Status, "duration_ms", r.DurationMS)
	return nil
}

// validateResultTiming enforces started_at within [created_at, expires_at],
// finished_at >= started_at, and duration_ms within one second of the
// wall-clock elapsed. The TTL bound acts only as a secondary sanity clamp.
func (q *Queue) validateResultTiming(task *Task, r *Result) error {
	if r.StartedAt.Before(task.CreatedAt) || r.StartedAt.After(task.ExpiresAt) {
		return ErrInvalidResultTiming
	}
	if r.FinishedAt.Before(r.StartedAt) {
		return ErrInvalidResultTiming
	}
	elapsedMS := r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	skew := r.DurationMS - elapsedMS
	if skew < 0 {
		skew = -skew
	}
	if skew > DurationSkewToleranceMS {
		return ErrDurationMismatch
	}
	if r.DurationMS < 0 || time.Duration(r.DurationMS)*time.Millisecond > q.maxTTL {
		return ErrInvalidResultTiming
	}
	return nil
}

// ExpireOverdue sweeps every pre-terminal task past its deadline. The sweep
// is idempotent and also runs inside Poll, Start and RecordResult.
func (q *Queue) ExpireOverdue(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.expireOverdueLocked()
	if n > 0 {
		q.logger.InfoContext(ctx, "tasks expired", "count", n)
	}
	return n
}

func (q *Queue) expireOverdueLocked() int {
	now := q.clock().UTC()
	n := 0
	for _, task := range q.tasks {
		if task.Terminal() {
			continue
		}
		if !task.ExpiresAt.After(now) {
			task.State = StateExpired
			task.LastError = "expired"
			n++
		}
	}
	return n
}

// Get returns a copy of one task.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := *task
	return &out, nil
}

// ListByAsset returns copies of all tasks for a partition in creation order.
func (q *Queue) ListByAsset(tenantID, assetID string) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.order[partitionKey(tenantID, assetID)]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *q.tasks[id])
	}
	return out
}
