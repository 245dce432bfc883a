package patch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/Mindburn-Labs/warden/pkg/evidence"
)

// AssetBlocker marks an asset unserviceable after a failed plan. Satisfied
// by the inventory store.
type AssetBlocker interface {
	SetBlocked(ctx context.Context, assetID, reason string) error
}

// Orchestrator owns detections, policies and plans, and drives the plan FSM
// planned → executing → {completed, failed}. Terminal transitions write an
// immutable evidence record; failures additionally block the asset.
type Orchestrator struct {
	mu         sync.RWMutex
	detections map[string]*Detection
	policies   map[string]*PatchPolicy
	plans      map[string]*ExecutionPlan
	records    map[string]*EvidenceRecord

	ledger  *evidence.Ledger
	blocker AssetBlocker
	clock   func() time.Time
	idGen   func() string

	maxDetectionPatches int
	maxOutputBytes      int
}

// NewOrchestrator creates an orchestrator with default limits.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		detections:          make(map[string]*Detection),
		policies:            make(map[string]*PatchPolicy),
		plans:               make(map[string]*ExecutionPlan),
		records:             make(map[string]*EvidenceRecord),
		clock:               time.Now,
		idGen:               uuid.NewString,
		maxDetectionPatches: DefaultMaxDetectionPatches,
		maxOutputBytes:      DefaultMaxOutputBytes,
	}
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithIDGenerator overrides plan id generation.
func (o *Orchestrator) WithIDGenerator(gen func() string) *Orchestrator {
	o.idGen = gen
	return o
}

// WithLedger attaches the evidence ledger; terminal plans append to it.
func (o *Orchestrator) WithLedger(l *evidence.Ledger) *Orchestrator {
	o.ledger = l
	return o
}

// WithAssetBlocker attaches the asset state writer used on plan failure.
func (o *Orchestrator) WithAssetBlocker(b AssetBlocker) *Orchestrator {
	o.blocker = b
	return o
}

// WithLimits overrides the detection batch and output caps.
func (o *Orchestrator) WithLimits(maxDetectionPatches, maxOutputBytes int) *Orchestrator {
	o.maxDetectionPatches = maxDetectionPatches
	o.maxOutputBytes = maxOutputBytes
	return o
}

// RegisterDetection stores an agent patch-scan report. Unknown severities
// and categories normalise to "unknown".
func (o *Orchestrator) RegisterDetection(d Detection) error {
	if len(d.Patches) > o.maxDetectionPatches {
		return fmt.Errorf("%w: %d patches exceeds limit %d", ErrPatchBatchTooLarge, len(d.Patches), o.maxDetectionPatches)
	}
	for i := range d.Patches {
		if _, ok := severityRank[d.Patches[i].Severity]; !ok {
			d.Patches[i].Severity = "unknown"
		}
		if !ValidCategories[d.Patches[i].Category] {
			d.Patches[i].Category = "unknown"
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.detections[d.DetectionID]; exists {
		return fmt.Errorf("%w: %s", ErrDetectionExists, d.DetectionID)
	}
	o.detections[d.DetectionID] = &d
	return nil
}

// RegisterPolicy stores an immutable policy. Revisions need a new policy_id.
func (o *Orchestrator) RegisterPolicy(p PatchPolicy) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.policies[p.PolicyID]; exists {
		return fmt.Errorf("%w: %s", ErrPolicyExists, p.PolicyID)
	}
	o.policies[p.PolicyID] = &p
	return nil
}

// Detection returns a stored detection by id.
func (o *Orchestrator) Detection(detectionID string) (*Detection, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.detections[detectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, detectionID)
	}
	out := *d
	return &out, nil
}

// Policy returns a stored policy by id.
func (o *Orchestrator) Policy(policyID string) (*PatchPolicy, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	out := *p
	return &out, nil
}

// CreatePlan evaluates a detection against a policy and stores the
// resulting plan in state planned.
func (o *Orchestrator) CreatePlan(tenantID, assetID, detectionID, policyID string) (*ExecutionPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	detection, ok := o.detections[detectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, detectionID)
	}
	policy, ok := o.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	if detection.TenantID != tenantID || policy.TenantID != tenantID || detection.AssetID != assetID {
		return nil, ErrPlanScopeMismatch
	}
	if len(policy.AssetIDs) > 0 && !contains(policy.AssetIDs, assetID) {
		return nil, fmt.Errorf("%w: %s not covered by policy %s", ErrPolicyAssetNotAllowed, assetID, policyID)
	}

	eligibility := Evaluate(policy, detection.Patches)
	plan := buildPlan(o.idGen(), detection, policy, eligibility, o.clock())
	o.plans[plan.PlanID] = plan

	out := *plan
	return &out, nil
}

// StartPlan transitions a plan from planned to executing.
func (o *Orchestrator) StartPlan(planID, tenantID, assetID string) (*ExecutionPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.planScopedLocked(planID, tenantID, assetID)
	if err != nil {
		return nil, err
	}
	switch plan.Status {
	case PlanPlanned:
	case PlanExecuting:
		return nil, fmt.Errorf("%w: %s", ErrPlanAlreadyStarted, planID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrEvidenceAlreadyRecorded, planID)
	}

	started := o.clock().UTC()
	plan.Status = PlanExecuting
	plan.StartedAt = &started
	out := *plan
	return &out, nil
}

// RecordResults ingests agent results for an executing plan, validates them,
// writes the immutable evidence record and transitions the plan to completed
// or failed. A failed plan (including failed verification) also blocks the
// asset with reason execution_or_verification_failed. The plan state only
// flips after evidence and asset writes succeed, so a storage failure leaves
// the plan executing and the call retryable; the ledger append is idempotent
// by content.
func (o *Orchestrator) RecordResults(ctx context.Context, planID, tenantID, assetID string, results []PatchResult, rebootConfirmed bool, verificationStatus string) (*EvidenceRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.planScopedLocked(planID, tenantID, assetID)
	if err != nil {
		return nil, err
	}
	switch plan.Status {
	case PlanExecuting:
	case PlanPlanned:
		return nil, fmt.Errorf("%w: %s", ErrPlanNotExecuting, planID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrEvidenceAlreadyRecorded, planID)
	}

	detection := o.detections[plan.DetectionID]
	policy := o.policies[plan.PolicyID]

	validated, failedAny, err := o.validateResults(plan, detection, results, rebootConfirmed, verificationStatus)
	if err != nil {
		return nil, err
	}
	// Pending verification is not an outcome. The plan stays executing and
	// the agent resubmits once verification settles, instead of the asset
	// getting blocked over an unfinished check.
	if verificationStatus == VerificationPending {
		return nil, fmt.Errorf("%w: %s", ErrVerificationPending, planID)
	}

	status := PlanFailed
	if verificationStatus == VerificationPassed && !failedAny {
		status = PlanCompleted
	}

	record, err := o.buildRecord(plan, detection, policy, validated, rebootConfirmed, verificationStatus)
	if err != nil {
		return nil, err
	}

	if o.ledger != nil {
		if _, err := o.ledger.Append(ctx, evidence.EntryPatchEvidence, "patch_orchestrator", map[string]any{
			"plan_id":             plan.PlanID,
			"tenant_id":           plan.TenantID,
			"asset_id":            plan.AssetID,
			"plan_status":         status,
			"verification_status": verificationStatus,
			"evidence_hash":       record.EvidenceHash,
		}); err != nil {
			return nil, err
		}
	}
	if status == PlanFailed && o.blocker != nil {
		if err := o.blocker.SetBlocked(ctx, plan.AssetID, BlockReasonExecutionFailed); err != nil {
			return nil, fmt.Errorf("block asset %s: %w", plan.AssetID, err)
		}
	}

	finished := o.clock().UTC()
	plan.Status = status
	plan.FinishedAt = &finished
	o.records[plan.PlanID] = record

	out := *record
	return &out, nil
}

func (o *Orchestrator) validateResults(plan *ExecutionPlan, detection *Detection, results []PatchResult, rebootConfirmed bool, verificationStatus string) ([]PatchResult, bool, error) {
	switch verificationStatus {
	case VerificationPending, VerificationPassed, VerificationFailed:
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidVerificationStatus, verificationStatus)
	}

	inPlan := make(map[string]bool, len(plan.ExecutionOrder))
	for _, id := range plan.ExecutionOrder {
		inPlan[id] = true
	}

	seen := make(map[string]bool, len(results))
	validated := make([]PatchResult, 0, len(results))
	failedAny := false
	for _, r := range results {
		if seen[r.PatchID] {
			return nil, false, fmt.Errorf("%w: %s", ErrDuplicateResultPatchIDs, r.PatchID)
		}
		seen[r.PatchID] = true
		if !inPlan[r.PatchID] {
			return nil, false, fmt.Errorf("%w: %s", ErrResultPatchNotInPlan, r.PatchID)
		}
		switch r.Status {
		case "completed":
		case "failed":
			failedAny = true
			if r.FailureType == "" {
				return nil, false, fmt.Errorf("%w: %s", ErrFailureTypeRequired, r.PatchID)
			}
		default:
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidResultStatus, r.Status)
		}
		if len(r.Stdout) > o.maxOutputBytes {
			r.Stdout = r.Stdout[:o.maxOutputBytes]
			r.Truncated = true
		}
		if len(r.Stderr) > o.maxOutputBytes {
			r.Stderr = r.Stderr[:o.maxOutputBytes]
			r.Truncated = true
		}
		validated = append(validated, r)
	}
	for _, id := range plan.ExecutionOrder {
		if !seen[id] {
			return nil, false, fmt.Errorf("%w: %s", ErrMissingResultPatches, id)
		}
	}

	if !rebootConfirmed && detection != nil {
		for _, p := range detection.Patches {
			if p.RequiresReboot && inPlan[p.PatchID] {
				return nil, false, fmt.Errorf("%w: %s", ErrRebootRequiredNotConfirmed, p.PatchID)
			}
		}
	}
	return validated, failedAny, nil
}

func (o *Orchestrator) buildRecord(plan *ExecutionPlan, detection *Detection, policy *PatchPolicy, results []PatchResult, rebootConfirmed bool, verificationStatus string) (*EvidenceRecord, error) {
	record := &EvidenceRecord{
		PlanID:             plan.PlanID,
		PlanSnapshot:       *plan,
		Results:            results,
		RebootConfirmed:    rebootConfirmed,
		VerificationStatus: verificationStatus,
		RecordedAt:         o.clock().UTC(),
	}
	if detection != nil {
		record.DetectionSnapshot = *detection
	}
	if policy != nil {
		record.PolicySnapshot = *policy
	}
	hash, err := canonicalize.Hash(map[string]any{
		"plan":                record.PlanSnapshot,
		"detection":           record.DetectionSnapshot,
		"policy":              record.PolicySnapshot,
		"results":             record.Results,
		"reboot_confirmed":    record.RebootConfirmed,
		"verification_status": record.VerificationStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence hash: %w", err)
	}
	record.EvidenceHash = "sha256:" + hash
	return record, nil
}

// Plan returns a plan by id.
func (o *Orchestrator) Plan(planID string) (*ExecutionPlan, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	plan, ok := o.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	out := *plan
	return &out, nil
}

// Evidence returns the evidence record of a terminal plan, or nil if the
// plan has not finished.
func (o *Orchestrator) Evidence(planID string) *EvidenceRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	record, ok := o.records[planID]
	if !ok {
		return nil
	}
	out := *record
	return &out
}

// ListPlans returns all plans for a tenant, newest first.
func (o *Orchestrator) ListPlans(tenantID string) []ExecutionPlan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []ExecutionPlan
	for _, p := range o.plans {
		if p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	sortPlansNewestFirst(out)
	return out
}

func (o *Orchestrator) planScopedLocked(planID, tenantID, assetID string) (*ExecutionPlan, error) {
	plan, ok := o.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if plan.TenantID != tenantID || plan.AssetID != assetID {
		return nil, fmt.Errorf("%w: %s", ErrPlanScopeMismatch, planID)
	}
	return plan, nil
}

func sortPlansNewestFirst(plans []ExecutionPlan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.After(plans[j].CreatedAt)
		}
		return plans[i].PlanID > plans[j].PlanID
	})
}

func contains(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}
