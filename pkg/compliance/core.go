package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/Mindburn-Labs/warden/pkg/evidence"
)

// Core is the in-process compliance registry.
type Core struct {
	mu          sync.RWMutex
	controls    map[string]*ControlDefinition
	evidence    map[string][]EvidenceRecord
	assessments map[string][]Assessment
	exceptions  map[string][]ExceptionRecord

	ledger *evidence.Ledger
	logger *slog.Logger
	clock  func() time.Time
	idGen  func() string

	evidenceCap   int
	assessmentCap int
	exceptionCap  int
}

// NewCore creates a compliance core with default caps.
func NewCore() *Core {
	return &Core{
		controls:      make(map[string]*ControlDefinition),
		evidence:      make(map[string][]EvidenceRecord),
		assessments:   make(map[string][]Assessment),
		exceptions:    make(map[string][]ExceptionRecord),
		logger:        slog.Default().With("component", "compliance"),
		clock:         time.Now,
		idGen:         uuid.NewString,
		evidenceCap:   DefaultEvidenceCap,
		assessmentCap: DefaultAssessmentCap,
		exceptionCap:  DefaultExceptionCap,
	}
}

// WithClock overrides the clock for testing.
func (c *Core) WithClock(clock func() time.Time) *Core {
	c.clock = clock
	return c
}

// WithIDGenerator overrides evidence/exception/bundle id generation.
func (c *Core) WithIDGenerator(gen func() string) *Core {
	c.idGen = gen
	return c
}

// WithLedger attaches the evidence ledger; assessments and bundles are
// mirrored there.
func (c *Core) WithLedger(l *evidence.Ledger) *Core {
	c.ledger = l
	return c
}

// controlID derives the stable id: framework plus a truncated digest of the
// tenant and statement, so the same control registered twice collapses.
func controlID(tenantID, framework, statement string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + statement))
	return framework + "-" + hex.EncodeToString(sum[:])[:10]
}

// RegisterControl publishes a control. Registration is idempotent: the
// returned bool is false when the control already existed.
func (c *Core) RegisterControl(ctx context.Context, req RegisterControlRequest) (*ControlDefinition, bool, error) {
	if req.ControlStatement == "" {
		return nil, false, ErrStatementRequired
	}
	if !ValidLogicTypes[req.Logic.LogicType] {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidLogicType, req.Logic.LogicType)
	}
	if req.Logic.LogicType == LogicThreshold && !ValidOperators[req.Logic.Operator] {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidOperator, req.Logic.Operator)
	}

	id := controlID(req.TenantID, req.Framework, req.ControlStatement)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.controls[id]; ok {
		out := *existing
		return &out, false, nil
	}

	freq := req.EvaluationFrequencyDays
	if freq <= 0 {
		freq = DefaultEvaluationFrequencyDays
	}
	control := &ControlDefinition{
		ControlID:               id,
		TenantID:                req.TenantID,
		Framework:               req.Framework,
		ControlStatement:        req.ControlStatement,
		ExpectedSystemBehaviour: req.ExpectedSystemBehaviour,
		EvidenceSources:         append([]string(nil), req.EvidenceSources...),
		Logic:                   req.Logic,
		EvaluationFrequencyDays: freq,
		Version:                 1,
		PublishedAt:             c.clock().UTC(),
	}
	c.controls[id] = control

	c.logger.InfoContext(ctx, "control registered",
		"control_id", id, "tenant_id", req.TenantID, "framework", req.Framework)
	out := *control
	return &out, true, nil
}

// GetControl returns one control.
func (c *Core) GetControl(controlID string) (*ControlDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	control, ok := c.controls[controlID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, controlID)
	}
	out := *control
	return &out, nil
}

// ListControls returns a tenant's controls sorted by id.
func (c *Core) ListControls(tenantID string) []ControlDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ControlDefinition, 0)
	for _, control := range c.controls {
		if control.TenantID == tenantID {
			out = append(out, *control)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ControlID < out[j].ControlID })
	return out
}

// IngestEvidence records one observation for a control, trimming oldest
// records past the cap.
func (c *Core) IngestEvidence(ctx context.Context, controlID string, in EvidenceInput) (*EvidenceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.controls[controlID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, controlID)
	}

	observed := in.ObservedAt
	if observed.IsZero() {
		observed = c.clock()
	}
	record := EvidenceRecord{
		EvidenceID:         c.idGen(),
		ControlID:          controlID,
		Source:             in.Source,
		ObservedAt:         observed.UTC(),
		Actor:              in.Actor,
		Attributes:         in.Attributes,
		ImmutableReference: in.ImmutableReference,
	}
	c.evidence[controlID] = append(c.evidence[controlID], record)
	if over := len(c.evidence[controlID]) - c.evidenceCap; over > 0 {
		c.evidence[controlID] = c.evidence[controlID][over:]
	}
	return &record, nil
}

// ListEvidence returns the evidence held for a control.
func (c *Core) ListEvidence(controlID string) ([]EvidenceRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.controls[controlID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, controlID)
	}
	return append([]EvidenceRecord(nil), c.evidence[controlID]...), nil
}

// RecordException records an approved, time-bound waiver.
func (c *Core) RecordException(ctx context.Context, controlID, approvedBy, justification string, expiresAt time.Time) (*ExceptionRecord, error) {
	if approvedBy == "" || justification == "" {
		return nil, ErrApprovalRequired
	}
	now := c.clock().UTC()
	if !expiresAt.After(now) {
		return nil, ErrExceptionExpiryInPast
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.controls[controlID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, controlID)
	}
	record := ExceptionRecord{
		ExceptionID:   c.idGen(),
		ControlID:     controlID,
		ApprovedBy:    approvedBy,
		Justification: justification,
		ExpiresAt:     expiresAt.UTC(),
		RecordedAt:    now,
	}
	c.exceptions[controlID] = append(c.exceptions[controlID], record)
	if over := len(c.exceptions[controlID]) - c.exceptionCap; over > 0 {
		c.exceptions[controlID] = c.exceptions[controlID][over:]
	}
	c.logger.InfoContext(ctx, "exception recorded",
		"control_id", controlID, "approved_by", approvedBy, "expires_at", record.ExpiresAt)
	return &record, nil
}

// Assess evaluates a control against its current evidence and active
// exceptions, records the assessment, and mirrors it to the ledger.
func (c *Core) Assess(ctx context.Context, controlID string) (*Assessment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	control, ok := c.controls[controlID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, controlID)
	}

	now := c.clock().UTC()
	records := c.evidence[controlID]
	assessment := evaluate(control, records, c.exceptions[controlID], now)

	c.assessments[controlID] = append(c.assessments[controlID], assessment)
	if over := len(c.assessments[controlID]) - c.assessmentCap; over > 0 {
		c.assessments[controlID] = c.assessments[controlID][over:]
	}

	if c.ledger != nil {
		if _, err := c.ledger.Append(ctx, evidence.EntryComplianceAssessment, "compliance_core", map[string]any{
			"control_id":     controlID,
			"tenant_id":      control.TenantID,
			"status":         assessment.Status,
			"confidence":     assessment.Confidence,
			"evidence_count": assessment.EvidenceCount,
			"drift_detected": assessment.DriftDetected,
			"evaluated_at":   assessment.EvaluatedAt.Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
	}

	c.logger.InfoContext(ctx, "control assessed",
		"control_id", controlID, "status", assessment.Status, "confidence", assessment.Confidence)
	out := assessment
	return &out, nil
}

// ListAssessments returns the assessment history for a control.
func (c *Core) ListAssessments(controlID string) ([]Assessment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.controls[controlID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, controlID)
	}
	return append([]Assessment(nil), c.assessments[controlID]...), nil
}

// Bundle snapshots a tenant's controls, assessments, evidence and exceptions
// into an immutable, content-hashed audit bundle mirrored to the ledger.
func (c *Core) Bundle(ctx context.Context, tenantID, scope string) (*AuditBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bundle := AuditBundle{
		BundleID:    c.idGen(),
		TenantID:    tenantID,
		Scope:       scope,
		Controls:    make([]ControlDefinition, 0),
		Assessments: make([]Assessment, 0),
		Evidence:    make([]EvidenceRecord, 0),
		Exceptions:  make([]ExceptionRecord, 0),
		GeneratedAt: c.clock().UTC(),
	}
	for _, control := range c.controls {
		if control.TenantID != tenantID {
			continue
		}
		bundle.Controls = append(bundle.Controls, *control)
		bundle.Assessments = append(bundle.Assessments, c.assessments[control.ControlID]...)
		bundle.Evidence = append(bundle.Evidence, c.evidence[control.ControlID]...)
		bundle.Exceptions = append(bundle.Exceptions, c.exceptions[control.ControlID]...)
	}
	sort.Slice(bundle.Controls, func(i, j int) bool {
		return bundle.Controls[i].ControlID < bundle.Controls[j].ControlID
	})

	hash, err := canonicalize.Hash(map[string]any{
		"tenant_id":    tenantID,
		"scope":        scope,
		"controls":     len(bundle.Controls),
		"assessments":  len(bundle.Assessments),
		"evidence":     len(bundle.Evidence),
		"exceptions":   len(bundle.Exceptions),
		"generated_at": bundle.GeneratedAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	bundle.BundleHash = "sha256:" + hash

	if c.ledger != nil {
		if _, err := c.ledger.Append(ctx, evidence.EntryAuditBundle, "compliance_core", map[string]any{
			"bundle_id":   bundle.BundleID,
			"tenant_id":   tenantID,
			"scope":       scope,
			"bundle_hash": bundle.BundleHash,
			"controls":    len(bundle.Controls),
		}); err != nil {
			return nil, err
		}
	}
	return &bundle, nil
}

// evaluate applies the control's logic to its evidence. Statuses and
// confidence bands follow the assessment semantics the agents and auditors
// already rely on.
func evaluate(control *ControlDefinition, records []EvidenceRecord, exceptions []ExceptionRecord, now time.Time) Assessment {
	evidenceIDs := make([]string, 0, len(records))
	for _, r := range records {
		evidenceIDs = append(evidenceIDs, r.EvidenceID)
	}
	active := make([]string, 0)
	for _, e := range exceptions {
		if e.ExpiresAt.After(now) {
			active = append(active, e.ExceptionID)
		}
	}

	var status, summary string
	var confidence float64
	if control.Logic.LogicType == LogicManual {
		status, summary, confidence = StatusManualEvidenceRequired, "Manual evidence required for this control.", 0.2
	} else {
		status, summary, confidence = evaluateLogic(control.Logic, records)
	}

	if len(active) > 0 && status == StatusNonCompliant {
		status = StatusPartiallyCompliant
		summary = "Non-compliance covered by approved exception."
		if confidence > 0.7 {
			confidence = 0.7
		}
	}

	return Assessment{
		ControlID:         control.ControlID,
		Status:            status,
		Confidence:        confidence,
		Summary:           summary,
		EvidenceCount:     len(records),
		EvaluatedAt:       now,
		EvidenceIDs:       evidenceIDs,
		ExceptionsApplied: active,
		DriftDetected:     status == StatusNonCompliant || status == StatusPartiallyCompliant,
	}
}

func evaluateLogic(logic AssessmentLogic, records []EvidenceRecord) (string, string, float64) {
	if len(records) == 0 {
		return StatusManualEvidenceRequired, "Evidence unavailable for this control.", 0.1
	}

	switch logic.LogicType {
	case LogicBoolean:
		trueCount, falseCount := 0, 0
		for _, r := range records {
			switch r.Attributes[logic.EvidenceKey] {
			case true:
				trueCount++
			case false:
				falseCount++
			}
		}
		switch {
		case trueCount == 0 && falseCount == 0:
			return StatusManualEvidenceRequired, "Evidence missing expected attribute.", 0.2
		case trueCount > 0 && falseCount > 0:
			return StatusPartiallyCompliant, "Conflicting evidence detected.", 0.4
		case trueCount > 0:
			return StatusCompliant, "Control behaviour observed consistently.", 0.9
		default:
			return StatusNonCompliant, "Control behaviour not observed.", 0.8
		}

	case LogicThreshold:
		if logic.EvidenceKey == "" || logic.Operator == "" {
			return StatusManualEvidenceRequired, "Control logic missing threshold configuration.", 0.2
		}
		total, passing := 0, 0
		for _, r := range records {
			v, ok := numericAttr(r.Attributes[logic.EvidenceKey])
			if !ok {
				continue
			}
			total++
			if applyOperator(v, logic.Operator, logic.Threshold) {
				passing++
			}
		}
		switch {
		case total == 0:
			return StatusManualEvidenceRequired, "Evidence missing numeric measurements.", 0.2
		case passing == total:
			return StatusCompliant, "Evidence meets threshold requirements.", 0.85
		case passing > 0:
			return StatusPartiallyCompliant, "Evidence partially meets threshold requirements.", 0.6
		default:
			return StatusNonCompliant, "Evidence below threshold requirements.", 0.8
		}

	case LogicTimeWindow:
		if logic.TimeWindowDays <= 0 || logic.EvidenceKey == "" {
			return StatusManualEvidenceRequired, "Control logic missing time window configuration.", 0.2
		}
		oldest, newest := records[0].ObservedAt, records[0].ObservedAt
		for _, r := range records[1:] {
			if r.ObservedAt.Before(oldest) {
				oldest = r.ObservedAt
			}
			if r.ObservedAt.After(newest) {
				newest = r.ObservedAt
			}
		}
		if int(newest.Sub(oldest).Hours()/24) >= logic.TimeWindowDays {
			return StatusCompliant, "Evidence retention meets time window requirements.", 0.8
		}
		return StatusNonCompliant, "Evidence retention below required window.", 0.7

	case LogicBehavioural:
		observed, missing := 0, 0
		for _, r := range records {
			switch r.Attributes[logic.EvidenceKey] {
			case "observed":
				observed++
			case "missing":
				missing++
			}
		}
		switch {
		case observed == 0 && missing == 0:
			return StatusManualEvidenceRequired, "Evidence missing behavioural indicators.", 0.2
		case observed > 0 && missing > 0:
			return StatusPartiallyCompliant, "Behavioural evidence is mixed.", 0.5
		case observed > 0:
			return StatusCompliant, "Behavioural control observed.", 0.85
		default:
			return StatusNonCompliant, "Behavioural control not observed.", 0.75
		}
	}
	return StatusManualEvidenceRequired, "Control logic error detected.", 0.1
}

func numericAttr(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func applyOperator(left float64, op string, right float64) bool {
	switch op {
	case ">=":
		return left >= right
	case "<=":
		return left <= right
	case "==":
		return left == right
	case "!=":
		return left != right
	case ">":
		return left > right
	case "<":
		return left < right
	}
	return false
}
