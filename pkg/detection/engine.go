package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/evidence"
)

// Engine holds the installed rules and evaluates events against them.
// A single rule is evaluated atomically against a single event; competing
// findings are resolved under a lock keyed by (rule, asset, identity).
type Engine struct {
	mu           sync.RWMutex
	rules        map[string]*Rule
	findings     []*Finding
	byID         map[string]*Finding
	open         map[string]*Finding
	suppressions []Suppression

	history EventHistory
	ledger  *evidence.Ledger
	logger  *slog.Logger
	clock   func() time.Time
	idGen   func() string

	dedupLocks sync.Map

	maxEventAge         time.Duration
	maxFindings         int
	findingRetention    int
	allowWithoutContext bool
}

// NewEngine creates an engine with an in-memory event history and default
// limits.
func NewEngine() *Engine {
	return &Engine{
		rules:            make(map[string]*Rule),
		byID:             make(map[string]*Finding),
		open:             make(map[string]*Finding),
		history:          NewMemoryHistory(),
		logger:           slog.Default().With("component", "detection"),
		clock:            time.Now,
		idGen:            uuid.NewString,
		maxEventAge:      DefaultMaxEventAge,
		maxFindings:      DefaultMaxFindingsPerRequest,
		findingRetention: DefaultFindingRetention,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithIDGenerator overrides finding id generation.
func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

// WithHistory replaces the event history backend.
func (e *Engine) WithHistory(h EventHistory) *Engine {
	e.history = h
	return e
}

// WithLedger attaches the evidence ledger; findings and suppressions are
// mirrored there best-effort.
func (e *Engine) WithLedger(l *evidence.Ledger) *Engine {
	e.ledger = l
	return e
}

// WithLogger overrides the engine logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "detection")
	return e
}

// WithLimits overrides event age, per-request finding cap and retention.
func (e *Engine) WithLimits(maxEventAge time.Duration, maxFindings, findingRetention int) *Engine {
	e.maxEventAge = maxEventAge
	e.maxFindings = maxFindings
	e.findingRetention = findingRetention
	return e
}

// AllowFindingsWithoutContext disables the required-context gate.
func (e *Engine) AllowFindingsWithoutContext() *Engine {
	e.allowWithoutContext = true
	return e
}

// InstallRule validates and registers a rule.
func (e *Engine) InstallRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.RuleID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, r.RuleID)
	}
	e.rules[r.RuleID] = &r
	return nil
}

// Rule returns an installed rule by id.
func (e *Engine) Rule(ruleID string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	out := *r
	return &out, nil
}

// ListRules returns installed rules sorted by id.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// SetRuleEnabled toggles a rule without reinstalling it.
func (e *Engine) SetRuleEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	r.Enabled = enabled
	return nil
}

// Evaluate runs one event with its optional context snapshot through every
// enabled rule and returns the findings emitted. Suppressions are recorded
// for audit, never returned as findings.
func (e *Engine) Evaluate(ctx context.Context, ev Event, snap *ContextSnapshot) ([]Finding, error) {
	now := e.clock()
	if now.Sub(ev.OccurredAt) > e.maxEventAge {
		return nil, fmt.Errorf("%w: occurred %s", ErrEventTooOld, ev.OccurredAt.Format(time.RFC3339))
	}
	e.history.Append(ev)

	rules := e.enabledRules()
	var emitted []Finding
	for _, rule := range rules {
		if len(emitted) >= e.maxFindings {
			break
		}
		if !rule.triggersOn(ev.EventType) {
			continue
		}
		if !e.contextSatisfied(rule, snap) {
			continue
		}

		var chain []Event
		switch rule.RuleType {
		case RuleBoolean:
		case RuleThreshold:
			v, ok := attrFloat(ev.Attributes[rule.ThresholdAttribute])
			if !ok || v < rule.ThresholdValue {
				continue
			}
		case RuleSequence:
			chain = matchSequence(rule, ev, e.history)
			if chain == nil {
				continue
			}
		case RuleBehaviouralDeviation:
			if snap == nil || snap.Baseline == nil {
				continue
			}
			v, ok := attrFloat(ev.Attributes["metric_value"])
			if !ok || v < *snap.Baseline*rule.DeviationMultiplier {
				continue
			}
		case RuleCrossDomain:
			if snap == nil || snap.PatchState == nil || len(snap.PatchState.MissingPatches) == 0 {
				continue
			}
		}

		if reason := e.suppressionReason(rule, ev, snap); reason != "" {
			e.recordSuppression(ctx, rule, ev, reason)
			continue
		}

		if finding := e.emit(ctx, rule, ev, snap, chain); finding != nil {
			emitted = append(emitted, *finding)
		}
	}
	return emitted, nil
}

func (e *Engine) enabledRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func (e *Engine) contextSatisfied(rule *Rule, snap *ContextSnapshot) bool {
	if e.allowWithoutContext || len(rule.RequiredContext) == 0 {
		return true
	}
	for _, key := range rule.RequiredContext {
		if !snap.Resolved(key) {
			return false
		}
	}
	return true
}

func (e *Engine) suppressionReason(rule *Rule, ev Event, snap *ContextSnapshot) string {
	if snap != nil && snap.MaintenanceWindow {
		return SuppressMaintenanceWindow
	}
	for _, id := range rule.Suppression.AllowlistAssets {
		if id == ev.AssetID {
			return SuppressAllowlistAsset
		}
	}
	for _, id := range rule.Suppression.AllowlistIdentities {
		if id != "" && id == ev.IdentityID {
			return SuppressAllowlistIdentity
		}
	}
	for _, t := range rule.Suppression.AllowlistEventTypes {
		if t == ev.EventType {
			return SuppressAllowlistEventType
		}
	}
	return ""
}

// emit resolves dedup/supersession under the per-(rule, asset, identity)
// lock, then stores and returns the new finding. Returns nil when the event
// deduplicates into an existing open finding.
func (e *Engine) emit(ctx context.Context, rule *Rule, ev Event, snap *ContextSnapshot, chain []Event) *Finding {
	key := rule.RuleID + "|" + ev.AssetID + "|" + ev.IdentityID
	lock := e.dedupLock(key)
	lock.Lock()
	defer lock.Unlock()

	newID := e.idGen()

	e.mu.Lock()
	if existing, ok := e.open[key]; ok {
		window := time.Duration(rule.Suppression.DedupeWindowSeconds) * time.Second
		if ev.OccurredAt.Sub(existing.CreatedAt) <= window {
			e.mu.Unlock()
			e.recordSuppression(ctx, rule, ev, SuppressDuplicateOpenFinding)
			return nil
		}
		existing.State = FindingSuperseded
		existing.SupersededBy = newID
		delete(e.open, key)
	}
	e.mu.Unlock()

	finding := e.buildFinding(newID, rule, ev, snap, chain)

	e.mu.Lock()
	e.findings = append(e.findings, finding)
	e.byID[finding.FindingID] = finding
	e.open[key] = finding
	e.trimFindingsLocked()
	e.mu.Unlock()

	if e.ledger != nil {
		if _, err := e.ledger.Append(ctx, evidence.EntryFinding, "detection_engine", map[string]any{
			"finding_id":   finding.FindingID,
			"finding_type": finding.FindingType,
			"asset_id":     finding.AssetID,
			"severity":     finding.Severity,
		}); err != nil {
			e.logger.Warn("finding ledger append failed", "finding_id", finding.FindingID, "error", err)
		}
	}
	return finding
}

func (e *Engine) buildFinding(id string, rule *Rule, ev Event, snap *ContextSnapshot, chain []Event) *Finding {
	supporting := []string{ev.EventID}
	var graph *CorrelationGraph
	if len(chain) > 0 {
		supporting = make([]string, len(chain))
		for i, c := range chain {
			supporting[i] = c.EventID
		}
		graph = buildCorrelationGraph(chain)
	}

	finding := &Finding{
		FindingID:        id,
		FindingType:      rule.RuleID,
		TenantID:         ev.TenantID,
		AssetID:          ev.AssetID,
		IdentityID:       ev.IdentityID,
		Severity:         boostSeverity(rule.Output.Severity, snap),
		ConfidenceScore:  computeConfidence(rule.Output.ConfidenceBase, snap),
		SupportingEvents: supporting,
		CorrelationGraph: graph,
		ContextSnapshot:  snap,
		CreatedAt:        ev.OccurredAt,
		State:            FindingOpen,
	}
	finding.ExplanationText = renderTemplate(rule.Output.ExplanationTemplate, e.templateValues(rule, ev, snap, finding))
	return finding
}

func (e *Engine) templateValues(rule *Rule, ev Event, snap *ContextSnapshot, f *Finding) map[string]string {
	values := map[string]string{
		"rule_id":     rule.RuleID,
		"event_id":    ev.EventID,
		"event_type":  ev.EventType,
		"asset_id":    ev.AssetID,
		"identity_id": ev.IdentityID,
		"severity":    f.Severity,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339),
		"threshold":   strconv.FormatFloat(rule.ThresholdValue, 'f', -1, 64),
	}
	if v, ok := attrFloat(ev.Attributes["metric_value"]); ok {
		values["metric_value"] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if snap != nil {
		if snap.Baseline != nil {
			values["baseline"] = strconv.FormatFloat(*snap.Baseline, 'f', -1, 64)
		}
		if snap.PatchState != nil {
			values["missing_patch_count"] = strconv.Itoa(len(snap.PatchState.MissingPatches))
		}
	}
	return values
}

func (e *Engine) trimFindingsLocked() {
	if len(e.findings) <= e.findingRetention {
		return
	}
	evicted := e.findings[:len(e.findings)-e.findingRetention]
	e.findings = e.findings[len(e.findings)-e.findingRetention:]
	for _, f := range evicted {
		delete(e.byID, f.FindingID)
		key := f.FindingType + "|" + f.AssetID + "|" + f.IdentityID
		if cur, ok := e.open[key]; ok && cur.FindingID == f.FindingID {
			delete(e.open, key)
		}
	}
}

func (e *Engine) recordSuppression(ctx context.Context, rule *Rule, ev Event, reason string) {
	s := Suppression{
		RuleID:     rule.RuleID,
		AssetID:    ev.AssetID,
		IdentityID: ev.IdentityID,
		EventID:    ev.EventID,
		Reason:     reason,
		RecordedAt: e.clock().UTC(),
	}
	e.mu.Lock()
	e.suppressions = append(e.suppressions, s)
	e.mu.Unlock()

	// Audit writes never fail the evaluation.
	if e.ledger != nil {
		if _, err := e.ledger.Append(ctx, evidence.EntrySuppression, "detection_engine", map[string]any{
			"rule_id":  s.RuleID,
			"asset_id": s.AssetID,
			"event_id": s.EventID,
			"reason":   s.Reason,
		}); err != nil {
			e.logger.Warn("suppression ledger append failed", "rule_id", s.RuleID, "error", err)
		}
	}
}

// DismissFinding marks a finding dismissed, freeing its dedup slot.
func (e *Engine) DismissFinding(findingID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.byID[findingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFindingNotFound, findingID)
	}
	f.State = FindingDismissed
	key := f.FindingType + "|" + f.AssetID + "|" + f.IdentityID
	if cur, ok := e.open[key]; ok && cur.FindingID == findingID {
		delete(e.open, key)
	}
	return nil
}

// Finding returns a finding by id.
func (e *Engine) Finding(findingID string) (*Finding, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.byID[findingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFindingNotFound, findingID)
	}
	out := *f
	return &out, nil
}

// Findings returns stored findings for a tenant, oldest first. An empty
// tenant returns everything.
func (e *Engine) Findings(tenantID string) []Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Finding
	for _, f := range e.findings {
		if tenantID == "" || f.TenantID == tenantID {
			out = append(out, *f)
		}
	}
	return out
}

// Suppressions returns the audit trail of suppressed matches.
func (e *Engine) Suppressions() []Suppression {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Suppression, len(e.suppressions))
	copy(out, e.suppressions)
	return out
}

func (e *Engine) dedupLock(key string) *sync.Mutex {
	l, _ := e.dedupLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func timeWindow(rule *Rule) time.Duration {
	return time.Duration(rule.TimeWindowSeconds) * time.Second
}

// boostSeverity raises the output severity one step on critical assets.
func boostSeverity(severity string, snap *ContextSnapshot) string {
	if snap == nil || !snap.AssetCritical {
		return severity
	}
	switch severity {
	case "low":
		return "medium"
	case "medium":
		return "high"
	default:
		return severity
	}
}

// computeConfidence adjusts the rule's base confidence by the context:
// +0.10 critical asset, +0.05 privileged identity, +0.05 missing patches,
// clamped to [0, 1].
func computeConfidence(base float64, snap *ContextSnapshot) float64 {
	score := base
	if snap != nil {
		if snap.AssetCritical {
			score += 0.10
		}
		if snap.PrivilegedIdentity {
			score += 0.05
		}
		if snap.PatchState != nil && len(snap.PatchState.MissingPatches) > 0 {
			score += 0.05
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func attrFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
