package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/evidence"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	n := 0
	return NewEngine().
		WithClock(func() time.Time { return t0 }).
		WithIDGenerator(func() string { n++; return fmt.Sprintf("finding-%d", n) })
}

func mkEvent(id, eventType string, at time.Time) Event {
	return Event{
		EventID:    id,
		TenantID:   "tenant-a",
		AssetID:    "asset-1",
		IdentityID: "user-1",
		EventType:  eventType,
		OccurredAt: at,
	}
}

func TestEvaluateRejectsOldEvents(t *testing.T) {
	e := newTestEngine()
	_, err := e.Evaluate(context.Background(), mkEvent("e1", "process.spawn", t0.Add(-DefaultMaxEventAge-time.Second)), nil)
	require.ErrorIs(t, err, ErrEventTooOld)

	// Exactly at the age limit is still evaluated.
	_, err = e.Evaluate(context.Background(), mkEvent("e2", "process.spawn", t0.Add(-DefaultMaxEventAge)), nil)
	require.NoError(t, err)
}

func TestBooleanRuleEmitsFinding(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.InstallRule(validBooleanRule("r-bool")))

	findings, err := e.Evaluate(context.Background(), mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "r-bool", findings[0].FindingType)
	require.Equal(t, FindingOpen, findings[0].State)
	require.Equal(t, []string{"e1"}, findings[0].SupportingEvents)

	// Non-triggering event types do nothing.
	findings, err = e.Evaluate(context.Background(), mkEvent("e2", "file.write", t0), nil)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestThresholdRule(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.InstallRule(Rule{
		RuleID:             "r-thresh",
		RuleType:           RuleThreshold,
		TriggerEventTypes:  []string{"auth.failure"},
		ThresholdAttribute: "failure_count",
		ThresholdValue:     5,
		Output:             OutputConfig{Severity: "medium", ConfidenceBase: 0.6},
		Enabled:            true,
	}))

	below := mkEvent("e1", "auth.failure", t0)
	below.Attributes = map[string]any{"failure_count": 4.0}
	findings, err := e.Evaluate(context.Background(), below, nil)
	require.NoError(t, err)
	require.Empty(t, findings)

	at := mkEvent("e2", "auth.failure", t0)
	at.Attributes = map[string]any{"failure_count": 5.0}
	findings, err = e.Evaluate(context.Background(), at, nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	missing := mkEvent("e3", "auth.failure", t0)
	findings, err = e.Evaluate(context.Background(), missing, nil)
	require.NoError(t, err)
	require.Empty(t, findings, "missing attribute must not match")
}

func TestSequenceRuleProcessSpawnThenEgress(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.InstallRule(Rule{
		RuleID:             "r-seq",
		RuleType:           RuleSequence,
		TriggerEventTypes:  []string{"network.egress"},
		SequenceEventTypes: []string{"process.spawn", "network.egress"},
		TimeWindowSeconds:  300,
		Output:             OutputConfig{Severity: "high", ConfidenceBase: 0.7, ExplanationTemplate: "{event_type} after spawn on {asset_id}"},
		Enabled:            true,
	}))
	ctx := context.Background()

	start := t0.Add(-2 * time.Minute)
	findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", start), nil)
	require.NoError(t, err)
	require.Empty(t, findings, "first leg alone must not fire")

	findings, err = e.Evaluate(ctx, mkEvent("e2", "network.egress", start.Add(60*time.Second)), nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, []string{"e1", "e2"}, findings[0].SupportingEvents)
	require.Equal(t, "high", findings[0].Severity)
	require.Equal(t, "network.egress after spawn on asset-1", findings[0].ExplanationText)
	require.NotNil(t, findings[0].CorrelationGraph)
	require.Equal(t, []string{"e1", "e2"}, findings[0].CorrelationGraph.Nodes)
	require.Equal(t, [][2]string{{"e1", "e2"}}, findings[0].CorrelationGraph.Edges)
}

func TestSequenceRuleWindowAndIdentityScope(t *testing.T) {
	mk := func() *Engine {
		e := newTestEngine()
		require.NoError(t, e.InstallRule(Rule{
			RuleID:             "r-seq",
			RuleType:           RuleSequence,
			TriggerEventTypes:  []string{"network.egress"},
			SequenceEventTypes: []string{"process.spawn", "network.egress"},
			TimeWindowSeconds:  300,
			Output:             OutputConfig{Severity: "high", ConfidenceBase: 0.7},
			Enabled:            true,
		}))
		return e
	}
	ctx := context.Background()

	t.Run("prior outside window", func(t *testing.T) {
		e := mk()
		_, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0.Add(-10*time.Minute)), nil)
		require.NoError(t, err)
		findings, err := e.Evaluate(ctx, mkEvent("e2", "network.egress", t0), nil)
		require.NoError(t, err)
		require.Empty(t, findings)
	})

	t.Run("different identity", func(t *testing.T) {
		e := mk()
		spawn := mkEvent("e1", "process.spawn", t0.Add(-time.Minute))
		spawn.IdentityID = "user-2"
		_, err := e.Evaluate(ctx, spawn, nil)
		require.NoError(t, err)
		findings, err := e.Evaluate(ctx, mkEvent("e2", "network.egress", t0), nil)
		require.NoError(t, err)
		require.Empty(t, findings)
	})

	t.Run("different asset", func(t *testing.T) {
		e := mk()
		spawn := mkEvent("e1", "process.spawn", t0.Add(-time.Minute))
		spawn.AssetID = "asset-2"
		_, err := e.Evaluate(ctx, spawn, nil)
		require.NoError(t, err)
		findings, err := e.Evaluate(ctx, mkEvent("e2", "network.egress", t0), nil)
		require.NoError(t, err)
		require.Empty(t, findings)
	})
}

func TestBehaviouralDeviationRule(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.InstallRule(Rule{
		RuleID:              "r-dev",
		RuleType:            RuleBehaviouralDeviation,
		TriggerEventTypes:   []string{"metric.report"},
		DeviationMultiplier: 3,
		Output:              OutputConfig{Severity: "medium", ConfidenceBase: 0.5},
		Enabled:             true,
	}))
	ctx := context.Background()
	baseline := 10.0

	ev := mkEvent("e1", "metric.report", t0)
	ev.Attributes = map[string]any{"metric_value": 35.0}
	findings, err := e.Evaluate(ctx, ev, &ContextSnapshot{Baseline: &baseline})
	require.NoError(t, err)
	require.Len(t, findings, 1)

	// No baseline in context: variant cannot match.
	ev2 := mkEvent("e2", "metric.report", t0)
	ev2.Attributes = map[string]any{"metric_value": 35.0}
	findings, err = e.Evaluate(ctx, ev2, nil)
	require.NoError(t, err)
	require.Empty(t, findings)

	// Below baseline x multiplier.
	ev3 := mkEvent("e3", "metric.report", t0)
	ev3.Attributes = map[string]any{"metric_value": 29.0}
	findings, err = e.Evaluate(ctx, ev3, &ContextSnapshot{Baseline: &baseline})
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestCrossDomainRule(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.InstallRule(Rule{
		RuleID:            "r-cross",
		RuleType:          RuleCrossDomain,
		TriggerEventTypes: []string{"security.alert"},
		Output:            OutputConfig{Severity: "high", ConfidenceBase: 0.6, ExplanationTemplate: "{missing_patch_count} patches missing"},
		Enabled:           true,
	}))
	ctx := context.Background()

	findings, err := e.Evaluate(ctx, mkEvent("e1", "security.alert", t0), &ContextSnapshot{
		PatchState: &PatchState{MissingPatches: []string{"kb-1", "kb-2"}},
	})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "2 patches missing", findings[0].ExplanationText)
	// +0.05 for missing patches.
	require.InDelta(t, 0.65, findings[0].ConfidenceScore, 1e-9)

	findings, err = e.Evaluate(ctx, mkEvent("e2", "security.alert", t0), &ContextSnapshot{PatchState: &PatchState{}})
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestRequiredContextGate(t *testing.T) {
	e := newTestEngine()
	rule := validBooleanRule("r-ctx")
	rule.RequiredContext = []string{"baseline"}
	require.NoError(t, e.InstallRule(rule))
	ctx := context.Background()

	findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Empty(t, findings)

	baseline := 1.0
	findings, err = e.Evaluate(ctx, mkEvent("e2", "process.spawn", t0), &ContextSnapshot{Baseline: &baseline})
	require.NoError(t, err)
	require.Len(t, findings, 1)

	// With the gate disabled the rule fires without context.
	relaxed := newTestEngine().AllowFindingsWithoutContext()
	require.NoError(t, relaxed.InstallRule(rule))
	findings, err = relaxed.Evaluate(ctx, mkEvent("e3", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
}

func TestSuppressionReasonsRecorded(t *testing.T) {
	ctx := context.Background()

	t.Run("maintenance window", func(t *testing.T) {
		e := newTestEngine()
		require.NoError(t, e.InstallRule(validBooleanRule("r-mw")))
		findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), &ContextSnapshot{MaintenanceWindow: true})
		require.NoError(t, err)
		require.Empty(t, findings)
		supp := e.Suppressions()
		require.Len(t, supp, 1)
		require.Equal(t, SuppressMaintenanceWindow, supp[0].Reason)
	})

	t.Run("allowlisted asset", func(t *testing.T) {
		e := newTestEngine()
		rule := validBooleanRule("r-allow")
		rule.Suppression.AllowlistAssets = []string{"asset-1"}
		require.NoError(t, e.InstallRule(rule))
		findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
		require.NoError(t, err)
		require.Empty(t, findings)
		require.Equal(t, SuppressAllowlistAsset, e.Suppressions()[0].Reason)
	})

	t.Run("allowlisted identity", func(t *testing.T) {
		e := newTestEngine()
		rule := validBooleanRule("r-allow-id")
		rule.Suppression.AllowlistIdentities = []string{"user-1"}
		require.NoError(t, e.InstallRule(rule))
		findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
		require.NoError(t, err)
		require.Empty(t, findings)
		require.Equal(t, SuppressAllowlistIdentity, e.Suppressions()[0].Reason)
	})

	t.Run("allowlisted event type", func(t *testing.T) {
		e := newTestEngine()
		rule := validBooleanRule("r-allow-type")
		rule.Suppression.AllowlistEventTypes = []string{"process.spawn"}
		require.NoError(t, e.InstallRule(rule))
		findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
		require.NoError(t, err)
		require.Empty(t, findings)
		require.Equal(t, SuppressAllowlistEventType, e.Suppressions()[0].Reason)
	})
}

func TestDedupWithinWindowSuppresses(t *testing.T) {
	e := newTestEngine()
	rule := validBooleanRule("r-dedup")
	rule.Suppression.DedupeWindowSeconds = 600
	require.NoError(t, e.InstallRule(rule))
	ctx := context.Background()

	findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	findings, err = e.Evaluate(ctx, mkEvent("e2", "process.spawn", t0.Add(time.Minute)), nil)
	require.NoError(t, err)
	require.Empty(t, findings)

	supp := e.Suppressions()
	require.Len(t, supp, 1)
	require.Equal(t, SuppressDuplicateOpenFinding, supp[0].Reason)
}

func TestDedupOutsideWindowSupersedes(t *testing.T) {
	e := NewEngine().WithClock(func() time.Time { return t0.Add(time.Hour) })
	n := 0
	e.WithIDGenerator(func() string { n++; return fmt.Sprintf("finding-%d", n) })
	rule := validBooleanRule("r-super")
	rule.Suppression.DedupeWindowSeconds = 60
	require.NoError(t, e.InstallRule(rule))
	ctx := context.Background()

	first, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.Evaluate(ctx, mkEvent("e2", "process.spawn", t0.Add(10*time.Minute)), nil)
	require.NoError(t, err)
	require.Len(t, second, 1)

	old, err := e.Finding(first[0].FindingID)
	require.NoError(t, err)
	require.Equal(t, FindingSuperseded, old.State)
	require.Equal(t, second[0].FindingID, old.SupersededBy)

	// Only one open finding per (rule, asset, identity).
	open := 0
	for _, f := range e.Findings("tenant-a") {
		if f.State == FindingOpen {
			open++
		}
	}
	require.Equal(t, 1, open)
}

func TestDismissFindingFreesDedupSlot(t *testing.T) {
	e := newTestEngine()
	rule := validBooleanRule("r-dismiss")
	rule.Suppression.DedupeWindowSeconds = 600
	require.NoError(t, e.InstallRule(rule))
	ctx := context.Background()

	findings, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.NoError(t, e.DismissFinding(findings[0].FindingID))

	got, err := e.Finding(findings[0].FindingID)
	require.NoError(t, err)
	require.Equal(t, FindingDismissed, got.State)

	// A fresh event opens a new finding instead of deduplicating.
	findings, err = e.Evaluate(ctx, mkEvent("e2", "process.spawn", t0.Add(time.Minute)), nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	require.ErrorIs(t, e.DismissFinding("nope"), ErrFindingNotFound)
}

func TestSeverityBoostAndConfidence(t *testing.T) {
	e := newTestEngine()
	rule := validBooleanRule("r-boost")
	rule.Output.Severity = "medium"
	rule.Output.ConfidenceBase = 0.5
	require.NoError(t, e.InstallRule(rule))

	findings, err := e.Evaluate(context.Background(), mkEvent("e1", "process.spawn", t0), &ContextSnapshot{
		AssetCritical:      true,
		PrivilegedIdentity: true,
	})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "high", findings[0].Severity)
	require.InDelta(t, 0.65, findings[0].ConfidenceScore, 1e-9)
}

func TestConfidenceClamped(t *testing.T) {
	e := newTestEngine()
	rule := validBooleanRule("r-clamp")
	rule.Output.ConfidenceBase = 0.95
	require.NoError(t, e.InstallRule(rule))

	findings, err := e.Evaluate(context.Background(), mkEvent("e1", "process.spawn", t0), &ContextSnapshot{
		AssetCritical:      true,
		PrivilegedIdentity: true,
		PatchState:         &PatchState{MissingPatches: []string{"kb-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, findings[0].ConfidenceScore)
}

func TestMaxFindingsPerRequest(t *testing.T) {
	e := newTestEngine().WithLimits(DefaultMaxEventAge, 2, DefaultFindingRetention)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.InstallRule(validBooleanRule(fmt.Sprintf("r-%d", i))))
	}
	findings, err := e.Evaluate(context.Background(), mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Len(t, findings, 2)
}

func TestFindingRetentionTrim(t *testing.T) {
	e := newTestEngine().WithLimits(DefaultMaxEventAge, DefaultMaxFindingsPerRequest, 3)
	require.NoError(t, e.InstallRule(validBooleanRule("r-trim")))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := mkEvent(fmt.Sprintf("e%d", i), "process.spawn", t0)
		ev.AssetID = fmt.Sprintf("asset-%d", i)
		_, err := e.Evaluate(ctx, ev, nil)
		require.NoError(t, err)
	}
	require.Len(t, e.Findings(""), 3)
}

func TestHistoryRetention(t *testing.T) {
	h := NewMemoryHistory().WithRetention(3)
	for i := 0; i < 5; i++ {
		h.Append(mkEvent(fmt.Sprintf("e%d", i), "x", t0.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 3, h.Len())
	// Oldest two were evicted.
	events := h.Window("asset-1", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.Len(t, events, 3)
	require.Equal(t, "e2", events[0].EventID)
}

func TestFindingsAndSuppressionsMirroredToLedger(t *testing.T) {
	ledger := evidence.NewLedger()
	e := newTestEngine().WithLedger(ledger)
	rule := validBooleanRule("r-ledger")
	rule.Suppression.DedupeWindowSeconds = 600
	require.NoError(t, e.InstallRule(rule))
	ctx := context.Background()

	_, err := e.Evaluate(ctx, mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, mkEvent("e2", "process.spawn", t0.Add(time.Second)), nil)
	require.NoError(t, err)

	require.Equal(t, 2, ledger.Length())
	entry, err := ledger.Get(1)
	require.NoError(t, err)
	require.Equal(t, evidence.EntryFinding, entry.EntryType)
	entry, err = ledger.Get(2)
	require.NoError(t, err)
	require.Equal(t, evidence.EntrySuppression, entry.EntryType)
}

func TestInstallRuleDuplicate(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.InstallRule(validBooleanRule("r-dup")))
	require.ErrorIs(t, e.InstallRule(validBooleanRule("r-dup")), ErrRuleExists)
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := newTestEngine()
	rule := validBooleanRule("r-off")
	require.NoError(t, e.InstallRule(rule))
	require.NoError(t, e.SetRuleEnabled("r-off", false))

	findings, err := e.Evaluate(context.Background(), mkEvent("e1", "process.spawn", t0), nil)
	require.NoError(t, err)
	require.Empty(t, findings)
	require.ErrorIs(t, e.SetRuleEnabled("missing", true), ErrRuleNotFound)
}
