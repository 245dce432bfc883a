package patch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkPatch(id, severity, category string, release time.Time) PatchMetadata {
	return PatchMetadata{
		PatchID:     id,
		Vendor:      "acme",
		Severity:    severity,
		Category:    category,
		ReleaseDate: release,
	}
}

func TestEvaluatePipelineOrder(t *testing.T) {
	release := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	superseding := mkPatch("kb-200", "critical", "security", release)
	superseding.Supersedes = []string{"kb-100"}

	patches := []PatchMetadata{
		mkPatch("kb-100", "critical", "security", release), // superseded by kb-200
		superseding,
		mkPatch("kb-300", "high", "security", release),   // excluded
		mkPatch("kb-400", "high", "feature", release),    // deferred category
		mkPatch("kb-500", "low", "security", release),    // severity not allowed
		mkPatch("kb-600", "medium", "security", release), // allowed
	}
	policy := &PatchPolicy{
		PolicyID:           "pol-1",
		TenantID:           "tenant-a",
		AllowedSeverities:  []string{"critical", "high", "medium"},
		DeferredCategories: []string{"feature"},
		Exclusions:         []string{"kb-300"},
	}

	result := Evaluate(policy, patches)
	require.Len(t, result.Decisions, 6)

	byID := make(map[string]Decision)
	for _, d := range result.Decisions {
		byID[d.PatchID] = d
	}
	require.Equal(t, Decision{"kb-100", OutcomeDeferred, ReasonSuperseded}, byID["kb-100"])
	require.Equal(t, Decision{"kb-200", OutcomeAllowed, ReasonPolicyAllowed}, byID["kb-200"])
	require.Equal(t, Decision{"kb-300", OutcomeExcluded, ReasonExplicitExclusion}, byID["kb-300"])
	require.Equal(t, Decision{"kb-400", OutcomeDeferred, ReasonCategoryDeferred}, byID["kb-400"])
	require.Equal(t, Decision{"kb-500", OutcomeDeferred, ReasonSeverityNotAllowed}, byID["kb-500"])
	require.Equal(t, Decision{"kb-600", OutcomeAllowed, ReasonPolicyAllowed}, byID["kb-600"])

	var allowedIDs []string
	for _, p := range result.Allowed {
		allowedIDs = append(allowedIDs, p.PatchID)
	}
	require.Equal(t, []string{"kb-200", "kb-600"}, allowedIDs)
}

func TestEvaluateSupersededWinsOverExclusion(t *testing.T) {
	release := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	newer := mkPatch("kb-2", "high", "security", release)
	newer.Supersedes = []string{"kb-1"}
	patches := []PatchMetadata{mkPatch("kb-1", "high", "security", release), newer}

	// kb-1 is both superseded and excluded; the superseded rule fires first.
	policy := &PatchPolicy{Exclusions: []string{"kb-1"}}
	result := Evaluate(policy, patches)
	require.Equal(t, Decision{"kb-1", OutcomeDeferred, ReasonSuperseded}, result.Decisions[0])
}

func TestEvaluateEmptySeverityListAllowsAll(t *testing.T) {
	release := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	result := Evaluate(&PatchPolicy{}, []PatchMetadata{mkPatch("kb-1", "unknown", "optional", release)})
	require.Len(t, result.Allowed, 1)
	require.Equal(t, ReasonPolicyAllowed, result.Decisions[0].Reason)
}
