package patch

// Evaluate applies a policy to a detection's patches and returns the allowed
// subset plus a per-patch decision. Patches are evaluated in input order and
// the first matching rule wins:
//
//  1. superseded by another patch in the batch  → deferred:superseded
//  2. listed in policy exclusions               → excluded:explicit_exclusion
//  3. category deferred by policy               → deferred:category_deferred
//  4. severity outside allowed_severities       → deferred:severity_not_allowed
//  5. otherwise                                 → allowed:policy_allowed
func Evaluate(policy *PatchPolicy, patches []PatchMetadata) EligibilityResult {
	superseded := make(map[string]bool)
	for _, p := range patches {
		for _, id := range p.Supersedes {
			superseded[id] = true
		}
	}
	excluded := toSet(policy.Exclusions)
	deferredCats := toSet(policy.DeferredCategories)
	allowedSevs := toSet(policy.AllowedSeverities)

	result := EligibilityResult{
		Decisions: make([]Decision, 0, len(patches)),
	}
	for _, p := range patches {
		switch {
		case superseded[p.PatchID]:
			result.Decisions = append(result.Decisions, Decision{p.PatchID, OutcomeDeferred, ReasonSuperseded})
		case excluded[p.PatchID]:
			result.Decisions = append(result.Decisions, Decision{p.PatchID, OutcomeExcluded, ReasonExplicitExclusion})
		case deferredCats[p.Category]:
			result.Decisions = append(result.Decisions, Decision{p.PatchID, OutcomeDeferred, ReasonCategoryDeferred})
		case len(allowedSevs) > 0 && !allowedSevs[p.Severity]:
			result.Decisions = append(result.Decisions, Decision{p.PatchID, OutcomeDeferred, ReasonSeverityNotAllowed})
		default:
			result.Decisions = append(result.Decisions, Decision{p.PatchID, OutcomeAllowed, ReasonPolicyAllowed})
			result.Allowed = append(result.Allowed, p)
		}
	}
	return result
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
