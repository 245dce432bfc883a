package detection

import (
	"fmt"
	"regexp"
	"strings"
)

// templateVariables is the closed set of substitution variables an
// explanation template may reference. Anything else fails rule installation.
var templateVariables = map[string]bool{
	"rule_id":             true,
	"event_id":            true,
	"event_type":          true,
	"asset_id":            true,
	"identity_id":         true,
	"severity":            true,
	"occurred_at":         true,
	"metric_value":        true,
	"baseline":            true,
	"threshold":           true,
	"missing_patch_count": true,
}

var templateVarPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// SuppressionConfig holds a rule's allowlists and its dedup window.
type SuppressionConfig struct {
	AllowlistAssets     []string `json:"allowlist_assets,omitempty"`
	AllowlistIdentities []string `json:"allowlist_identities,omitempty"`
	AllowlistEventTypes []string `json:"allowlist_event_types,omitempty"`
	DedupeWindowSeconds int      `json:"dedupe_window_seconds"`
}

// OutputConfig describes the finding a rule emits.
type OutputConfig struct {
	Severity            string  `json:"severity"`
	ConfidenceBase      float64 `json:"confidence_base"`
	ExplanationTemplate string  `json:"explanation_template,omitempty"`
}

// Rule is one installed detection rule. The rule_type selects the variant
// and decides which optional fields are mandatory.
type Rule struct {
	RuleID              string            `json:"rule_id"`
	RuleType            string            `json:"rule_type"`
	TriggerEventTypes   []string          `json:"trigger_event_types"`
	SequenceEventTypes  []string          `json:"sequence_event_types,omitempty"`
	TimeWindowSeconds   int               `json:"time_window_seconds,omitempty"`
	RequiredContext     []string          `json:"required_context,omitempty"`
	ThresholdAttribute  string            `json:"threshold_attribute,omitempty"`
	ThresholdValue      float64           `json:"threshold_value,omitempty"`
	DeviationMultiplier float64           `json:"deviation_multiplier,omitempty"`
	Suppression         SuppressionConfig `json:"suppression"`
	Output              OutputConfig      `json:"output"`
	Enabled             bool              `json:"enabled"`
}

// Validate checks the rule at install time.
func (r *Rule) Validate() error {
	switch r.RuleType {
	case RuleBoolean, RuleCrossDomain:
	case RuleThreshold:
		if r.ThresholdAttribute == "" {
			return fmt.Errorf("%w: %s", ErrThresholdRequiresAttribute, r.RuleID)
		}
	case RuleSequence:
		if len(r.SequenceEventTypes) < 2 {
			return fmt.Errorf("%w: %s", ErrSequenceRequiresEventTypes, r.RuleID)
		}
		if r.TimeWindowSeconds <= 0 {
			return fmt.Errorf("%w: %s", ErrSequenceRequiresTimeWindow, r.RuleID)
		}
	case RuleBehaviouralDeviation:
		if r.DeviationMultiplier <= 0 {
			return fmt.Errorf("%w: %s", ErrDeviationRequiresMultiplier, r.RuleID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRuleType, r.RuleType)
	}
	if len(r.TriggerEventTypes) == 0 {
		return fmt.Errorf("%w: %s", ErrTriggerEventTypesRequired, r.RuleID)
	}
	if unknown := unknownTemplateVariables(r.Output.ExplanationTemplate); len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidExplanationVariables, strings.Join(unknown, ", "))
	}
	return nil
}

func unknownTemplateVariables(template string) []string {
	var unknown []string
	for _, m := range templateVarPattern.FindAllStringSubmatch(template, -1) {
		if !templateVariables[m[1]] {
			unknown = append(unknown, m[1])
		}
	}
	return unknown
}

// renderTemplate substitutes {variable} references with their values.
// Unknown variables cannot appear here; Validate rejects them at install.
func renderTemplate(template string, values map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := values[name]; ok {
			return v
		}
		return m
	})
}

func (r *Rule) triggersOn(eventType string) bool {
	for _, t := range r.TriggerEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
