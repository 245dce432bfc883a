// Package telemetry ingests agent metric payloads, normalises samples against
// a fixed taxonomy, and maintains rolling per-metric baselines that flag
// anomalous samples.
package telemetry

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// MetricRule fixes the unit and validity range for one taxonomy entry.
type MetricRule struct {
	Name        string  `yaml:"name"`
	Unit        string  `yaml:"unit"`
	MinValue    float64 `yaml:"min_value"`
	MaxValue    float64 `yaml:"max_value"`
	IntegerOnly bool    `yaml:"integer_only"`
}

// Taxonomy is the closed set of accepted metric names. Lookup is by exact
// name; wildcard families (cpu.*, memory.*, ...) exist only as documentation
// groupings, never as match patterns.
type Taxonomy struct {
	rules map[string]MetricRule
}

// DefaultTaxonomy returns the built-in metric set.
func DefaultTaxonomy() *Taxonomy {
	rules := []MetricRule{
		{Name: "cpu.total.percent", Unit: "percent", MinValue: 0, MaxValue: 100},
		{Name: "cpu.load.1m", Unit: "load", MinValue: 0, MaxValue: 4096},
		{Name: "cpu.load.5m", Unit: "load", MinValue: 0, MaxValue: 4096},
		{Name: "memory.used.percent", Unit: "percent", MinValue: 0, MaxValue: 100},
		{Name: "memory.used.mb", Unit: "megabytes", MinValue: 0, MaxValue: 16_777_216, IntegerOnly: true},
		{Name: "memory.swap.percent", Unit: "percent", MinValue: 0, MaxValue: 100},
		{Name: "disk.used.percent", Unit: "percent", MinValue: 0, MaxValue: 100},
		{Name: "disk.free.mb", Unit: "megabytes", MinValue: 0, MaxValue: 1_073_741_824, IntegerOnly: true},
		{Name: "disk.io.read.kbps", Unit: "kbps", MinValue: 0, MaxValue: 104_857_600},
		{Name: "disk.io.write.kbps", Unit: "kbps", MinValue: 0, MaxValue: 104_857_600},
		{Name: "network.rx.kbps", Unit: "kbps", MinValue: 0, MaxValue: 104_857_600},
		{Name: "network.tx.kbps", Unit: "kbps", MinValue: 0, MaxValue: 104_857_600},
		{Name: "network.connections.count", Unit: "count", MinValue: 0, MaxValue: 1_000_000, IntegerOnly: true},
		{Name: "system.uptime.seconds", Unit: "seconds", MinValue: 0, MaxValue: 3_155_760_000, IntegerOnly: true},
		{Name: "system.processes.count", Unit: "count", MinValue: 0, MaxValue: 1_000_000, IntegerOnly: true},
		{Name: "agent.heartbeat.latency.ms", Unit: "milliseconds", MinValue: 0, MaxValue: 600_000},
		{Name: "agent.queue.depth", Unit: "count", MinValue: 0, MaxValue: 1_000_000, IntegerOnly: true},
	}
	t := &Taxonomy{rules: make(map[string]MetricRule, len(rules))}
	for _, r := range rules {
		t.rules[r.Name] = r
	}
	return t
}

// LoadTaxonomy reads taxonomy overrides from a YAML file and merges them over
// the defaults. An override with a known name replaces the built-in rule.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	t := DefaultTaxonomy()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: read %s: %w", path, err)
	}
	var doc struct {
		Metrics []MetricRule `yaml:"metrics"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("taxonomy: parse %s: %w", path, err)
	}
	for _, r := range doc.Metrics {
		if r.Name == "" {
			return nil, fmt.Errorf("taxonomy: metric with empty name in %s", path)
		}
		if r.MaxValue < r.MinValue {
			return nil, fmt.Errorf("taxonomy: metric %s has max < min", r.Name)
		}
		t.rules[r.Name] = r
	}
	return t, nil
}

// Lookup returns the rule for a metric name.
func (t *Taxonomy) Lookup(name string) (MetricRule, bool) {
	r, ok := t.rules[name]
	return r, ok
}

// Names returns all metric names, sorted.
func (t *Taxonomy) Names() []string {
	out := make([]string, 0, len(t.rules))
	for name := range t.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalise validates a sample value against the rule. It returns the
// normalised value or a stable rejection reason.
func (r MetricRule) Normalise(unit string, value float64) (float64, string) {
	if unit != r.Unit {
		return 0, "unit_mismatch"
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, "value_not_finite"
	}
	if r.IntegerOnly {
		value = math.Trunc(value)
	}
	if value < r.MinValue {
		return 0, "value_below_min"
	}
	if value > r.MaxValue {
		return 0, "value_above_max"
	}
	return value, ""
}
