package telemetry

import (
	"math"
	"sync"
)

// DefaultWindowSize is the number of samples a baseline retains.
const DefaultWindowSize = 20

// DefaultDeviationThreshold is the sigma multiple at which a sample is
// flagged anomalous.
const DefaultDeviationThreshold = 3.0

// Baseline is the rolling window for one (asset_id, metric_name) pair.
// Mean and variance are maintained incrementally as values rotate through the
// circular buffer. All methods require the registry's per-key lock.
type Baseline struct {
	values []float64
	head   int
	count  int
	sum    float64
	sumSq  float64
}

func newBaseline(window int) *Baseline {
	return &Baseline{values: make([]float64, window)}
}

// Full reports whether the window has seen at least its capacity of samples.
func (b *Baseline) Full() bool { return b.count == len(b.values) }

// Count returns the number of samples currently in the window.
func (b *Baseline) Count() int { return b.count }

// Mean returns the rolling mean, or 0 for an empty window.
func (b *Baseline) Mean() float64 {
	if b.count == 0 {
		return 0
	}
	return b.sum / float64(b.count)
}

// StdDev returns the rolling population standard deviation.
func (b *Baseline) StdDev() float64 {
	if b.count == 0 {
		return 0
	}
	n := float64(b.count)
	mean := b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		// Floating-point cancellation on near-constant runs.
		variance = 0
	}
	return math.Sqrt(variance)
}

// minSigma floors the standard deviation so a perfectly steady window still
// flags a departing sample instead of dividing by zero.
const minSigma = 1e-9

// Observe evaluates v against the current window, then adds it. It returns
// the deviation multiplier (v−μ)/σ and whether the sample is anomalous under
// the threshold. Evaluation precedes the update so the sample is judged
// against history that does not include itself.
func (b *Baseline) Observe(v, threshold float64) (deviation float64, anomalous bool) {
	if b.Full() {
		sigma := b.StdDev()
		if sigma < minSigma {
			sigma = minSigma
		}
		deviation = (v - b.Mean()) / sigma
		anomalous = math.Abs(deviation) >= threshold
	}
	b.push(v)
	return deviation, anomalous
}

func (b *Baseline) push(v float64) {
	if b.Full() {
		old := b.values[b.head]
		b.sum -= old
		b.sumSq -= old * old
	} else {
		b.count++
	}
	b.values[b.head] = v
	b.sum += v
	b.sumSq += v * v
	b.head = (b.head + 1) % len(b.values)
}

// BaselineRegistry serialises baseline updates per (asset_id, metric_name).
type BaselineRegistry struct {
	mu        sync.Mutex
	window    int
	baselines map[string]*baselineSlot
}

type baselineSlot struct {
	mu       sync.Mutex
	baseline *Baseline
}

// NewBaselineRegistry creates a registry with the given window size.
func NewBaselineRegistry(window int) *BaselineRegistry {
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &BaselineRegistry{
		window:    window,
		baselines: make(map[string]*baselineSlot),
	}
}

func (r *BaselineRegistry) slot(assetID, metricName string) *baselineSlot {
	key := assetID + "|" + metricName
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.baselines[key]
	if !ok {
		s = &baselineSlot{baseline: newBaseline(r.window)}
		r.baselines[key] = s
	}
	return s
}

// Observe runs Baseline.Observe under the pair's lock, linearising updates
// for the (asset, metric) key.
func (r *BaselineRegistry) Observe(assetID, metricName string, v, threshold float64) (float64, bool) {
	s := r.slot(assetID, metricName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline.Observe(v, threshold)
}

// Stats returns (mean, stddev, count) for the pair, for rule-engine context.
func (r *BaselineRegistry) Stats(assetID, metricName string) (mean, stddev float64, count int) {
	s := r.slot(assetID, metricName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline.Mean(), s.baseline.StdDev(), s.baseline.Count()
}
