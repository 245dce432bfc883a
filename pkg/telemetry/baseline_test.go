package telemetry

import (
	"math"
	"sync"
	"testing"
)

func TestBaselineRollingStats(t *testing.T) {
	b := newBaseline(4)

	for _, v := range []float64{2, 4, 6, 8} {
		b.Observe(v, 3)
	}
	if !b.Full() {
		t.Fatal("window should be full")
	}
	if got := b.Mean(); got != 5 {
		t.Fatalf("mean = %v, want 5", got)
	}
	wantSigma := math.Sqrt(5) // population stddev of {2,4,6,8}
	if got := b.StdDev(); math.Abs(got-wantSigma) > 1e-9 {
		t.Fatalf("stddev = %v, want %v", got, wantSigma)
	}

	// Rotating in a new value evicts the oldest (2).
	b.Observe(10, 100) // high threshold so no anomaly interferes
	if got := b.Mean(); got != 7 {
		t.Fatalf("mean after rotation = %v, want 7", got)
	}
}

func TestObserveEvaluatesBeforeUpdate(t *testing.T) {
	b := newBaseline(3)
	b.Observe(10, 3)
	b.Observe(10, 3)
	deviation, anomalous := b.Observe(10, 3)
	if anomalous || deviation != 0 {
		t.Fatalf("third steady sample flagged: dev=%v", deviation)
	}

	// Window now full of 10s; a spike is judged against them.
	deviation, anomalous = b.Observe(100, 3)
	if !anomalous {
		t.Fatal("spike against steady window not flagged")
	}
	if deviation <= 0 {
		t.Fatalf("deviation should be positive, got %v", deviation)
	}
}

func TestPartialWindowNeverFlags(t *testing.T) {
	b := newBaseline(20)
	for i := 0; i < 19; i++ {
		if _, anomalous := b.Observe(10, 3); anomalous {
			t.Fatalf("partial window flagged at sample %d", i)
		}
	}
	// 20th sample still evaluated against a non-full window.
	if _, anomalous := b.Observe(10_000, 3); anomalous {
		t.Fatal("sample filling the window must not be flagged")
	}
}

func TestNegativeDeviationFlags(t *testing.T) {
	b := newBaseline(3)
	for _, v := range []float64{50, 52, 48} {
		b.Observe(v, 3)
	}
	deviation, anomalous := b.Observe(1, 3)
	if !anomalous || deviation >= 0 {
		t.Fatalf("downward spike not flagged: dev=%v anomalous=%v", deviation, anomalous)
	}
}

func TestRegistryLinearisesPerKey(t *testing.T) {
	r := NewBaselineRegistry(8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Observe("asset-1", "cpu.total.percent", 10, 3)
			}
		}()
	}
	wg.Wait()

	mean, _, count := r.Stats("asset-1", "cpu.total.percent")
	if count != 8 {
		t.Fatalf("count = %d, want window size 8", count)
	}
	if mean != 10 {
		t.Fatalf("mean = %v, want 10", mean)
	}
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	r := NewBaselineRegistry(4)
	r.Observe("asset-1", "cpu.total.percent", 10, 3)
	r.Observe("asset-2", "cpu.total.percent", 90, 3)

	m1, _, _ := r.Stats("asset-1", "cpu.total.percent")
	m2, _, _ := r.Stats("asset-2", "cpu.total.percent")
	if m1 == m2 {
		t.Fatal("baselines not keyed per asset")
	}
}
