// Package replay tracks payload IDs seen on intake endpoints so a captured
// request body cannot be submitted twice. Keys are namespaced by the caller
// ("events:<id>", "telemetry:<id>") and expire after a retention window;
// replay protection is only needed while the signature TTL plus clock skew
// could still admit the original envelope.
package replay

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention keeps payload IDs well past the signature TTL.
const DefaultRetention = 24 * time.Hour

// Registry records payload IDs. FirstSeen returns true exactly once per key
// within the retention window.
type Registry interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// MemoryRegistry is the single-instance implementation. Expired entries are
// swept lazily on access; there is no background timer.
type MemoryRegistry struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	lastSweep time.Time
	clock     func() time.Time
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithRetention overrides the retention window.
func WithRetention(d time.Duration) MemoryOption {
	return func(r *MemoryRegistry) { r.retention = d }
}

// WithClock injects a deterministic time source.
func WithClock(clock func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.clock = clock }
}

func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		seen:      make(map[string]time.Time),
		retention: DefaultRetention,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep = r.clock()
	return r
}

// FirstSeen marks key as seen and reports whether this is its first
// appearance within the retention window.
func (r *MemoryRegistry) FirstSeen(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if now.Sub(r.lastSweep) > r.retention {
		for k, at := range r.seen {
			if now.Sub(at) > r.retention {
				delete(r.seen, k)
			}
		}
		r.lastSweep = now
	}

	at, ok := r.seen[key]
	if ok && now.Sub(at) <= r.retention {
		return false, nil
	}
	r.seen[key] = now
	return true, nil
}

// Len reports the number of tracked keys, for tests.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
