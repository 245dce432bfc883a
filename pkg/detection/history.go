package detection

import (
	"sync"
	"time"
)

// EventHistory supplies prior events for sequence matching. Append is called
// for every evaluated event; Window returns events for one asset within
// (from, to], oldest first.
type EventHistory interface {
	Append(ev Event)
	Window(assetID string, from, to time.Time) []Event
}

// MemoryHistory is a bounded in-memory event history. Oldest events are
// evicted once the retention cap is reached.
type MemoryHistory struct {
	mu        sync.RWMutex
	events    []Event
	retention int
}

// NewMemoryHistory creates a history with the default retention cap.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{retention: DefaultEventRetention}
}

// WithRetention overrides the retention cap.
func (h *MemoryHistory) WithRetention(n int) *MemoryHistory {
	h.retention = n
	return h
}

func (h *MemoryHistory) Append(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if len(h.events) > h.retention {
		h.events = h.events[len(h.events)-h.retention:]
	}
}

func (h *MemoryHistory) Window(assetID string, from, to time.Time) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, ev := range h.events {
		if ev.AssetID != assetID {
			continue
		}
		if !ev.OccurredAt.After(from) || ev.OccurredAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of retained events.
func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}
