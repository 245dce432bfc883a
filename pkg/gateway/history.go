package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/detection"
	"github.com/Mindburn-Labs/warden/pkg/events"
)

// StoreHistory backs the detection engine's event history with the persisted
// event log, so sequence rules correlate across events that arrived through
// batch intake as well as events evaluated directly. Direct evaluations are
// kept in a bounded memory tier; batch events are read back from SQLite.
type StoreHistory struct {
	mem   *detection.MemoryHistory
	store *events.SQLiteStore
	// types returns the event types worth reading back, derived from the
	// installed rules.
	types func() []string
}

// NewStoreHistory builds the two-tier history. types may be nil, which
// disables the persisted tier.
func NewStoreHistory(store *events.SQLiteStore, types func() []string) *StoreHistory {
	return &StoreHistory{
		mem:   detection.NewMemoryHistory(),
		store: store,
		types: types,
	}
}

func (h *StoreHistory) Append(ev detection.Event) {
	h.mem.Append(ev)
}

func (h *StoreHistory) Window(assetID string, from, to time.Time) []detection.Event {
	out := h.mem.Window(assetID, from, to)
	if h.store == nil || h.types == nil {
		return out
	}
	eventTypes := h.types()
	if len(eventTypes) == 0 {
		return out
	}

	stored, err := h.store.RecentByType(context.Background(), assetID, eventTypes, from, to)
	if err != nil {
		// The memory tier still serves; a degraded window loses only
		// cross-intake correlation.
		return out
	}

	seen := make(map[string]struct{}, len(out))
	for _, ev := range out {
		seen[ev.EventID] = struct{}{}
	}
	for _, se := range stored {
		if _, dup := seen[se.EventID]; dup {
			continue
		}
		out = append(out, toDetectionEvent(se))
	}
	return out
}

func toDetectionEvent(se events.StoredEvent) detection.Event {
	ev := detection.Event{
		EventID:    se.EventID,
		TenantID:   se.TenantID,
		AssetID:    se.AssetID,
		EventType:  se.EventType,
		OccurredAt: se.TimestampLocal,
	}
	if len(se.Payload) > 0 {
		var attrs map[string]any
		if err := json.Unmarshal(se.Payload, &attrs); err == nil {
			ev.Attributes = attrs
			if id, ok := attrs["identity_id"].(string); ok {
				ev.IdentityID = id
			}
		}
	}
	return ev
}

// RuleEventTypes derives the set of event types referenced by installed
// rules, for the persisted history tier.
func RuleEventTypes(engine *detection.Engine) func() []string {
	return func() []string {
		seen := make(map[string]struct{})
		var out []string
		for _, r := range engine.ListRules() {
			for _, t := range r.TriggerEventTypes {
				if _, dup := seen[t]; dup {
					continue
				}
				seen[t] = struct{}{}
				out = append(out, t)
			}
			for _, t := range r.SequenceEventTypes {
				if _, dup := seen[t]; dup {
					continue
				}
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
		return out
	}
}
