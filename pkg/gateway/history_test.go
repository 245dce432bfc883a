package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/detection"
	"github.com/Mindburn-Labs/warden/pkg/events"
)

func historyStore(t *testing.T) *events.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := events.NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func storedEvent(id, eventType string, at time.Time) events.StoredEvent {
	return events.StoredEvent{
		Event: events.Event{
			EventID:        id,
			TenantID:       "tenant-a",
			AssetID:        "asset-1",
			EventCategory:  "security",
			EventType:      eventType,
			SequenceNumber: 1,
			TimestampLocal: at,
			Payload:        json.RawMessage(`{"identity_id":"agent-1","count":3}`),
		},
		TimestampReceived: at,
	}
}

func TestStoreHistoryMergesTiers(t *testing.T) {
	store := historyStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.AppendEvents(context.Background(), []events.StoredEvent{
		storedEvent("persisted-1", "auth.failure", now.Add(-time.Minute)),
	}))

	h := NewStoreHistory(store, func() []string { return []string{"auth.failure"} })
	h.Append(detection.Event{
		EventID:    "direct-1",
		TenantID:   "tenant-a",
		AssetID:    "asset-1",
		EventType:  "auth.failure",
		OccurredAt: now,
	})

	window := h.Window("asset-1", now.Add(-time.Hour), now.Add(time.Minute))
	require.Len(t, window, 2)

	byID := map[string]detection.Event{}
	for _, ev := range window {
		byID[ev.EventID] = ev
	}
	require.Contains(t, byID, "direct-1")
	require.Contains(t, byID, "persisted-1")

	// Payload attributes survive the read-back, including the identity.
	persisted := byID["persisted-1"]
	require.Equal(t, "agent-1", persisted.IdentityID)
	require.Equal(t, float64(3), persisted.Attributes["count"])
}

func TestStoreHistoryDedupsByEventID(t *testing.T) {
	store := historyStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.AppendEvents(context.Background(), []events.StoredEvent{
		storedEvent("shared-1", "auth.failure", now),
	}))

	h := NewStoreHistory(store, func() []string { return []string{"auth.failure"} })
	h.Append(detection.Event{
		EventID:    "shared-1",
		AssetID:    "asset-1",
		EventType:  "auth.failure",
		OccurredAt: now,
	})

	window := h.Window("asset-1", now.Add(-time.Hour), now.Add(time.Minute))
	require.Len(t, window, 1)
}

func TestStoreHistoryWithoutTypesServesMemoryOnly(t *testing.T) {
	store := historyStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.AppendEvents(context.Background(), []events.StoredEvent{
		storedEvent("persisted-1", "auth.failure", now),
	}))

	h := NewStoreHistory(store, nil)
	window := h.Window("asset-1", now.Add(-time.Hour), now.Add(time.Minute))
	require.Empty(t, window)
}

func TestRuleEventTypesFollowsInstalledRules(t *testing.T) {
	engine := detection.NewEngine()
	types := RuleEventTypes(engine)
	require.Empty(t, types())

	require.NoError(t, engine.InstallRule(detection.Rule{
		RuleID:             "seq-1",
		RuleType:           detection.RuleSequence,
		TriggerEventTypes:  []string{"auth.failure"},
		SequenceEventTypes: []string{"auth.failure", "auth.success"},
		TimeWindowSeconds:  300,
		Enabled:            true,
	}))

	got := types()
	require.ElementsMatch(t, []string{"auth.failure", "auth.success"}, got)
}
