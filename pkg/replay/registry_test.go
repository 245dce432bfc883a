package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryFirstSeenOnce(t *testing.T) {
	reg := NewMemoryRegistry()

	first, err := reg.FirstSeen(context.Background(), "events:p-1")
	require.NoError(t, err)
	require.True(t, first)

	again, err := reg.FirstSeen(context.Background(), "events:p-1")
	require.NoError(t, err)
	require.False(t, again)
}

func TestMemoryRegistryNamespacesAreIndependent(t *testing.T) {
	reg := NewMemoryRegistry()

	first, err := reg.FirstSeen(context.Background(), "events:p-1")
	require.NoError(t, err)
	require.True(t, first)

	// Same payload_id under a different namespace is a different key.
	first, err = reg.FirstSeen(context.Background(), "telemetry:p-1")
	require.NoError(t, err)
	require.True(t, first)
}

func TestMemoryRegistryRetentionExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(
		WithRetention(time.Hour),
		WithClock(func() time.Time { return now }),
	)

	first, err := reg.FirstSeen(context.Background(), "events:p-1")
	require.NoError(t, err)
	require.True(t, first)

	// Within retention: still a replay.
	now = now.Add(30 * time.Minute)
	first, err = reg.FirstSeen(context.Background(), "events:p-1")
	require.NoError(t, err)
	require.False(t, first)

	// Past retention: the id may be reused.
	now = now.Add(2 * time.Hour)
	first, err = reg.FirstSeen(context.Background(), "events:p-1")
	require.NoError(t, err)
	require.True(t, first)
}

func TestMemoryRegistrySweepEvictsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(
		WithRetention(time.Hour),
		WithClock(func() time.Time { return now }),
	)

	for _, key := range []string{"a", "b", "c"} {
		_, err := reg.FirstSeen(context.Background(), key)
		require.NoError(t, err)
	}
	require.Equal(t, 3, reg.Len())

	now = now.Add(3 * time.Hour)
	_, err := reg.FirstSeen(context.Background(), "d")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
}
