package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	sqlitestore "github.com/fallhelp/monitor/internal/fallhelp/store/sqlite"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

func newTestCache(t *testing.T) *sqlitestore.Cache {
	t.Helper()
	conn := openTestDB(t)
	return sqlitestore.NewCache(conn, newTestWriter(t, conn))
}

func intp(v int) *int { return &v }

// ── Devices ──────────────────────────────────────────────────────────────────
func TestCache_Device_NotFound(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Device(context.Background(), "D1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCache_UpdateDevice_InsertsAndReadsBack(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	err := c.UpdateDevice(ctx, "D1", func(d *types.Device, found bool) bool {
		assert.False(t, found)
		assert.Equal(t, "D1", d.ID)
		d.ElderID = "E1"
		d.Status = types.DeviceActive
		d.HeartRate = intp(72)
		d.Stamps.Claim(types.FieldHeartRate, at)
		return true
	})
	require.NoError(t, err)

	d, err := c.Device(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "E1", d.ElderID)
	assert.Equal(t, types.DeviceActive, d.Status)
	require.NotNil(t, d.HeartRate)
	assert.Equal(t, 72, *d.HeartRate)
	assert.True(t, d.Stamps[types.FieldHeartRate].Equal(at))
}

func TestCache_UpdateDevice_NoChangeSkipsWrite(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateDevice(ctx, "D1", func(*types.Device, bool) bool { return false }))

	_, err := c.Device(ctx, "D1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCache_UpdateDevice_SeesPreviousValue(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateDevice(ctx, "D1", func(d *types.Device, _ bool) bool {
		d.FirmwareVersion = "1.2.0"
		return true
	}))
	require.NoError(t, c.UpdateDevice(ctx, "D1", func(d *types.Device, found bool) bool {
		assert.True(t, found)
		assert.Equal(t, "1.2.0", d.FirmwareVersion)
		d.Status = types.DeviceInactive
		return true
	}))

	d, err := c.Device(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", d.FirmwareVersion)
	assert.Equal(t, types.DeviceInactive, d.Status)
}

// ── Elders and events ────────────────────────────────────────────────────────
func TestCache_UpdateElder_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateElder(ctx, "E1", func(e *types.Elder, _ bool) bool {
		e.Name = "Somchai"
		e.DeviceID = "D1"
		return true
	}))

	e, err := c.Elder(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "Somchai", e.Name)
	assert.Equal(t, "D1", e.DeviceID)
}

func TestCache_EventsByElder_NewestFirst(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		occurred := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, c.UpdateEvent(ctx, id, func(e *types.Event, _ bool) bool {
			e.ElderID = "E1"
			e.Type = types.EventTypeFall
			e.OccurredAt = occurred
			return true
		}))
	}
	require.NoError(t, c.UpdateEvent(ctx, "other", func(e *types.Event, _ bool) bool {
		e.ElderID = "E2"
		e.OccurredAt = base
		return true
	}))

	events, err := c.EventsByElder(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "ev-3", events[0].ID)
	assert.Equal(t, "ev-1", events[2].ID)
}

// ── Stale marks ──────────────────────────────────────────────────────────────
func TestCache_StaleMarks(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := store.EventsKey("E1")

	stale, err := c.IsStale(ctx, key)
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, c.MarkStale(ctx, key))
	require.NoError(t, c.MarkStale(ctx, key)) // idempotent

	stale, err = c.IsStale(ctx, key)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, c.ClearStale(ctx, key))
	stale, err = c.IsStale(ctx, key)
	require.NoError(t, err)
	assert.False(t, stale)
}
