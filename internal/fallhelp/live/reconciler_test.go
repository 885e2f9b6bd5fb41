package live_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallhelp/monitor/internal/fallhelp/live"
	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/store/memory"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

var (
	t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func newReconciler(t *testing.T, inv live.Invalidator) (*live.Reconciler, *memory.Cache) {
	t.Helper()
	cache := memory.New()
	r := live.NewReconciler(context.Background(), cache, inv, clock.NewMock(), zerolog.Nop())
	return r, cache
}

func statusPtr(s types.DeviceStatus) *types.DeviceStatus { return &s }
func strPtr(s string) *string { return &s }

func TestReconciler_HeartRateNewerWinsRegardlessOfArrival(t *testing.T) {
	r, cache := newReconciler(t, nil)

	r.Apply(types.HeartRateUpdate{DeviceID: "D1", HeartRate: 90, At: t2})
	r.Apply(types.HeartRateUpdate{DeviceID: "D1", HeartRate: 70, At: t1})

	d, err := cache.Device(context.Background(), "D1")
	require.NoError(t, err)
	require.NotNil(t, d.HeartRate)
	assert.Equal(t, 90, *d.HeartRate)
	assert.Equal(t, types.DeviceActive, d.Status)
	require.NotNil(t, d.LastOnline)
	assert.True(t, d.LastOnline.Equal(t2))
}

func TestReconciler_HeartRateMarksDeviceActive(t *testing.T) {
	r, cache := newReconciler(t, nil)
	ctx := context.Background()

	r.Apply(types.DeviceStatusUpdate{DeviceID: "D1", Status: statusPtr(types.DeviceInactive), At: t0})
	r.Apply(types.HeartRateUpdate{DeviceID: "D1", HeartRate: 64, At: t1})

	d, err := cache.Device(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceActive, d.Status)
}

func TestReconciler_HeartRateResolvesDeviceThroughElder(t *testing.T) {
	r, cache := newReconciler(t, nil)
	ctx := context.Background()

	require.NoError(t, cache.UpdateElder(ctx, "E1", func(e *types.Elder, _ bool) bool {
		e.DeviceID = "D9"
		return true
	}))

	r.Apply(types.HeartRateUpdate{ElderID: "E1", HeartRate: 101, At: t0})

	e, err := cache.Elder(ctx, "E1")
	require.NoError(t, err)
	require.NotNil(t, e.LastHeartRate)
	assert.Equal(t, 101, *e.LastHeartRate)

	d, err := cache.Device(ctx, "D9")
	require.NoError(t, err)
	require.NotNil(t, d.HeartRate)
	assert.Equal(t, 101, *d.HeartRate)
	assert.Equal(t, "E1", d.ElderID)
}

func TestReconciler_DeviceStatusIsPartial(t *testing.T) {
	r, cache := newReconciler(t, nil)
	ctx := context.Background()

	r.Apply(types.DeviceStatusUpdate{
		DeviceID:        "D1",
		FirmwareVersion: strPtr("2.0.1"),
		WifiSSID:        strPtr("home"),
		At:              t0,
	})
	online := t1
	r.Apply(types.DeviceStatusUpdate{
		DeviceID:   "D1",
		Status:     statusPtr(types.DeviceActive),
		LastOnline: &online,
		At:         t1,
	})

	d, err := cache.Device(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceActive, d.Status)
	assert.Equal(t, "2.0.1", d.FirmwareVersion)
	assert.Equal(t, "home", d.WifiSSID)
	require.NotNil(t, d.LastOnline)
	assert.True(t, d.LastOnline.Equal(t1))
}

func TestReconciler_OlderDeviceStatusIgnored(t *testing.T) {
	r, cache := newReconciler(t, nil)

	r.Apply(types.DeviceStatusUpdate{DeviceID: "D1", Status: statusPtr(types.DeviceInactive), At: t2})
	r.Apply(types.DeviceStatusUpdate{DeviceID: "D1", Status: statusPtr(types.DeviceActive), FirmwareVersion: strPtr("1.0"), At: t1})

	d, err := cache.Device(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceInactive, d.Status)
	// a field the newer event never touched still takes the older value
	assert.Equal(t, "1.0", d.FirmwareVersion)
}

func TestReconciler_EventStatusIsPartial(t *testing.T) {
	r, cache := newReconciler(t, nil)
	ctx := context.Background()

	r.Apply(types.FallDetected{EventID: "EV1", ElderID: "E1", DeviceID: "D1", At: t0})
	r.Apply(types.EventStatusChanged{EventID: "EV1", Notes: strPtr("checked on"), At: t1})
	confirmed := types.EventConfirmed
	r.Apply(types.EventStatusChanged{EventID: "EV1", Status: &confirmed, At: t2})

	resolved := types.EventResolved
	r.Apply(types.EventStatusChanged{EventID: "EV1", Status: &resolved, At: t1})

	ev, err := cache.Event(ctx, "EV1")
	require.NoError(t, err)
	assert.Equal(t, types.EventConfirmed, ev.Status)
	assert.Equal(t, "checked on", ev.Notes)
	assert.Equal(t, types.EventTypeFall, ev.Type)
	assert.Equal(t, "D1", ev.DeviceID)
}

func TestReconciler_UnknownEventStatusInvalidatesList(t *testing.T) {
	inv := newBlockingInvalidator()
	close(inv.release)
	r, cache := newReconciler(t, inv)

	confirmed := types.EventConfirmed
	r.Apply(types.EventStatusChanged{EventID: "EVX", ElderID: "E1", Status: &confirmed, At: t0})
	r.Wait()

	_, err := cache.Event(context.Background(), "EVX")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, inv.count(store.EventsKey("E1")))
}

func TestReconciler_DoubleFallDetectedInvalidatesOnce(t *testing.T) {
	inv := newBlockingInvalidator()
	r, cache := newReconciler(t, inv)
	ctx := context.Background()
	key := store.EventsKey("E1")

	r.Apply(types.FallDetected{EventID: "EV1", ElderID: "E1", At: t0})
	r.Apply(types.FallDetected{EventID: "EV2", ElderID: "E1", At: t1})

	require.Eventually(t, func() bool { return inv.count(key) == 1 }, waitFor, tick)
	stale, err := cache.IsStale(ctx, key)
	require.NoError(t, err)
	assert.True(t, stale)

	close(inv.release)
	r.Wait()

	assert.Equal(t, 1, inv.count(key))
	stale, err = cache.IsStale(ctx, key)
	require.NoError(t, err)
	assert.True(t, stale, "EV2 arrived after the re-fetch started")

	// once the first re-fetch is done a new fall fetches again
	r.Apply(types.FallDetected{EventID: "EV3", ElderID: "E1", At: t2})
	r.Wait()
	assert.Equal(t, 2, inv.count(key))
	stale, err = cache.IsStale(ctx, key)
	require.NoError(t, err)
	assert.False(t, stale, "re-fetch with no later invalidation clears the mark")

	evs, err := cache.EventsByElder(ctx, "E1")
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

func TestReconciler_HeartRateAlertRecordsAndInvalidates(t *testing.T) {
	inv := newBlockingInvalidator()
	close(inv.release)
	r, cache := newReconciler(t, inv)
	ctx := context.Background()

	r.Apply(types.HeartRateAlert{
		EventID: "EV7", ElderID: "E1", DeviceID: "D1",
		HeartRate: 140, Kind: types.EventTypeHeartRateHigh, At: t0,
	})
	r.Wait()

	d, err := cache.Device(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 140, *d.HeartRate)

	ev, err := cache.Event(ctx, "EV7")
	require.NoError(t, err)
	assert.Equal(t, types.EventTypeHeartRateHigh, ev.Type)
	assert.Equal(t, 140, *ev.HeartRate)

	assert.Equal(t, 1, inv.count(store.EventsKey("E1")))
}

func TestReconciler_HeartRateForUnknownElderFetchesIt(t *testing.T) {
	inv := newBlockingInvalidator()
	close(inv.release)
	r, cache := newReconciler(t, inv)
	ctx := context.Background()

	r.Apply(types.HeartRateUpdate{ElderID: "E5", DeviceID: "D5", HeartRate: 77, At: t0})
	r.Wait()

	_, err := cache.Elder(ctx, "E5")
	assert.ErrorIs(t, err, store.ErrNotFound, "no elder record from a partial update")
	assert.Equal(t, 1, inv.count(store.ElderKey("E5")))

	d, err := cache.Device(ctx, "D5")
	require.NoError(t, err)
	assert.Equal(t, 77, *d.HeartRate)
}

func TestReconciler_SystemMessageInvalidatesNotifications(t *testing.T) {
	inv := newBlockingInvalidator()
	close(inv.release)
	r, _ := newReconciler(t, inv)

	r.Apply(types.SystemMessage{ID: "M1", Message: "maintenance at 2am", At: t0})
	r.Wait()

	assert.Equal(t, 1, inv.count(store.NotificationsKey))
}

func TestReconciler_WithoutInvalidatorOnlyMarksStale(t *testing.T) {
	r, cache := newReconciler(t, nil)

	r.Apply(types.FallDetected{ElderID: "E1", At: t0})
	r.Wait()

	stale, err := cache.IsStale(context.Background(), store.EventsKey("E1"))
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestReconciler_HandleFrameDropsBadInput(t *testing.T) {
	r, cache := newReconciler(t, nil)

	r.HandleFrame(transport.Frame{Event: "who_knows"})
	r.HandleFrame(transport.Frame{Event: types.EventNameDeviceStatusUpdate, Data: []byte(`{"status":"online"}`)})
	r.HandleFrame(transport.Frame{Event: types.EventNameHeartRateUpdate, Data: []byte(`[1,2`)})

	f, err := transport.NewFrame(types.EventNameDeviceStatusUpdate, map[string]any{
		"deviceId": "D1", "batteryLevel": 55, "timestamp": t0.Format(time.RFC3339),
	})
	require.NoError(t, err)
	r.HandleFrame(f)

	d, err := cache.Device(context.Background(), "D1")
	require.NoError(t, err)
	require.NotNil(t, d.BatteryLevel)
	assert.Equal(t, 55, *d.BatteryLevel)
}
