package live

import (
	"time"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// The merge functions below are pure: each folds one event into one cached
// entity, field by field, and reports whether anything was claimed.  A field
// stamped later than the event is left alone.

// mergeDeviceHeartRate applies a heart-rate reading.  A reading is itself
// proof that the device is online.
func mergeDeviceHeartRate(d *types.Device, elderID string, rate int, at time.Time) bool {
	changed := false
	if d.Stamps.Claim(types.FieldHeartRate, at) {
		d.HeartRate, changed = intPtr(rate), true
	}
	if d.Stamps.Claim(types.FieldStatus, at) {
		d.Status, changed = types.DeviceActive, true
	}
	if d.Stamps.Claim(types.FieldLastOnline, at) {
		t := at.UTC()
		d.LastOnline, changed = &t, true
	}
	if d.ElderID == "" && elderID != "" && d.Stamps.Claim(types.FieldElderID, at) {
		d.ElderID, changed = elderID, true
	}
	return changed
}

func mergeElderHeartRate(e *types.Elder, deviceID string, rate int, at time.Time) bool {
	changed := false
	if e.Stamps.Claim(types.FieldHeartRate, at) {
		e.LastHeartRate, changed = intPtr(rate), true
	}
	if e.DeviceID == "" && deviceID != "" && e.Stamps.Claim(types.FieldDeviceID, at) {
		e.DeviceID, changed = deviceID, true
	}
	return changed
}

// mergeDeviceStatus touches only the fields present in ev.
func mergeDeviceStatus(d *types.Device, ev types.DeviceStatusUpdate) bool {
	changed := false
	if ev.Status != nil && d.Stamps.Claim(types.FieldStatus, ev.At) {
		d.Status, changed = *ev.Status, true
	}
	if ev.LastOnline != nil && d.Stamps.Claim(types.FieldLastOnline, ev.At) {
		t := ev.LastOnline.UTC()
		d.LastOnline, changed = &t, true
	}
	if ev.FirmwareVersion != nil && d.Stamps.Claim(types.FieldFirmwareVersion, ev.At) {
		d.FirmwareVersion, changed = *ev.FirmwareVersion, true
	}
	if ev.BatteryLevel != nil && d.Stamps.Claim(types.FieldBatteryLevel, ev.At) {
		d.BatteryLevel, changed = intPtr(*ev.BatteryLevel), true
	}
	if ev.WifiSSID != nil && d.Stamps.Claim(types.FieldWifiSSID, ev.At) {
		d.WifiSSID, changed = *ev.WifiSSID, true
	}
	return changed
}

// mergeEventStatus touches only the fields present in ev.
func mergeEventStatus(e *types.Event, ev types.EventStatusChanged) bool {
	changed := false
	if ev.Status != nil && e.Stamps.Claim(types.FieldStatus, ev.At) {
		e.Status, changed = *ev.Status, true
	}
	if ev.Notes != nil && e.Stamps.Claim(types.FieldNotes, ev.At) {
		e.Notes, changed = *ev.Notes, true
	}
	if e.ElderID == "" && ev.ElderID != "" && e.Stamps.Claim(types.FieldElderID, ev.At) {
		e.ElderID, changed = ev.ElderID, true
	}
	return changed
}

// recordEvent seeds a cached alert record the first time it is seen.  An
// existing record is never overwritten from the live path; the re-fetch
// brings it up to date.
func recordEvent(e *types.Event, found bool, seed types.Event) bool {
	if found {
		return false
	}
	at := seed.OccurredAt
	e.ElderID = seed.ElderID
	e.DeviceID = seed.DeviceID
	e.Type = seed.Type
	e.Status = seed.Status
	e.HeartRate = seed.HeartRate
	e.OccurredAt = at.UTC()
	for _, f := range []string{types.FieldElderID, types.FieldDeviceID, types.FieldType, types.FieldStatus, types.FieldOccurredAt} {
		e.Stamps.Claim(f, at)
	}
	if seed.HeartRate != nil {
		e.Stamps.Claim(types.FieldHeartRate, at)
	}
	return true
}

func intPtr(v int) *int { return &v }
