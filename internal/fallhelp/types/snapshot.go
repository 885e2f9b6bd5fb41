package types

import "time"

// MergeSnapshot folds a server snapshot taken at `at` into d.  Fields the
// snapshot leaves empty are kept, and no field stamped later than the
// snapshot is replaced.  It reports whether any field was claimed.
func (d *Device) MergeSnapshot(s Device, at time.Time) bool {
	changed := false
	if s.ElderID != "" && d.Stamps.Claim(FieldElderID, at) {
		d.ElderID, changed = s.ElderID, true
	}
	if s.Status != "" && d.Stamps.Claim(FieldStatus, at) {
		d.Status, changed = s.Status, true
	}
	if s.HeartRate != nil && d.Stamps.Claim(FieldHeartRate, at) {
		d.HeartRate, changed = cloneInt(s.HeartRate), true
	}
	if s.LastOnline != nil && d.Stamps.Claim(FieldLastOnline, at) {
		d.LastOnline, changed = cloneTime(s.LastOnline), true
	}
	if s.FirmwareVersion != "" && d.Stamps.Claim(FieldFirmwareVersion, at) {
		d.FirmwareVersion, changed = s.FirmwareVersion, true
	}
	if s.BatteryLevel != nil && d.Stamps.Claim(FieldBatteryLevel, at) {
		d.BatteryLevel, changed = cloneInt(s.BatteryLevel), true
	}
	if s.WifiSSID != "" && d.Stamps.Claim(FieldWifiSSID, at) {
		d.WifiSSID, changed = s.WifiSSID, true
	}
	return changed
}

func (e *Elder) MergeSnapshot(s Elder, at time.Time) bool {
	changed := false
	if s.Name != "" && e.Stamps.Claim(FieldName, at) {
		e.Name, changed = s.Name, true
	}
	if s.DeviceID != "" && e.Stamps.Claim(FieldDeviceID, at) {
		e.DeviceID, changed = s.DeviceID, true
	}
	if s.LastHeartRate != nil && e.Stamps.Claim(FieldHeartRate, at) {
		e.LastHeartRate, changed = cloneInt(s.LastHeartRate), true
	}
	return changed
}

func (e *Event) MergeSnapshot(s Event, at time.Time) bool {
	changed := false
	if s.ElderID != "" && e.Stamps.Claim(FieldElderID, at) {
		e.ElderID, changed = s.ElderID, true
	}
	if s.DeviceID != "" && e.Stamps.Claim(FieldDeviceID, at) {
		e.DeviceID, changed = s.DeviceID, true
	}
	if s.Type != "" && e.Stamps.Claim(FieldType, at) {
		e.Type, changed = s.Type, true
	}
	if s.Status != "" && e.Stamps.Claim(FieldStatus, at) {
		e.Status, changed = s.Status, true
	}
	if s.HeartRate != nil && e.Stamps.Claim(FieldHeartRate, at) {
		e.HeartRate, changed = cloneInt(s.HeartRate), true
	}
	if !s.OccurredAt.IsZero() && e.Stamps.Claim(FieldOccurredAt, at) {
		e.OccurredAt, changed = s.OccurredAt.UTC(), true
	}
	if s.Notes != "" && e.Stamps.Claim(FieldNotes, at) {
		e.Notes, changed = s.Notes, true
	}
	return changed
}
