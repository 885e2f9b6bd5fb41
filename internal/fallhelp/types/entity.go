package types

import "time"

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "ACTIVE"
	DeviceInactive DeviceStatus = "INACTIVE"
)

type EventType string

const (
	EventTypeFall          EventType = "FALL"
	EventTypeHeartRateHigh EventType = "HEART_RATE_HIGH"
	EventTypeHeartRateLow  EventType = "HEART_RATE_LOW"
)

type EventStatus string

const (
	EventDetected   EventStatus = "DETECTED"
	EventConfirmed  EventStatus = "CONFIRMED"
	EventFalseAlarm EventStatus = "FALSE_ALARM"
	EventResolved   EventStatus = "RESOLVED"
)

// Field names used as keys in Stamps.
const (
	FieldElderID         = "elderId"
	FieldDeviceID        = "deviceId"
	FieldName            = "name"
	FieldStatus          = "status"
	FieldHeartRate       = "heartRate"
	FieldLastOnline      = "lastOnline"
	FieldFirmwareVersion = "firmwareVersion"
	FieldBatteryLevel    = "batteryLevel"
	FieldWifiSSID        = "wifiSsid"
	FieldType            = "type"
	FieldOccurredAt      = "occurredAt"
	FieldNotes           = "notes"
)

// Stamps records, per field, the source time of the value currently cached.
// A write carrying an older time than the stamp must not replace the field.
type Stamps map[string]time.Time

// Claim stamps field with at and reports true, unless the field already
// carries a newer stamp.  Equal stamps are claimable so that, on a tie, the
// later arrival wins.
func (s *Stamps) Claim(field string, at time.Time) bool {
	if *s == nil {
		*s = make(Stamps)
	}
	if cur, ok := (*s)[field]; ok && at.Before(cur) {
		return false
	}
	(*s)[field] = at.UTC()
	return true
}

func (s Stamps) Clone() Stamps {
	if s == nil {
		return nil
	}
	out := make(Stamps, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Latest returns the newest stamp, or the zero time.
func (s Stamps) Latest() time.Time {
	var latest time.Time
	for _, v := range s {
		if v.After(latest) {
			latest = v
		}
	}
	return latest
}

type Device struct {
	ID              string       `json:"id"`
	ElderID         string       `json:"elderId,omitempty"`
	Status          DeviceStatus `json:"status,omitempty"`
	HeartRate       *int         `json:"heartRate,omitempty"`
	LastOnline      *time.Time   `json:"lastOnline,omitempty"`
	FirmwareVersion string       `json:"firmwareVersion,omitempty"`
	BatteryLevel    *int         `json:"batteryLevel,omitempty"`
	WifiSSID        string       `json:"wifiSsid,omitempty"`
	Stamps          Stamps       `json:"stamps,omitempty"`
}

func (d Device) Clone() Device {
	out := d
	out.HeartRate = cloneInt(d.HeartRate)
	out.BatteryLevel = cloneInt(d.BatteryLevel)
	out.LastOnline = cloneTime(d.LastOnline)
	out.Stamps = d.Stamps.Clone()
	return out
}

type Elder struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	LastHeartRate *int   `json:"lastHeartRate,omitempty"`
	Stamps        Stamps `json:"stamps,omitempty"`
}

func (e Elder) Clone() Elder {
	out := e
	out.LastHeartRate = cloneInt(e.LastHeartRate)
	out.Stamps = e.Stamps.Clone()
	return out
}

// Event is a cached fall or heart-rate alert record.
type Event struct {
	ID         string      `json:"id"`
	ElderID    string      `json:"elderId,omitempty"`
	DeviceID   string      `json:"deviceId,omitempty"`
	Type       EventType   `json:"type,omitempty"`
	Status     EventStatus `json:"status,omitempty"`
	HeartRate  *int        `json:"heartRate,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
	Notes      string      `json:"notes,omitempty"`
	Stamps     Stamps      `json:"stamps,omitempty"`
}

func (e Event) Clone() Event {
	out := e
	out.HeartRate = cloneInt(e.HeartRate)
	out.Stamps = e.Stamps.Clone()
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
