package types

import "time"

// Wire names of the named events pushed by the live server.
const (
	EventNameAuthenticate       = "authenticate"
	EventNameAuthenticated      = "authenticated"
	EventNameHeartRateUpdate    = "heart_rate_update"
	EventNameHeartRateAlert     = "heart_rate_alert"
	EventNameFallDetected       = "fall_detected"
	EventNameDeviceStatusUpdate = "device_status_update"
	EventNameEventStatusChanged = "event_status_changed"
	EventNameSystemMessage      = "system_message"
)

// DomainEvent is one of the variants below.  The set is closed: only types
// in this package implement it.
type DomainEvent interface {
	Name() string
	EntityID() string
	Timestamp() time.Time
	isDomainEvent()
}

type HeartRateUpdate struct {
	ElderID   string
	DeviceID  string
	HeartRate int
	At        time.Time
}

type HeartRateAlert struct {
	EventID   string
	ElderID   string
	DeviceID  string
	HeartRate int
	Kind      EventType
	At        time.Time
}

type FallDetected struct {
	EventID  string
	ElderID  string
	DeviceID string
	At       time.Time
}

// DeviceStatusUpdate is a partial update: nil fields were absent from the
// payload and must be left untouched.
type DeviceStatusUpdate struct {
	DeviceID        string
	Status          *DeviceStatus
	LastOnline      *time.Time
	FirmwareVersion *string
	BatteryLevel    *int
	WifiSSID        *string
	At              time.Time
}

// EventStatusChanged is a partial update of a cached Event.
type EventStatusChanged struct {
	EventID string
	ElderID string
	Status  *EventStatus
	Notes   *string
	At      time.Time
}

type SystemMessage struct {
	ID      string
	Level   string
	Message string
	At      time.Time
}

func (e HeartRateUpdate) Name() string { return EventNameHeartRateUpdate }
func (e HeartRateUpdate) EntityID() string { return firstNonEmpty(e.DeviceID, e.ElderID) }
func (e HeartRateUpdate) Timestamp() time.Time { return e.At }
func (HeartRateUpdate) isDomainEvent() {}

func (e HeartRateAlert) Name() string { return EventNameHeartRateAlert }
func (e HeartRateAlert) EntityID() string { return firstNonEmpty(e.DeviceID, e.ElderID) }
func (e HeartRateAlert) Timestamp() time.Time { return e.At }
func (HeartRateAlert) isDomainEvent() {}

func (e FallDetected) Name() string { return EventNameFallDetected }
func (e FallDetected) EntityID() string { return e.ElderID }
func (e FallDetected) Timestamp() time.Time { return e.At }
func (FallDetected) isDomainEvent() {}

func (e DeviceStatusUpdate) Name() string { return EventNameDeviceStatusUpdate }
func (e DeviceStatusUpdate) EntityID() string { return e.DeviceID }
func (e DeviceStatusUpdate) Timestamp() time.Time { return e.At }
func (DeviceStatusUpdate) isDomainEvent() {}

func (e EventStatusChanged) Name() string { return EventNameEventStatusChanged }
func (e EventStatusChanged) EntityID() string { return e.EventID }
func (e EventStatusChanged) Timestamp() time.Time { return e.At }
func (EventStatusChanged) isDomainEvent() {}

func (e SystemMessage) Name() string { return EventNameSystemMessage }
func (e SystemMessage) EntityID() string { return e.ID }
func (e SystemMessage) Timestamp() time.Time { return e.At }
func (SystemMessage) isDomainEvent() {}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
