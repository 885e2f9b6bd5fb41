package resync

import (
	"strings"
	"time"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Wire shapes of the REST API.  Only fields the cache keeps are decoded.

type DeviceSnapshot struct {
	ID              string     `json:"id"`
	ElderID         string     `json:"elderId"`
	Status          string     `json:"status"`
	HeartRate       *int       `json:"heartRate"`
	LastOnline      *time.Time `json:"lastOnline"`
	FirmwareVersion string     `json:"firmwareVersion"`
	BatteryLevel    *int       `json:"batteryLevel"`
	WifiSSID        string     `json:"wifiSsid"`
	UpdatedAt       *time.Time `json:"updatedAt"`
}

type ElderSnapshot struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	DeviceID      string          `json:"deviceId"`
	LastHeartRate *int            `json:"lastHeartRate"`
	Device        *DeviceSnapshot `json:"device"`
	UpdatedAt     *time.Time      `json:"updatedAt"`
}

type EventSnapshot struct {
	ID        string     `json:"id"`
	ElderID   string     `json:"elderId"`
	DeviceID  string     `json:"deviceId"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	HeartRate *int       `json:"heartRate"`
	Timestamp time.Time  `json:"timestamp"`
	Notes     string     `json:"notes"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

func (s DeviceSnapshot) toDevice() types.Device {
	return types.Device{
		ID:              s.ID,
		ElderID:         s.ElderID,
		Status:          deviceStatus(s.Status),
		HeartRate:       s.HeartRate,
		LastOnline:      s.LastOnline,
		FirmwareVersion: s.FirmwareVersion,
		BatteryLevel:    s.BatteryLevel,
		WifiSSID:        s.WifiSSID,
	}
}

func (s ElderSnapshot) toElder() types.Elder {
	deviceID := s.DeviceID
	if deviceID == "" && s.Device != nil {
		deviceID = s.Device.ID
	}
	return types.Elder{
		ID:            s.ID,
		Name:          s.Name,
		DeviceID:      deviceID,
		LastHeartRate: s.LastHeartRate,
	}
}

func (s EventSnapshot) toEvent() types.Event {
	return types.Event{
		ID:         s.ID,
		ElderID:    s.ElderID,
		DeviceID:   s.DeviceID,
		Type:       types.EventType(strings.ToUpper(s.Type)),
		Status:     types.EventStatus(strings.ToUpper(s.Status)),
		HeartRate:  s.HeartRate,
		OccurredAt: s.Timestamp,
		Notes:      s.Notes,
	}
}

func deviceStatus(raw string) types.DeviceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "online":
		return types.DeviceActive
	case "inactive", "offline":
		return types.DeviceInactive
	}
	return ""
}

// stampOf is the time a snapshot speaks for: the server's updatedAt.  A
// snapshot without one gets the zero stamp, so it only fills fields no
// server-timed write has claimed yet.  The local clock never takes part.
func stampOf(updatedAt *time.Time) time.Time {
	if updatedAt != nil && !updatedAt.IsZero() {
		return updatedAt.UTC()
	}
	return time.Time{}
}
