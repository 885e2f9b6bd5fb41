package live

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// stamp is a wire timestamp: an ISO-8601 string or epoch milliseconds.
type stamp struct {
	t   time.Time
	set bool
}

func (s *stamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		t, err := parseTime(raw)
		if err != nil {
			return err
		}
		s.t, s.set = t, true
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "timestamp %s", b)
	}
	s.t, s.set = time.UnixMilli(ms).UTC(), true
	return nil
}

func (s stamp) ptr() *time.Time {
	if !s.set {
		return nil
	}
	t := s.t
	return &t
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unparseable timestamp %q", raw)
}

type heartRatePayload struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId"`
	ElderID   string `json:"elderId"`
	DeviceID  string `json:"deviceId"`
	HeartRate *int   `json:"heartRate"`
	Type      string `json:"type"`
	Timestamp stamp  `json:"timestamp"`
}

type fallPayload struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId"`
	ElderID   string `json:"elderId"`
	DeviceID  string `json:"deviceId"`
	Timestamp stamp  `json:"timestamp"`
}

type deviceStatusPayload struct {
	DeviceID        string  `json:"deviceId"`
	Status          *string `json:"status"`
	LastOnline      stamp   `json:"lastOnline"`
	FirmwareVersion *string `json:"firmwareVersion"`
	BatteryLevel    *int    `json:"batteryLevel"`
	WifiSSID        *string `json:"wifiSsid"`
	Timestamp       stamp   `json:"timestamp"`
}

type eventStatusPayload struct {
	ID        string  `json:"id"`
	EventID   string  `json:"eventId"`
	ElderID   string  `json:"elderId"`
	Status    *string `json:"status"`
	Notes     *string `json:"notes"`
	Timestamp stamp   `json:"timestamp"`
}

type systemMessagePayload struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp stamp  `json:"timestamp"`
}

// DecodeEvent turns an inbound frame into a DomainEvent.  receivedAt stands
// in for the timestamp of payloads that may legitimately omit one.
//
// Errors wrap ErrUnknownEvent or ErrMalformedEvent.
func DecodeEvent(f transport.Frame, receivedAt time.Time) (types.DomainEvent, error) {
	switch f.Event {
	case types.EventNameHeartRateUpdate:
		var p heartRatePayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		if p.ElderID == "" && p.DeviceID == "" {
			return nil, malformed(f, "no elderId or deviceId")
		}
		if p.HeartRate == nil {
			return nil, malformed(f, "no heartRate")
		}
		if !p.Timestamp.set {
			return nil, malformed(f, "no timestamp")
		}
		return types.HeartRateUpdate{
			ElderID:   p.ElderID,
			DeviceID:  p.DeviceID,
			HeartRate: *p.HeartRate,
			At:        p.Timestamp.t,
		}, nil

	case types.EventNameHeartRateAlert:
		var p heartRatePayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		if p.ElderID == "" && p.DeviceID == "" {
			return nil, malformed(f, "no elderId or deviceId")
		}
		if p.HeartRate == nil {
			return nil, malformed(f, "no heartRate")
		}
		if !p.Timestamp.set {
			return nil, malformed(f, "no timestamp")
		}
		kind := types.EventType(strings.ToUpper(p.Type))
		switch kind {
		case types.EventTypeHeartRateHigh, types.EventTypeHeartRateLow:
		case "":
			kind = types.EventTypeHeartRateHigh
		default:
			return nil, malformed(f, "alert type "+p.Type)
		}
		return types.HeartRateAlert{
			EventID:   firstOf(p.EventID, p.ID),
			ElderID:   p.ElderID,
			DeviceID:  p.DeviceID,
			HeartRate: *p.HeartRate,
			Kind:      kind,
			At:        p.Timestamp.t,
		}, nil

	case types.EventNameFallDetected:
		var p fallPayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		if p.ElderID == "" {
			return nil, malformed(f, "no elderId")
		}
		if !p.Timestamp.set {
			return nil, malformed(f, "no timestamp")
		}
		return types.FallDetected{
			EventID:  firstOf(p.EventID, p.ID),
			ElderID:  p.ElderID,
			DeviceID: p.DeviceID,
			At:       p.Timestamp.t,
		}, nil

	case types.EventNameDeviceStatusUpdate:
		var p deviceStatusPayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		if p.DeviceID == "" {
			return nil, malformed(f, "no deviceId")
		}
		ev := types.DeviceStatusUpdate{
			DeviceID:        p.DeviceID,
			LastOnline:      p.LastOnline.ptr(),
			FirmwareVersion: p.FirmwareVersion,
			BatteryLevel:    p.BatteryLevel,
			WifiSSID:        p.WifiSSID,
		}
		if p.Status != nil {
			st, ok := parseDeviceStatus(*p.Status)
			if !ok {
				return nil, malformed(f, "device status "+*p.Status)
			}
			ev.Status = &st
		}
		switch {
		case p.Timestamp.set:
			ev.At = p.Timestamp.t
		case p.LastOnline.set:
			ev.At = p.LastOnline.t
		default:
			return nil, malformed(f, "no timestamp or lastOnline")
		}
		return ev, nil

	case types.EventNameEventStatusChanged:
		var p eventStatusPayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		id := firstOf(p.EventID, p.ID)
		if id == "" {
			return nil, malformed(f, "no eventId")
		}
		if !p.Timestamp.set {
			return nil, malformed(f, "no timestamp")
		}
		ev := types.EventStatusChanged{
			EventID: id,
			ElderID: p.ElderID,
			Notes:   p.Notes,
			At:      p.Timestamp.t,
		}
		if p.Status != nil {
			st := types.EventStatus(strings.ToUpper(strings.TrimSpace(*p.Status)))
			if st == "" {
				return nil, malformed(f, "empty status")
			}
			ev.Status = &st
		}
		return ev, nil

	case types.EventNameSystemMessage:
		var p systemMessagePayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		at := receivedAt.UTC()
		if p.Timestamp.set {
			at = p.Timestamp.t
		}
		return types.SystemMessage{
			ID:      p.ID,
			Level:   firstOf(p.Level, p.Type),
			Message: p.Message,
			At:      at,
		}, nil
	}

	return nil, errors.Wrapf(ErrUnknownEvent, "%q", f.Event)
}

func unmarshalPayload(f transport.Frame, dst any) error {
	if len(bytes.TrimSpace(f.Data)) == 0 {
		return malformed(f, "empty payload")
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return errors.Wrapf(ErrMalformedEvent, "%s: %v", f.Event, err)
	}
	return nil
}

func malformed(f transport.Frame, why string) error {
	return errors.Wrapf(ErrMalformedEvent, "%s: %s", f.Event, why)
}

func parseDeviceStatus(raw string) (types.DeviceStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online", "active":
		return types.DeviceActive, true
	case "offline", "inactive":
		return types.DeviceInactive, true
	}
	return "", false
}

func firstOf(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
