package httpapi

import (
	"time"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

type Status struct {
	State      types.ConnectionState `json:"state"`
	Identity   *types.Identity       `json:"identity,omitempty"`
	SessionID  string                `json:"sessionId,omitempty"`
	LastSignal *time.Time            `json:"lastSignal,omitempty"`
	ServerTime time.Time             `json:"serverTime"`
}

type DeviceView struct {
	Device types.Device `json:"device"`
	Stale  bool         `json:"stale"`
}

type ElderView struct {
	Elder       types.Elder   `json:"elder"`
	Events      []types.Event `json:"events"`
	EventsStale bool          `json:"eventsStale"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
