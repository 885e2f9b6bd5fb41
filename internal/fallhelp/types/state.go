package types

import "time"

// ConnectionState is the health of the live connection as seen by the UI.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
	StateConnected    ConnectionState = "connected"
)

func (s ConnectionState) String() string { return string(s) }

// Valid reports whether s is one of the three published states.
func (s ConnectionState) Valid() bool {
	switch s {
	case StateDisconnected, StateReconnecting, StateConnected:
		return true
	}
	return false
}

// Transition is published to observers once per state change.
type Transition struct {
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}
