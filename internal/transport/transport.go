// Package transport defines the duplex connection the live session runs on.
// Frames are socket-style named events: {"event": "...", "data": {...}}.
package transport

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// ErrConnClosed is returned by ReadFrame when the peer closed the connection
// cleanly.  Any other read error is a transport failure.
var ErrConnClosed = errors.New("connection closed by peer")

// ErrBadFrame is returned by ReadFrame for a message that is not a valid
// frame.  The connection is still usable.
var ErrBadFrame = errors.New("bad frame")

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload as the frame's data.  A nil payload yields a
// frame without data.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "marshal %s payload", event)
	}
	f.Data = b
	return f, nil
}

// Conn is one established connection.  ReadFrame is called from a single
// goroutine; WriteFrame and Close may be called from any goroutine.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

// Signaler is implemented by connections that see traffic below the frame
// level, such as websocket pings and pongs.  fn runs on the goroutine that
// calls ReadFrame and must not block.
type Signaler interface {
	OnSignal(fn func())
}

// Pinger is implemented by connections that can ask the peer for a reply
// without sending a frame.
type Pinger interface {
	Ping() error
}

// Dialer opens a Conn for identity.  Reconnection is the caller's business;
// a Dialer makes exactly one attempt per call.
type Dialer interface {
	Dial(ctx context.Context, identity types.Identity) (Conn, error)
}
