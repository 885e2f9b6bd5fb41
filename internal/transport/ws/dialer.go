// Package ws implements transport.Dialer over gorilla/websocket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second

	// maxFrameBytes caps one inbound frame.  Domain events are well under
	// 1 KiB; system messages can carry a little text.
	maxFrameBytes = 64 << 10
)

type Config struct {
	// URL is the live endpoint, e.g. "wss://api.fallhelp.app/live".
	URL string

	// Token is sent as a bearer token on the upgrade request.
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial upgrades to a websocket.  The identity travels as query parameters
// so the server can route before the authenticate event arrives.
func (d *Dialer) Dial(ctx context.Context, identity types.Identity) (transport.Conn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse live url")
	}
	q := u.Query()
	identity = identity.Normalize()
	if identity.UserID != "" {
		q.Set("userId", identity.UserID)
	}
	if identity.ElderID != "" {
		q.Set("elderId", identity.ElderID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	c, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", u.Host)
	}
	c.SetReadLimit(maxFrameBytes)

	cn := &conn{ws: c, writeTimeout: d.cfg.WriteTimeout}
	c.SetPingHandler(func(data string) error {
		cn.signal()
		_ = c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cn.writeTimeout))
		return nil
	})
	c.SetPongHandler(func(string) error {
		cn.signal()
		return nil
	})
	return cn, nil
}

type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	// gorilla allows one concurrent writer.
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	onSignal atomic.Pointer[func()]
}

var (
	_ transport.Signaler = (*conn)(nil)
	_ transport.Pinger   = (*conn)(nil)
)

// OnSignal registers fn for every ping or pong the peer sends.
func (c *conn) OnSignal(fn func()) { c.onSignal.Store(&fn) }

func (c *conn) signal() {
	if fn := c.onSignal.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
}

// Ping sends a websocket ping; the pong arrives through OnSignal while
// ReadFrame is running.
func (c *conn) Ping() error {
	return errors.Wrap(
		c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)),
		"write ping",
	)
}

func (c *conn) ReadFrame() (transport.Frame, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return transport.Frame{}, transport.ErrConnClosed
		}
		return transport.Frame{}, errors.Wrap(err, "read frame")
	}

	var f transport.Frame
	if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
		return transport.Frame{}, errors.Wrapf(transport.ErrBadFrame, "%d bytes", len(msg))
	}
	return f, nil
}

func (c *conn) WriteFrame(f transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return errors.Wrapf(c.ws.WriteJSON(f), "write %s", f.Event)
}

// Close sends a close frame (best effort) and closes the socket.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
