package live

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

var (
	ErrNotConnected     = errors.New("live session not connected")
	ErrInvalidIdentity  = errors.New("identity needs a user id or an elder id")
	ErrIdentityRejected = errors.New("identity rejected by server")
)

// Close reasons reported with SessionClose.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonAuthRejected     = "auth rejected"
)

type SessionEventKind int

const (
	SessionOpen SessionEventKind = iota
	SessionClose
	SessionError
	SessionMessage
	SessionReconnecting
	SessionSignal
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionOpen:
		return "open"
	case SessionClose:
		return "close"
	case SessionError:
		return "error"
	case SessionMessage:
		return "message"
	case SessionReconnecting:
		return "reconnecting"
	case SessionSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// SessionEvent is one lifecycle notification from a Session.  SessionID lets
// the consumer ignore stragglers from a session it already replaced.
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID string
	Reason    string
	Err       error
	Frame     transport.Frame
	Attempt   int
}

// SessionConfig is the reconnect policy.
type SessionConfig struct {
	InitialBackoff time.Duration // default 1s
	MaxBackoff     time.Duration // default 30s
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Session holds one identity's connection and keeps redialling it with
// exponential backoff until closed.
type Session struct {
	id       string
	identity types.Identity
	dialer   transport.Dialer
	cfg      SessionConfig
	clock    clock.Clock
	emit     func(SessionEvent)
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	conn       transport.Conn
	dropReason string
	redialNow  bool
}

func newSession(
	parent context.Context,
	identity types.Identity,
	dialer transport.Dialer,
	cfg SessionConfig,
	clk clock.Clock,
	emit func(SessionEvent),
	log zerolog.Logger,
) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:       id,
		identity: identity,
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		emit:     emit,
		log:      log.With().Str("session_id", id).Str("identity", identity.String()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Identity() types.Identity { return s.identity }

// Open reports whether a connection is currently established.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) start() { go s.run() }

// Close tears the session down without waiting; use Wait for that.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (s *Session) Wait() { <-s.done }

// Send writes one frame.  It never queues: without an open connection the
// frame is dropped and ErrNotConnected returned.
func (s *Session) Send(f transport.Frame) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.WriteFrame(f)
}

// Ping asks the peer for a reply when the connection supports it.  The
// write happens off the caller's goroutine; the reply comes back as a
// SessionSignal.
func (s *Session) Ping() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	p, ok := c.(transport.Pinger)
	if !ok {
		return
	}
	go func() {
		if err := p.Ping(); err != nil {
			s.log.Debug().Err(err).Msg("ping failed")
		}
	}()
}

// Drop closes the current connection so that the session redials at once
// with a fresh backoff.  It returns false, and does nothing, when no
// connection is open, i.e. a reconnect is already under way.
func (s *Session) Drop(reason string) bool {
	s.mu.Lock()
	c := s.conn
	if c == nil || s.redialNow {
		s.mu.Unlock()
		return false
	}
	s.dropReason = reason
	s.redialNow = true
	s.mu.Unlock()

	_ = c.Close()
	return true
}

func (s *Session) run() {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.emit(SessionEvent{Kind: SessionReconnecting, SessionID: s.id, Attempt: attempt})
			if !s.sleep(s.nextWait(b)) {
				return
			}
		}

		conn, err := s.dialer.Dial(s.ctx, s.identity)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("dial failed")
			s.emit(SessionEvent{Kind: SessionError, SessionID: s.id, Err: err, Attempt: attempt})
			continue
		}

		if !s.setConn(conn) {
			_ = conn.Close()
			return
		}
		if sig, ok := conn.(transport.Signaler); ok {
			sig.OnSignal(s.signal)
		}
		b.Reset()
		attempt = 0

		s.emit(SessionEvent{Kind: SessionOpen, SessionID: s.id})
		reason := s.readLoop(conn)
		s.clearConn()

		if s.ctx.Err() != nil {
			return
		}
		s.log.Info().Str("reason", reason).Msg("connection closed")
		s.emit(SessionEvent{Kind: SessionClose, SessionID: s.id, Reason: reason})
	}
}

func (s *Session) readLoop(conn transport.Conn) string {
	for {
		f, err := conn.ReadFrame()
		if err == nil {
			s.emit(SessionEvent{Kind: SessionMessage, SessionID: s.id, Frame: f})
			continue
		}
		if errors.Is(err, transport.ErrBadFrame) {
			s.log.Warn().Err(err).Msg("dropping unreadable frame")
			s.signal()
			continue
		}

		_ = conn.Close()

		s.mu.Lock()
		reason := s.dropReason
		s.mu.Unlock()
		switch {
		case reason != "":
			return reason
		case errors.Is(err, transport.ErrConnClosed):
			return ReasonTransportClose
		default:
			s.log.Debug().Err(err).Msg("read failed")
			return ReasonTransportError
		}
	}
}

// signal reports inbound traffic that carries no frame.
func (s *Session) signal() {
	s.emit(SessionEvent{Kind: SessionSignal, SessionID: s.id})
}

// setConn publishes conn unless the session was closed meanwhile.
func (s *Session) setConn(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	s.dropReason = ""
	return true
}

func (s *Session) clearConn() {
	s.mu.Lock()
	s.conn = nil
	s.dropReason = ""
	s.mu.Unlock()
}

func (s *Session) nextWait(b *backoff.ExponentialBackOff) time.Duration {
	s.mu.Lock()
	forced := s.redialNow
	s.redialNow = false
	s.mu.Unlock()
	if forced {
		b.Reset()
		return 0
	}
	return b.NextBackOff()
}

func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
