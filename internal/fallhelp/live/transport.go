package live

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

// Transport owns the process's single live session.  It decides when a
// session is replaced and remembers identities the server turned away.
type Transport struct {
	dialer transport.Dialer
	cfg    SessionConfig
	clock  clock.Clock
	emit   func(SessionEvent)
	log    zerolog.Logger

	ctx context.Context

	mu       sync.Mutex
	cur      *Session
	retired  []*Session
	rejected map[types.Identity]struct{}
}

func NewTransport(
	ctx context.Context,
	dialer transport.Dialer,
	cfg SessionConfig,
	clk clock.Clock,
	emit func(SessionEvent),
	log zerolog.Logger,
) *Transport {
	if clk == nil {
		clk = clock.New()
	}
	return &Transport{
		dialer:   dialer,
		cfg:      cfg,
		clock:    clk,
		emit:     emit,
		log:      log,
		ctx:      ctx,
		rejected: make(map[types.Identity]struct{}),
	}
}

// Connect starts a session for identity.  Connecting again with the identity
// already in use is a no-op; a different identity replaces the session.
// An identity the server rejected stays rejected.
func (t *Transport) Connect(identity types.Identity) (changed bool, err error) {
	identity = identity.Normalize()
	if identity.IsZero() {
		return false, ErrInvalidIdentity
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rejected[identity]; ok {
		return false, ErrIdentityRejected
	}
	if t.cur != nil && t.cur.Identity() == identity {
		return false, nil
	}

	if t.cur != nil {
		t.log.Info().
			Str("from", t.cur.Identity().String()).
			Str("to", identity.String()).
			Msg("identity changed, replacing live session")
		t.retireLocked()
	}

	t.cur = newSession(t.ctx, identity, t.dialer, t.cfg, t.clock, t.emit, t.log)
	t.cur.start()
	return true, nil
}

// Send marshals payload into a frame and writes it on the current
// connection.  Failures are logged and returned; nothing is queued.
func (t *Transport) Send(event string, payload any) error {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()

	if s == nil {
		t.log.Warn().Str("event", event).Msg("send without session, dropped")
		return ErrNotConnected
	}

	f, err := transport.NewFrame(event, payload)
	if err != nil {
		t.log.Error().Err(err).Str("event", event).Msg("send: bad payload")
		return err
	}
	if err := s.Send(f); err != nil {
		t.log.Warn().Err(err).Str("event", event).Msg("send failed, dropped")
		return err
	}
	return nil
}

// Disconnect closes the current session, if any.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retireLocked()
}

// Reject closes the session for identity and refuses to connect with it
// again.
func (t *Transport) Reject(identity types.Identity) {
	identity = identity.Normalize()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rejected[identity] = struct{}{}
	if t.cur != nil && t.cur.Identity() == identity {
		t.retireLocked()
	}
}

// ForceReconnect drops the current connection and redials immediately.  It
// is a no-op, returning false, while no connection is open.
func (t *Transport) ForceReconnect(reason string) bool {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Drop(reason)
}

// Ping sends a keepalive on the current connection, if any.
func (t *Transport) Ping() {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()
	if s != nil {
		s.Ping()
	}
}

// Current returns the live session's id and identity; ok is false when
// there is none.
func (t *Transport) Current() (id string, identity types.Identity, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return "", types.Identity{}, false
	}
	return t.cur.ID(), t.cur.Identity(), true
}

// IsCurrent reports whether sessionID belongs to the live session.
func (t *Transport) IsCurrent(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil && t.cur.ID() == sessionID
}

// Close disconnects and waits for every session goroutine to exit.
func (t *Transport) Close() {
	t.mu.Lock()
	t.retireLocked()
	retired := t.retired
	t.retired = nil
	t.mu.Unlock()

	for _, s := range retired {
		s.Wait()
	}
}

func (t *Transport) retireLocked() {
	if t.cur == nil {
		return
	}
	t.cur.Close()

	kept := t.retired[:0]
	for _, r := range t.retired {
		select {
		case <-r.done:
		default:
			kept = append(kept, r)
		}
	}
	t.retired = append(kept, t.cur)
	t.cur = nil
}
