package live

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

var ErrNotStarted = errors.New("live manager not started")

const reasonIdentityChanged = "identity changed"

type Config struct {
	Watchdog  WatchdogConfig
	Session   SessionConfig
	QueueSize int
}

// Resyncer fetches fresh snapshots for identity after every (re)connect.
type Resyncer interface {
	Resync(ctx context.Context, identity types.Identity) error
}

type Dependencies struct {
	Logger      zerolog.Logger
	Clock       clock.Clock
	Dialer      transport.Dialer
	Cache       store.Cache
	Invalidator Invalidator // optional
	Resyncer    Resyncer    // optional
}

// Manager is the live connection context: one per process, created with
// New, run with Start and released with Teardown.
type Manager struct {
	cfg  Config
	deps Dependencies
	log  zerolog.Logger

	state    *StateStore
	queue    *Queue
	watchdog *Watchdog

	mu         sync.Mutex
	started    bool
	torn       bool
	ctx        context.Context
	cancel     context.CancelFunc
	transport  *Transport
	reconciler *Reconciler

	resyncs sync.WaitGroup
}

func New(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Dialer == nil {
		return nil, errors.New("live: dialer is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("live: cache is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	m := &Manager{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With().Str("component", "live").Logger(),
		state: NewStateStore(deps.Clock),
	}
	m.state.Subscribe(func(tr types.Transition) {
		m.log.Info().
			Str("from", tr.From.String()).
			Str("to", tr.To.String()).
			Str("reason", tr.Reason).
			Msg("connection state changed")
	})
	return m, nil
}

// Start launches the queue, the watchdog and the transport.  The manager
// stops on its own when ctx ends, but Teardown must still be called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.torn {
		return ErrQueueClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.queue = NewQueue(m.cfg.QueueSize)
	m.watchdog = NewWatchdog(m.deps.Clock, m.cfg.Watchdog, WatchdogHooks{
		Submit:    m.queue.Submit,
		Armed:     func() bool { return m.state.State() == types.StateConnected },
		OnStale:   m.onStale,
		Keepalive: func() { m.transport.Ping() },
	}, m.log.With().Str("component", "watchdog").Logger())
	m.reconciler = NewReconciler(m.ctx, m.deps.Cache, m.deps.Invalidator, m.deps.Clock,
		m.log.With().Str("component", "reconciler").Logger())
	m.transport = NewTransport(m.ctx, m.deps.Dialer, m.cfg.Session, m.deps.Clock, m.emit,
		m.log.With().Str("component", "transport").Logger())

	m.watchdog.Start(m.ctx)
	return nil
}

// Teardown disconnects, stops the watchdog ticker and waits for every
// goroutine the manager started.  Safe to call more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.torn = true
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	_ = m.queue.Do(context.Background(), m.disconnect)
	m.watchdog.Stop()
	m.queue.Close()
	m.cancel()
	m.transport.Close()
	m.reconciler.Wait()
	m.resyncs.Wait()
}

// Connect opens the live session for identity.  Connecting again with the
// same identity is a no-op; a new identity replaces the session.
func (m *Manager) Connect(ctx context.Context, identity types.Identity) error {
	if !m.running() {
		return ErrNotStarted
	}
	var err error
	if qerr := m.queue.Do(ctx, func() {
		var changed bool
		changed, err = m.transport.Connect(identity)
		if changed && m.state.State() != types.StateDisconnected {
			m.state.Apply(InputReconnecting, reasonIdentityChanged)
		}
	}); qerr != nil {
		return qerr
	}
	return err
}

// Disconnect closes the session.  Safe when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	if !m.running() {
		return nil
	}
	return m.queue.Do(ctx, m.disconnect)
}

// Send writes a named event on the live connection.  It does not queue or
// retry; a send while disconnected is logged and dropped.
func (m *Manager) Send(event string, payload any) error {
	if !m.running() {
		return ErrNotStarted
	}
	return m.transport.Send(event, payload)
}

// Sync waits until everything submitted to the live queue so far has run.
func (m *Manager) Sync(ctx context.Context) error {
	if !m.running() {
		return ErrNotStarted
	}
	return m.queue.Do(ctx, func() {})
}

func (m *Manager) State() types.ConnectionState { return m.state.State() }

// Subscribe registers obs for every future transition and returns the
// disposer.
func (m *Manager) Subscribe(obs Observer) func() { return m.state.Subscribe(obs) }

// LastSignal is the time of the last inbound traffic.
func (m *Manager) LastSignal() time.Time {
	if !m.running() {
		return time.Time{}
	}
	return m.watchdog.LastSignal()
}

// Identity returns the identity of the current session.
func (m *Manager) Identity() (types.Identity, bool) {
	if !m.running() {
		return types.Identity{}, false
	}
	_, id, ok := m.transport.Current()
	return id, ok
}

func (m *Manager) SessionID() string {
	if !m.running() {
		return ""
	}
	id, _, _ := m.transport.Current()
	return id
}

// Cache is the read cache the manager reconciles into.
func (m *Manager) Cache() store.Cache { return m.deps.Cache }

func (m *Manager) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// emit is handed to sessions; it runs on session goroutines.
func (m *Manager) emit(ev SessionEvent) {
	m.queue.Submit(func() { m.handle(ev) })
}

// handle runs on the queue.
func (m *Manager) handle(ev SessionEvent) {
	if !m.transport.IsCurrent(ev.SessionID) {
		m.log.Debug().
			Str("session_id", ev.SessionID).
			Str("kind", ev.Kind.String()).
			Msg("ignoring event from retired session")
		return
	}

	switch ev.Kind {
	case SessionOpen:
		m.watchdog.Touch()
		_, identity, _ := m.transport.Current()
		_ = m.transport.Send(types.EventNameAuthenticate, types.AuthenticateRequest{
			UserID:  identity.UserID,
			ElderID: identity.ElderID,
		})

	case SessionMessage:
		m.watchdog.Touch()
		if ev.Frame.Event == types.EventNameAuthenticated {
			m.handleAuth(ev.Frame)
			return
		}
		m.reconciler.HandleFrame(ev.Frame)

	case SessionSignal:
		m.watchdog.Touch()

	case SessionClose:
		m.state.Apply(InputClosed, ev.Reason)

	case SessionError:
		m.log.Debug().Err(ev.Err).Int("attempt", ev.Attempt).Msg("transport error")
		m.state.Apply(InputError, ReasonTransportError)

	case SessionReconnecting:
		m.state.Apply(InputReconnecting, "attempt "+strconv.Itoa(ev.Attempt))
	}
}

func (m *Manager) handleAuth(f transport.Frame) {
	var ack types.AuthenticatedAck
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		m.log.Warn().Err(err).Msg("unreadable authentication ack, dropped")
		return
	}

	_, identity, _ := m.transport.Current()
	if !ack.Success {
		m.log.Error().
			Str("identity", identity.String()).
			Str("message", ack.Message).
			Msg("authentication rejected, not retrying this identity")
		m.transport.Reject(identity)
		m.state.Apply(InputAuthFailed, ReasonAuthRejected)
		return
	}

	if _, entered := m.state.Apply(InputAuthOK, "authenticated"); entered {
		m.watchdog.Touch()
		m.resync(identity)
	}
}

// onStale runs on the queue when the watchdog gives up on the connection.
func (m *Manager) onStale(time.Duration) {
	m.state.Apply(InputStale, ReasonPingTimeout)
	m.transport.ForceReconnect(ReasonPingTimeout)
}

func (m *Manager) disconnect() {
	m.transport.Disconnect()
	m.state.Apply(InputClientClose, ReasonClientDisconnect)
}

// resync fetches fresh snapshots off the queue.
func (m *Manager) resync(identity types.Identity) {
	if m.deps.Resyncer == nil {
		return
	}
	m.resyncs.Add(1)
	go func() {
		defer m.resyncs.Done()
		if err := m.deps.Resyncer.Resync(m.ctx, identity); err != nil && m.ctx.Err() == nil {
			m.log.Warn().Err(err).Str("identity", identity.String()).Msg("resync failed")
		}
	}()
}
