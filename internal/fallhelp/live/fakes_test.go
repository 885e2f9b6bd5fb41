package live_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// ── fake connection ──────────────────────────────────────────────────────────
type fakeConn struct {
	identity types.Identity

	in     chan transport.Frame
	fail   chan error
	closed chan struct{}
	once   sync.Once

	sent chan transport.Frame

	onSignal atomic.Pointer[func()]
	pings    atomic.Int32
}

func newFakeConn(identity types.Identity) *fakeConn {
	return &fakeConn{
		identity: identity,
		in:       make(chan transport.Frame, 64),
		fail:     make(chan error, 1),
		closed:   make(chan struct{}),
		sent:     make(chan transport.Frame, 64),
	}
}

func (c *fakeConn) ReadFrame() (transport.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case err := <-c.fail:
		return transport.Frame{}, err
	case <-c.closed:
		return transport.Frame{}, transport.ErrConnClosed
	}
}

func (c *fakeConn) WriteFrame(f transport.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	c.sent <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) OnSignal(fn func()) { c.onSignal.Store(&fn) }

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	return nil
}

// control plays a websocket ping from the server.
func (c *fakeConn) control() {
	if fn := c.onSignal.Load(); fn != nil {
		(*fn)()
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a server frame.
func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	f, err := transport.NewFrame(event, payload)
	require.NoError(t, err)
	c.in <- f
}

// expectSent waits for the next frame the client wrote.
func (c *fakeConn) expectSent(t *testing.T) transport.Frame {
	t.Helper()
	select {
	case f := <-c.sent:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame sent")
		return transport.Frame{}
	}
}

// ── fake dialer ──────────────────────────────────────────────────────────────
type fakeDialer struct {
	dials  atomic.Int32
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, identity types.Identity) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.dials.Add(1)
	c := newFakeConn(identity)
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

// gatedDialer lets the first dial through and holds every later one until
// gate is closed.
type gatedDialer struct {
	*fakeDialer
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{
		fakeDialer: newFakeDialer(),
		entered:    make(chan struct{}, 16),
		gate:       make(chan struct{}),
	}
}

func (d *gatedDialer) Dial(ctx context.Context, identity types.Identity) (transport.Conn, error) {
	if d.calls.Add(1) > 1 {
		d.entered <- struct{}{}
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.fakeDialer.Dial(ctx, identity)
}

// accept plays the server side of a handshake: it waits for the
// authenticate frame and answers with the given verdict.
func accept(t *testing.T, c *fakeConn, success bool) types.AuthenticateRequest {
	t.Helper()
	f := c.expectSent(t)
	require.Equal(t, types.EventNameAuthenticate, f.Event)

	var req types.AuthenticateRequest
	require.NoError(t, json.Unmarshal(f.Data, &req))

	c.push(t, types.EventNameAuthenticated, types.AuthenticatedAck{Success: success})
	return req
}

// ── fake resync / invalidation ───────────────────────────────────────────────
type fakeResyncer struct {
	mu         sync.Mutex
	identities []types.Identity
}

func (r *fakeResyncer) Resync(_ context.Context, identity types.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = append(r.identities, identity)
	return nil
}

func (r *fakeResyncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}

type blockingInvalidator struct {
	mu      sync.Mutex
	calls   map[store.QueryKey]int
	release chan struct{}
}

func newBlockingInvalidator() *blockingInvalidator {
	return &blockingInvalidator{
		calls:   make(map[store.QueryKey]int),
		release: make(chan struct{}),
	}
}

func (b *blockingInvalidator) Invalidate(ctx context.Context, key store.QueryKey) error {
	b.mu.Lock()
	b.calls[key]++
	b.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingInvalidator) count(key store.QueryKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[key]
}

// ── transition recorder ──────────────────────────────────────────────────────
type recorder struct {
	mu  sync.Mutex
	trs []types.Transition
}

func (r *recorder) observe(tr types.Transition) {
	r.mu.Lock()
	r.trs = append(r.trs, tr)
	r.mu.Unlock()
}

func (r *recorder) all() []types.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Transition(nil), r.trs...)
}

func (r *recorder) has(from, to types.ConnectionState, reason string) bool {
	for _, tr := range r.all() {
		if tr.From == from && tr.To == to && (reason == "" || tr.Reason == reason) {
			return true
		}
	}
	return false
}
