package live_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallhelp/monitor/internal/fallhelp/live"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

// newTestTransport returns a Transport whose session events land on the
// returned channel.
func newTestTransport(t *testing.T, d transport.Dialer, clk clock.Clock) (*live.Transport, <-chan live.SessionEvent) {
	t.Helper()
	events := make(chan live.SessionEvent, 64)
	tr := live.NewTransport(context.Background(), d,
		live.SessionConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		clk, func(ev live.SessionEvent) { events <- ev }, zerolog.Nop())
	t.Cleanup(tr.Close)
	return tr, events
}

func waitEvent(t *testing.T, events <-chan live.SessionEvent, kind live.SessionEventKind) live.SessionEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return live.SessionEvent{}
		}
	}
}

func TestTransport_ForceReconnectWithoutSession(t *testing.T) {
	tr, _ := newTestTransport(t, newFakeDialer(), clock.New())
	assert.False(t, tr.ForceReconnect(live.ReasonPingTimeout))
}

func TestTransport_ForceReconnectWhileReconnectingIsNoop(t *testing.T) {
	d := newGatedDialer()
	tr, events := newTestTransport(t, d, clock.New())

	changed, err := tr.Connect(types.Identity{ElderID: "E1"})
	require.NoError(t, err)
	require.True(t, changed)
	first := d.next(t)
	waitEvent(t, events, live.SessionOpen)

	assert.True(t, tr.ForceReconnect(live.ReasonPingTimeout))
	assert.False(t, tr.ForceReconnect(live.ReasonPingTimeout), "drop already pending")

	// the redial is now blocked inside Dial with no connection open
	select {
	case <-d.entered:
	case <-time.After(waitFor):
		t.Fatal("no redial")
	}
	assert.True(t, first.isClosed())
	closed := waitEvent(t, events, live.SessionClose)
	assert.Equal(t, live.ReasonPingTimeout, closed.Reason)
	assert.False(t, tr.ForceReconnect(live.ReasonPingTimeout), "reconnect already under way")

	close(d.gate)
	d.next(t)
	waitEvent(t, events, live.SessionOpen)

	assert.EqualValues(t, 2, d.dials.Load())
	assert.Never(t, func() bool { return d.dials.Load() > 2 }, 50*time.Millisecond, tick)
}

func TestTransport_BackoffFollowsClock(t *testing.T) {
	mock := clock.NewMock()
	d := newFakeDialer()
	tr, events := newTestTransport(t, d, mock)

	_, err := tr.Connect(types.Identity{ElderID: "E1"})
	require.NoError(t, err)
	c := d.next(t)
	waitEvent(t, events, live.SessionOpen)

	c.fail <- errors.New("connection reset by peer")
	waitEvent(t, events, live.SessionReconnecting)

	// the backoff timer only fires when the clock moves
	assert.Never(t, func() bool { return d.dials.Load() > 1 }, 50*time.Millisecond, tick)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return d.dials.Load() == 2
	}, waitFor, tick)
}

func TestTransport_UnreadableFrameIsSignal(t *testing.T) {
	d := newFakeDialer()
	tr, events := newTestTransport(t, d, clock.New())

	_, err := tr.Connect(types.Identity{ElderID: "E1"})
	require.NoError(t, err)
	c := d.next(t)
	waitEvent(t, events, live.SessionOpen)

	c.fail <- transport.ErrBadFrame
	waitEvent(t, events, live.SessionSignal)

	c.control()
	waitEvent(t, events, live.SessionSignal)
	assert.False(t, c.isClosed())
}
