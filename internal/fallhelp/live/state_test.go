package live_test

import (
	"math/rand"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallhelp/monitor/internal/fallhelp/live"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

func TestStateStore_Table(t *testing.T) {
	const (
		dis = types.StateDisconnected
		rec = types.StateReconnecting
		con = types.StateConnected
	)
	tests := []struct {
		from types.ConnectionState
		in   live.Input
		want types.ConnectionState
	}{
		{dis, live.InputAuthOK, con},
		{rec, live.InputAuthOK, con},
		{con, live.InputAuthFailed, dis},
		{rec, live.InputAuthFailed, dis},
		{con, live.InputClosed, rec},
		{dis, live.InputClosed, dis},
		{rec, live.InputClosed, rec},
		{con, live.InputClientClose, dis},
		{rec, live.InputClientClose, dis},
		{dis, live.InputReconnecting, rec},
		{con, live.InputReconnecting, rec},
		{con, live.InputStale, rec},
		{rec, live.InputStale, rec},
		{dis, live.InputStale, dis},
		{con, live.InputError, con},
		{rec, live.InputError, rec},
	}

	for _, tc := range tests {
		t.Run(tc.from.String()+"/"+tc.in.String(), func(t *testing.T) {
			s := live.NewStateStore(clock.NewMock())
			drive(t, s, tc.from)

			s.Apply(tc.in, "test")
			assert.Equal(t, tc.want, s.State())
		})
	}
}

// drive moves a fresh store into state.
func drive(t *testing.T, s *live.StateStore, state types.ConnectionState) {
	t.Helper()
	switch state {
	case types.StateConnected:
		s.Apply(live.InputAuthOK, "")
	case types.StateReconnecting:
		s.Apply(live.InputReconnecting, "")
	}
	require.Equal(t, state, s.State())
}

func TestStateStore_AlwaysValid(t *testing.T) {
	s := live.NewStateStore(clock.NewMock())
	rng := rand.New(rand.NewSource(7))
	inputs := []live.Input{
		live.InputAuthOK, live.InputAuthFailed, live.InputClosed, live.InputClientClose,
		live.InputReconnecting, live.InputStale, live.InputError,
	}

	var last types.Transition
	s.Subscribe(func(tr types.Transition) {
		assert.True(t, tr.From.Valid())
		assert.True(t, tr.To.Valid())
		assert.NotEqual(t, tr.From, tr.To)
		if !last.At.IsZero() {
			assert.Equal(t, last.To, tr.From, "transitions chain")
		}
		last = tr
	})

	for i := 0; i < 2000; i++ {
		s.Apply(inputs[rng.Intn(len(inputs))], "")
		require.True(t, s.State().Valid())
	}
}

func TestStateStore_PublishesOnlyChanges(t *testing.T) {
	s := live.NewStateStore(clock.NewMock())
	var got []types.Transition
	dispose := s.Subscribe(func(tr types.Transition) { got = append(got, tr) })

	_, ok := s.Apply(live.InputClosed, "transport close")
	assert.False(t, ok)

	tr, ok := s.Apply(live.InputAuthOK, "authenticated")
	require.True(t, ok)
	assert.Equal(t, types.StateDisconnected, tr.From)
	assert.Equal(t, types.StateConnected, tr.To)
	assert.Equal(t, "authenticated", tr.Reason)
	require.Len(t, got, 1)
	assert.Equal(t, tr, got[0])

	dispose()
	dispose()
	s.Apply(live.InputStale, "ping timeout")
	assert.Len(t, got, 1)
}

func TestStateStore_NoObservers(t *testing.T) {
	s := live.NewStateStore(nil)
	assert.NotPanics(t, func() {
		s.Apply(live.InputAuthOK, "")
		s.Apply(live.InputClientClose, "")
	})
	assert.Equal(t, types.StateDisconnected, s.State())
}
