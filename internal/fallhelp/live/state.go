package live

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Input is something that may move the connection state.
type Input int

const (
	InputAuthOK Input = iota
	InputAuthFailed
	InputClosed
	InputClientClose
	InputReconnecting
	InputStale
	InputError
)

func (in Input) String() string {
	switch in {
	case InputAuthOK:
		return "auth_ok"
	case InputAuthFailed:
		return "auth_failed"
	case InputClosed:
		return "closed"
	case InputClientClose:
		return "client_close"
	case InputReconnecting:
		return "reconnecting"
	case InputStale:
		return "stale"
	case InputError:
		return "error"
	default:
		return "unknown"
	}
}

// nextState is the whole transition table.  An input that does not apply to
// the current state leaves it unchanged.
func nextState(cur types.ConnectionState, in Input) types.ConnectionState {
	switch in {
	case InputAuthOK:
		return types.StateConnected
	case InputAuthFailed, InputClientClose:
		return types.StateDisconnected
	case InputReconnecting:
		return types.StateReconnecting
	case InputClosed, InputStale:
		if cur == types.StateConnected {
			return types.StateReconnecting
		}
	}
	return cur
}

// Observer receives every transition in order.  It runs on the live queue
// and must return quickly.
type Observer func(types.Transition)

// StateStore owns the process-wide connection state.  Apply is only called
// from the live queue; reads are safe from anywhere.
type StateStore struct {
	clock clock.Clock

	mu    sync.RWMutex
	state types.ConnectionState

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObsID uint64
}

func NewStateStore(clk clock.Clock) *StateStore {
	if clk == nil {
		clk = clock.New()
	}
	return &StateStore{
		clock:     clk,
		state:     types.StateDisconnected,
		observers: make(map[uint64]Observer),
	}
}

func (s *StateStore) State() types.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers obs and returns its disposer.  Disposing twice is
// harmless.
func (s *StateStore) Subscribe(obs Observer) func() {
	if obs == nil {
		return func() {}
	}
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// Apply feeds one input through the table.  When the state changes the
// transition is published to every observer and returned with ok set.
func (s *StateStore) Apply(in Input, reason string) (types.Transition, bool) {
	s.mu.Lock()
	from := s.state
	to := nextState(from, in)
	if to == from {
		s.mu.Unlock()
		return types.Transition{}, false
	}
	s.state = to
	s.mu.Unlock()

	tr := types.Transition{From: from, To: to, Reason: reason, At: s.clock.Now().UTC()}
	s.publish(tr)
	return tr, true
}

func (s *StateStore) publish(tr types.Transition) {
	s.obsMu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.obsMu.Unlock()

	for _, o := range obs {
		o(tr)
	}
}
