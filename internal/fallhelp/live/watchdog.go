package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval = 5 * time.Second
	DefaultStaleAfter   = 60 * time.Second
)

type WatchdogConfig struct {
	TickInterval time.Duration // how often to check; default 5s
	StaleAfter   time.Duration // silence that counts as stale; default 60s
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// WatchdogHooks connect the watchdog to the rest of the manager.
type WatchdogHooks struct {
	// Submit schedules the staleness check on the live queue.
	Submit func(func()) bool
	// Armed reports whether the session currently counts as connected.
	// Only an armed watchdog can go stale.
	Armed func() bool
	// OnStale runs on the live queue when the silence exceeds StaleAfter.
	OnStale func(idle time.Duration)
	// Keepalive runs on the live queue on every armed tick that is not stale,
	// to draw a reply out of a quiet peer.  Optional.
	Keepalive func()
}

// Watchdog declares a connection stale when nothing at all has arrived for
// StaleAfter.  Every inbound frame counts as proof of life, and so do
// unreadable frames and websocket control traffic.
type Watchdog struct {
	clock clock.Clock
	cfg   WatchdogConfig
	hooks WatchdogHooks
	log   zerolog.Logger

	lastSignal atomic.Int64 // unix nanos

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWatchdog(clk clock.Clock, cfg WatchdogConfig, hooks WatchdogHooks, log zerolog.Logger) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	w := &Watchdog{
		clock: clk,
		cfg:   cfg.withDefaults(),
		hooks: hooks,
		log:   log,
	}
	w.lastSignal.Store(clk.Now().UnixNano())
	return w
}

// Start begins ticking.  The ticker is created before Start returns, so a
// mock clock advanced right after Start is observed.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	ticker := w.clock.Ticker(w.cfg.TickInterval)

	go w.loop(ctx, ticker)

	w.log.Debug().
		Dur("tick", w.cfg.TickInterval).
		Dur("stale_after", w.cfg.StaleAfter).
		Msg("heartbeat watchdog started")
}

// Stop cancels the ticker and waits for the loop to exit.  Idempotent, and
// safe on a watchdog that never started.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Touch records an inbound signal.  The record never moves backwards.
func (w *Watchdog) Touch() {
	now := w.clock.Now().UnixNano()
	for {
		prev := w.lastSignal.Load()
		if now <= prev {
			return
		}
		if w.lastSignal.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (w *Watchdog) LastSignal() time.Time {
	return time.Unix(0, w.lastSignal.Load()).UTC()
}

// Idle is the time since the last signal.
func (w *Watchdog) Idle() time.Duration {
	return w.clock.Now().Sub(w.LastSignal())
}

func (w *Watchdog) loop(ctx context.Context, ticker *clock.Ticker) {
	defer close(w.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.hooks.Submit == nil || !w.hooks.Submit(w.Check) {
				return
			}
		}
	}
}

// Check runs one staleness evaluation.  Called on the live queue.
func (w *Watchdog) Check() {
	if w.hooks.Armed == nil || !w.hooks.Armed() {
		return
	}
	idle := w.Idle()
	if idle <= w.cfg.StaleAfter {
		if w.hooks.Keepalive != nil {
			w.hooks.Keepalive()
		}
		return
	}
	w.log.Warn().
		Dur("idle", idle).
		Time("last_signal", w.LastSignal()).
		Msg("no traffic within stale threshold, forcing reconnect")
	if w.hooks.OnStale != nil {
		w.hooks.OnStale(idle)
	}
}
