package live

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/transport"
)

// Invalidator re-fetches the server's current value for a query key and
// writes it into the cache.
type Invalidator interface {
	Invalidate(ctx context.Context, key store.QueryKey) error
}

// Reconciler merges live domain events into the read cache.  HandleFrame
// and Apply run on the live queue; re-fetches run on their own goroutines.
type Reconciler struct {
	cache store.Cache
	inv   Invalidator
	clock clock.Clock
	log   zerolog.Logger

	ctx    context.Context
	flight singleflight.Group
	wg     sync.WaitGroup

	// marks counts Invalidate calls per key.  A re-fetch only clears the
	// stale mark if no call came in after it started.
	mu    sync.Mutex
	marks map[store.QueryKey]uint64
}

func NewReconciler(ctx context.Context, cache store.Cache, inv Invalidator, clk clock.Clock, log zerolog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		cache: cache,
		inv:   inv,
		clock: clk,
		log:   log,
		ctx:   ctx,
		marks: make(map[store.QueryKey]uint64),
	}
}

// HandleFrame decodes and applies one inbound frame.  Frames that do not
// decode are logged and dropped.
func (r *Reconciler) HandleFrame(f transport.Frame) {
	ev, err := DecodeEvent(f, r.clock.Now())
	if err != nil {
		lvl := r.log.Warn()
		if errors.Is(err, ErrUnknownEvent) {
			lvl = r.log.Debug()
		}
		lvl.Err(err).Str("event", f.Event).Msg("dropping event")
		return
	}
	r.Apply(ev)
}

// Apply merges one domain event.  Cache errors are logged, never returned.
func (r *Reconciler) Apply(ev types.DomainEvent) {
	log := r.log.With().Str("event", ev.Name()).Str("entity_id", ev.EntityID()).Logger()

	switch e := ev.(type) {
	case types.HeartRateUpdate:
		r.applyHeartRate(log, e.ElderID, e.DeviceID, e.HeartRate, e)

	case types.HeartRateAlert:
		elderID := r.applyHeartRate(log, e.ElderID, e.DeviceID, e.HeartRate, e)
		rate := e.HeartRate
		r.record(log, e.EventID, types.Event{
			ElderID:    elderID,
			DeviceID:   e.DeviceID,
			Type:       e.Kind,
			Status:     types.EventDetected,
			HeartRate:  &rate,
			OccurredAt: e.At,
		})
		if elderID != "" {
			r.Invalidate(store.EventsKey(elderID))
		}

	case types.FallDetected:
		r.record(log, e.EventID, types.Event{
			ElderID:    e.ElderID,
			DeviceID:   e.DeviceID,
			Type:       types.EventTypeFall,
			Status:     types.EventDetected,
			OccurredAt: e.At,
		})
		r.Invalidate(store.EventsKey(e.ElderID))

	case types.DeviceStatusUpdate:
		err := r.cache.UpdateDevice(r.ctx, e.DeviceID, func(d *types.Device, _ bool) bool {
			return mergeDeviceStatus(d, e)
		})
		if err != nil {
			log.Error().Err(err).Msg("device status merge failed")
		}

	case types.EventStatusChanged:
		missing := false
		err := r.cache.UpdateEvent(r.ctx, e.EventID, func(c *types.Event, found bool) bool {
			if !found {
				missing = true
				return false
			}
			return mergeEventStatus(c, e)
		})
		if err != nil {
			log.Error().Err(err).Msg("event status merge failed")
			return
		}
		if missing && e.ElderID != "" {
			// Unknown record: the list is behind, fetch it instead of
			// caching a half-filled event.
			r.Invalidate(store.EventsKey(e.ElderID))
		}

	case types.SystemMessage:
		r.Invalidate(store.NotificationsKey)

	default:
		log.Warn().Msgf("no merge for %T", ev)
	}
}

// applyHeartRate updates the elder and the device a reading belongs to and
// returns the elder id it resolved.  A reading that names only the elder
// reaches the device through the elder's cached device id.
//
// Like event records, elders are only created from snapshots: an elder the
// cache does not know yet is fetched instead of half-filled.  Devices are
// created from the live feed, which carries their telemetry.
func (r *Reconciler) applyHeartRate(log zerolog.Logger, elderID, deviceID string, rate int, ev types.DomainEvent) string {
	at := ev.Timestamp()

	if elderID != "" {
		missing := false
		err := r.cache.UpdateElder(r.ctx, elderID, func(e *types.Elder, found bool) bool {
			if !found {
				missing = true
				return false
			}
			changed := mergeElderHeartRate(e, deviceID, rate, at)
			if deviceID == "" {
				deviceID = e.DeviceID
			}
			return changed
		})
		switch {
		case err != nil:
			log.Error().Err(err).Msg("elder heart rate merge failed")
		case missing:
			r.Invalidate(store.ElderKey(elderID))
		}
	}

	if deviceID == "" {
		log.Debug().Msg("heart rate without a known device, elder updated only")
		return elderID
	}

	err := r.cache.UpdateDevice(r.ctx, deviceID, func(d *types.Device, _ bool) bool {
		changed := mergeDeviceHeartRate(d, elderID, rate, at)
		if elderID == "" {
			elderID = d.ElderID
		}
		return changed
	})
	if err != nil {
		log.Error().Err(err).Msg("device heart rate merge failed")
	}
	return elderID
}

func (r *Reconciler) record(log zerolog.Logger, eventID string, seed types.Event) {
	if eventID == "" {
		return
	}
	err := r.cache.UpdateEvent(r.ctx, eventID, func(e *types.Event, found bool) bool {
		return recordEvent(e, found, seed)
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("recording alert failed")
	}
}

// Invalidate marks key stale and starts a re-fetch, unless one for the
// same key is already running, in which case the call joins it.  The key
// stays stale until a re-fetch that started after the last Invalidate
// succeeds; a joined call leaves it stale.
func (r *Reconciler) Invalidate(key store.QueryKey) {
	log := r.log.With().Str("query_key", key.String()).Logger()

	r.mu.Lock()
	r.marks[key]++
	gen := r.marks[key]
	r.mu.Unlock()

	if err := r.cache.MarkStale(r.ctx, key); err != nil {
		log.Error().Err(err).Msg("mark stale failed")
	}
	if r.inv == nil {
		return
	}

	ch := r.flight.DoChan(key.String(), func() (any, error) {
		if err := r.inv.Invalidate(r.ctx, key); err != nil {
			return nil, err
		}
		return nil, r.clearIfCurrent(log, key, gen)
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := <-ch
		switch {
		case res.Err != nil && r.ctx.Err() != nil:
		case res.Err != nil:
			log.Warn().Err(res.Err).Msg("re-fetch failed, key left stale")
		case !res.Shared:
			log.Debug().Msg("re-fetched")
		}
	}()
}

// clearIfCurrent clears the stale mark unless key was invalidated again
// after generation gen started its re-fetch.
func (r *Reconciler) clearIfCurrent(log zerolog.Logger, key store.QueryKey, gen uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks[key] != gen {
		log.Debug().Msg("invalidated during re-fetch, key left stale")
		return nil
	}
	return r.cache.ClearStale(r.ctx, key)
}

// Wait blocks until every re-fetch started so far has finished.
func (r *Reconciler) Wait() { r.wg.Wait() }
