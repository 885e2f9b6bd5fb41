package resync

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Source is the read side of the REST API the syncer needs.
type Source interface {
	Elder(ctx context.Context, id string) (ElderSnapshot, error)
	Device(ctx context.Context, id string) (DeviceSnapshot, error)
	ElderEvents(ctx context.Context, elderID string) ([]EventSnapshot, error)
	UserElders(ctx context.Context, userID string) ([]ElderSnapshot, error)
}

// Syncer writes REST snapshots into the cache.  It serves both the full
// resynchronization after every (re)connect and single-key re-fetches.
// Snapshot writes go through the same per-field stamps as live events, so
// neither side can roll the other back.  Stamps only ever come from server
// times.
type Syncer struct {
	src   Source
	cache store.Cache
	clock clock.Clock
	log   zerolog.Logger
}

func NewSyncer(src Source, cache store.Cache, clk clock.Clock, log zerolog.Logger) *Syncer {
	if clk == nil {
		clk = clock.New()
	}
	return &Syncer{src: src, cache: cache, clock: clk, log: log}
}

// Resync refreshes everything identity can see: the elder, its device and
// its event list; for a user, every elder of that user.
func (s *Syncer) Resync(ctx context.Context, identity types.Identity) error {
	start := s.clock.Now()
	var errs []error

	seen := make(map[string]struct{})
	if identity.UserID != "" {
		elders, err := s.syncUserElders(ctx, identity.UserID)
		if err != nil {
			errs = append(errs, err)
		}
		for _, id := range elders {
			seen[id] = struct{}{}
			if err := s.syncEvents(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if id := identity.ElderID; id != "" {
		if _, ok := seen[id]; !ok {
			if err := s.syncElder(ctx, id); err != nil {
				errs = append(errs, err)
			}
			if err := s.syncEvents(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.log.Info().
		Str("identity", identity.String()).
		Dur("took", s.clock.Since(start)).
		Int("errors", len(errs)).
		Msg("resync finished")
	return joinErrs(errs)
}

// Invalidate re-fetches the query behind key.
func (s *Syncer) Invalidate(ctx context.Context, key store.QueryKey) error {
	kind, id := key.Split()
	switch {
	case key == store.NotificationsKey:
		// notifications are not cached locally; clearing the mark is enough
		return nil
	case id == "":
		return errors.Errorf("query key %q has no id", key)
	}

	switch kind {
	case store.KindElder:
		return s.syncElder(ctx, id)
	case store.KindDevice:
		return s.syncDevice(ctx, id)
	case store.KindEvents:
		return s.syncEvents(ctx, id)
	case store.KindElders:
		_, err := s.syncUserElders(ctx, id)
		return err
	}
	return errors.Errorf("unknown query key %q", key)
}

func (s *Syncer) syncElder(ctx context.Context, id string) error {
	snap, err := s.src.Elder(ctx, id)
	if err != nil {
		return err
	}
	return s.storeElder(ctx, snap)
}

func (s *Syncer) syncDevice(ctx context.Context, id string) error {
	snap, err := s.src.Device(ctx, id)
	if err != nil {
		return err
	}
	return s.storeDevice(ctx, snap)
}

func (s *Syncer) syncEvents(ctx context.Context, elderID string) error {
	snaps, err := s.src.ElderEvents(ctx, elderID)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.ID == "" {
			continue
		}
		ev := snap.toEvent()
		if ev.ElderID == "" {
			ev.ElderID = elderID
		}
		at := stampOf(snap.UpdatedAt)
		err := s.cache.UpdateEvent(ctx, snap.ID, func(e *types.Event, _ bool) bool {
			return e.MergeSnapshot(ev, at)
		})
		if err != nil {
			return errors.Wrapf(err, "store event %s", snap.ID)
		}
	}
	s.log.Debug().Str("elder_id", elderID).Int("events", len(snaps)).Msg("event list refreshed")
	return nil
}

// syncUserElders stores every elder of userID and returns their ids.
func (s *Syncer) syncUserElders(ctx context.Context, userID string) ([]string, error) {
	snaps, err := s.src.UserElders(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		if snap.ID == "" {
			continue
		}
		if err := s.storeElder(ctx, snap); err != nil {
			return ids, err
		}
		ids = append(ids, snap.ID)
	}
	return ids, nil
}

func (s *Syncer) storeElder(ctx context.Context, snap ElderSnapshot) error {
	elder := snap.toElder()
	at := stampOf(snap.UpdatedAt)
	err := s.cache.UpdateElder(ctx, snap.ID, func(e *types.Elder, _ bool) bool {
		return e.MergeSnapshot(elder, at)
	})
	if err != nil {
		return errors.Wrapf(err, "store elder %s", snap.ID)
	}

	if snap.Device != nil && snap.Device.ID != "" {
		dev := *snap.Device
		if dev.ElderID == "" {
			dev.ElderID = snap.ID
		}
		return s.storeDevice(ctx, dev)
	}
	if elder.DeviceID != "" {
		// the elder payload only links the device; fetch it
		return s.syncDevice(ctx, elder.DeviceID)
	}
	return nil
}

func (s *Syncer) storeDevice(ctx context.Context, snap DeviceSnapshot) error {
	dev := snap.toDevice()
	at := stampOf(snap.UpdatedAt)
	err := s.cache.UpdateDevice(ctx, snap.ID, func(d *types.Device, _ bool) bool {
		return d.MergeSnapshot(dev, at)
	})
	return errors.Wrapf(err, "store device %s", snap.ID)
}

func joinErrs(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errors.Wrapf(errs[0], "%d resync steps failed, first", len(errs))
}
