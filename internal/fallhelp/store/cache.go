package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

var ErrNotFound = errors.New("not found in cache")

// QueryKey addresses a cached query the way the server's REST routes do,
// e.g. "events:<elderId>".
type QueryKey string

const (
	KindElder  = "elder"
	KindDevice = "device"
	KindEvents = "events"
	KindElders = "elders"

	NotificationsKey QueryKey = "notifications"
)

func ElderKey(id string) QueryKey { return QueryKey(KindElder + ":" + id) }
func DeviceKey(id string) QueryKey { return QueryKey(KindDevice + ":" + id) }
func EventsKey(elderID string) QueryKey { return QueryKey(KindEvents + ":" + elderID) }
func EldersKey(userID string) QueryKey { return QueryKey(KindElders + ":" + userID) }

// Split returns the kind and id of k.  Keys without an id (such as
// NotificationsKey) return an empty id.
func (k QueryKey) Split() (kind, id string) {
	kind, id, _ = strings.Cut(string(k), ":")
	return kind, id
}

func (k QueryKey) String() string { return string(k) }

// Update functions receive the cached value (or a zero value carrying only
// the id when found is false) and report whether they changed it.  Nothing
// is written when they return false.
type (
	DeviceUpdateFn func(d *types.Device, found bool) bool
	ElderUpdateFn  func(e *types.Elder, found bool) bool
	EventUpdateFn  func(e *types.Event, found bool) bool
)

type DeviceStore interface {
	Device(ctx context.Context, id string) (types.Device, error)
	UpdateDevice(ctx context.Context, id string, fn DeviceUpdateFn) error
}

type ElderStore interface {
	Elder(ctx context.Context, id string) (types.Elder, error)
	UpdateElder(ctx context.Context, id string, fn ElderUpdateFn) error
}

type EventStore interface {
	Event(ctx context.Context, id string) (types.Event, error)
	UpdateEvent(ctx context.Context, id string, fn EventUpdateFn) error
	EventsByElder(ctx context.Context, elderID string) ([]types.Event, error)
}

// StaleMarks tracks query keys whose cached value is known to lag the server.
type StaleMarks interface {
	MarkStale(ctx context.Context, key QueryKey) error
	ClearStale(ctx context.Context, key QueryKey) error
	IsStale(ctx context.Context, key QueryKey) (bool, error)
}

// Cache is the client-side read cache shared by the live reconciler and the
// REST re-fetch path.  Every Update call is an atomic read-modify-write.
type Cache interface {
	DeviceStore
	ElderStore
	EventStore
	StaleMarks
}
