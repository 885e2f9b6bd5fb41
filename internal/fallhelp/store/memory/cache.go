package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Cache is the in-memory read cache.  Values are cloned on the way in and on
// the way out so callers never share maps or pointers with the cache.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]types.Device
	elders  map[string]types.Elder
	events  map[string]types.Event
	stale   map[store.QueryKey]time.Time
}

func New() *Cache {
	return &Cache{
		devices: make(map[string]types.Device),
		elders:  make(map[string]types.Elder),
		events:  make(map[string]types.Event),
		stale:   make(map[store.QueryKey]time.Time),
	}
}

var _ store.Cache = (*Cache)(nil)

func (c *Cache) Device(_ context.Context, id string) (types.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[strings.TrimSpace(id)]
	if !ok {
		return types.Device{}, store.ErrNotFound
	}
	return d.Clone(), nil
}

func (c *Cache) UpdateDevice(_ context.Context, id string, fn store.DeviceUpdateFn) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, found := c.devices[id]
	if found {
		cur = cur.Clone()
	} else {
		cur = types.Device{ID: id}
	}
	if fn(&cur, found) {
		cur.ID = id
		c.devices[id] = cur.Clone()
	}
	return nil
}

func (c *Cache) Elder(_ context.Context, id string) (types.Elder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.elders[strings.TrimSpace(id)]
	if !ok {
		return types.Elder{}, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (c *Cache) UpdateElder(_ context.Context, id string, fn store.ElderUpdateFn) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, found := c.elders[id]
	if found {
		cur = cur.Clone()
	} else {
		cur = types.Elder{ID: id}
	}
	if fn(&cur, found) {
		cur.ID = id
		c.elders[id] = cur.Clone()
	}
	return nil
}

func (c *Cache) Event(_ context.Context, id string) (types.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[strings.TrimSpace(id)]
	if !ok {
		return types.Event{}, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (c *Cache) UpdateEvent(_ context.Context, id string, fn store.EventUpdateFn) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, found := c.events[id]
	if found {
		cur = cur.Clone()
	} else {
		cur = types.Event{ID: id}
	}
	if fn(&cur, found) {
		cur.ID = id
		c.events[id] = cur.Clone()
	}
	return nil
}

// EventsByElder returns the elder's cached events, newest first.
func (c *Cache) EventsByElder(_ context.Context, elderID string) ([]types.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.Event
	for _, e := range c.events {
		if e.ElderID == elderID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}

func (c *Cache) MarkStale(_ context.Context, key store.QueryKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stale[key]; !ok {
		c.stale[key] = time.Now().UTC()
	}
	return nil
}

func (c *Cache) ClearStale(_ context.Context, key store.QueryKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stale, key)
	return nil
}

func (c *Cache) IsStale(_ context.Context, key store.QueryKey) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.stale[key]
	return ok, nil
}
