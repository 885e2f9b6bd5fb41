package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	dbpkg "github.com/fallhelp/monitor/internal/db"
	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Cache persists the read cache in SQLite.  Each entity is stored as its JSON
// document; reads go straight to the pool, read-modify-write goes through
// the single writer so that an Update is atomic with respect to every other
// Update.
type Cache struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCache(conn *sql.DB, writer *dbpkg.Worker) *Cache {
	return &Cache{db: conn, writer: writer}
}

var _ store.Cache = (*Cache)(nil)

// ── Devices ──────────────────────────────────────────────────────────────────
func (c *Cache) Device(ctx context.Context, id string) (types.Device, error) {
	var d types.Device
	found, err := loadDoc(ctx, c.db, `SELECT doc FROM devices WHERE device_id = ?;`, strings.TrimSpace(id), &d)
	if err != nil {
		return types.Device{}, errors.Wrap(err, "Device")
	}
	if !found {
		return types.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (c *Cache) UpdateDevice(ctx context.Context, id string, fn store.DeviceUpdateFn) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		d := types.Device{ID: id}
		found, err := loadDoc(ctx, tx, `SELECT doc FROM devices WHERE device_id = ?;`, id, &d)
		if err != nil {
			return errors.Wrap(err, "UpdateDevice load")
		}
		if !fn(&d, found) {
			return nil
		}
		d.ID = id

		doc, err := json.Marshal(d)
		if err != nil {
			return errors.Wrap(err, "UpdateDevice marshal")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO devices(device_id, elder_id, doc, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  elder_id = excluded.elder_id,
  doc = excluded.doc,
  updated_at_ms = excluded.updated_at_ms;
`, id, nullable(d.ElderID), string(doc), nowMs()); err != nil {
			return errors.Wrap(err, "UpdateDevice upsert")
		}
		return nil
	})
}

// ── Elders ───────────────────────────────────────────────────────────────────
func (c *Cache) Elder(ctx context.Context, id string) (types.Elder, error) {
	var e types.Elder
	found, err := loadDoc(ctx, c.db, `SELECT doc FROM elders WHERE elder_id = ?;`, strings.TrimSpace(id), &e)
	if err != nil {
		return types.Elder{}, errors.Wrap(err, "Elder")
	}
	if !found {
		return types.Elder{}, store.ErrNotFound
	}
	return e, nil
}

func (c *Cache) UpdateElder(ctx context.Context, id string, fn store.ElderUpdateFn) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e := types.Elder{ID: id}
		found, err := loadDoc(ctx, tx, `SELECT doc FROM elders WHERE elder_id = ?;`, id, &e)
		if err != nil {
			return errors.Wrap(err, "UpdateElder load")
		}
		if !fn(&e, found) {
			return nil
		}
		e.ID = id

		doc, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "UpdateElder marshal")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO elders(elder_id, device_id, doc, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(elder_id) DO UPDATE SET
  device_id = excluded.device_id,
  doc = excluded.doc,
  updated_at_ms = excluded.updated_at_ms;
`, id, nullable(e.DeviceID), string(doc), nowMs()); err != nil {
			return errors.Wrap(err, "UpdateElder upsert")
		}
		return nil
	})
}

// ── Events ───────────────────────────────────────────────────────────────────
func (c *Cache) Event(ctx context.Context, id string) (types.Event, error) {
	var e types.Event
	found, err := loadDoc(ctx, c.db, `SELECT doc FROM events WHERE event_id = ?;`, strings.TrimSpace(id), &e)
	if err != nil {
		return types.Event{}, errors.Wrap(err, "Event")
	}
	if !found {
		return types.Event{}, store.ErrNotFound
	}
	return e, nil
}

func (c *Cache) UpdateEvent(ctx context.Context, id string, fn store.EventUpdateFn) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e := types.Event{ID: id}
		found, err := loadDoc(ctx, tx, `SELECT doc FROM events WHERE event_id = ?;`, id, &e)
		if err != nil {
			return errors.Wrap(err, "UpdateEvent load")
		}
		if !fn(&e, found) {
			return nil
		}
		e.ID = id

		doc, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "UpdateEvent marshal")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO events(event_id, elder_id, occurred_at_ms, doc, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
  elder_id = excluded.elder_id,
  occurred_at_ms = excluded.occurred_at_ms,
  doc = excluded.doc,
  updated_at_ms = excluded.updated_at_ms;
`, id, nullable(e.ElderID), e.OccurredAt.UTC().UnixMilli(), string(doc), nowMs()); err != nil {
			return errors.Wrap(err, "UpdateEvent upsert")
		}
		return nil
	})
}

// EventsByElder returns the elder's cached events, newest first.
func (c *Cache) EventsByElder(ctx context.Context, elderID string) ([]types.Event, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT doc FROM events
WHERE elder_id = ?
ORDER BY occurred_at_ms DESC;
`, strings.TrimSpace(elderID))
	if err != nil {
		return nil, errors.Wrap(err, "EventsByElder query")
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "EventsByElder scan")
		}
		var e types.Event
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, errors.Wrap(err, "EventsByElder decode")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "EventsByElder rows")
}

// ── Stale marks ──────────────────────────────────────────────────────────────
func (c *Cache) MarkStale(ctx context.Context, key store.QueryKey) error {
	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO stale_keys(query_key, marked_at_ms) VALUES (?, ?);
`, key.String(), nowMs())
		return errors.Wrap(err, "MarkStale")
	})
}

func (c *Cache) ClearStale(ctx context.Context, key store.QueryKey) error {
	return c.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM stale_keys WHERE query_key = ?;`, key.String())
		return errors.Wrap(err, "ClearStale")
	})
}

func (c *Cache) IsStale(ctx context.Context, key store.QueryKey) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stale_keys WHERE query_key = ?;`, key.String(),
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "IsStale")
	}
	return n > 0, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadDoc scans the single doc column selected by query into dst.
func loadDoc(ctx context.Context, q queryRower, query, id string, dst any) (bool, error) {
	var doc string
	err := q.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return false, errors.Wrap(err, "decode cached doc")
	}
	return true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nowMs() int64 { return time.Now().UTC().UnixMilli() }
