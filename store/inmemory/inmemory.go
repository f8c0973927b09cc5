// Package inmemory provides a volatile core.Database backed by process local
// maps. It is safe for concurrent access and suited for tests and demos.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/store"
)

// Database stores every table in one map guarded by a single lock. Records
// are cloned on the way in and out so callers never share internal state.
type Database struct {
	mu     sync.RWMutex
	tables map[string]map[string]core.Record
	now    func() time.Time
}

// New constructs an empty in-memory database.
func New() *Database {
	return &Database{
		tables: make(map[string]map[string]core.Record),
		now:    time.Now,
	}
}

// Table returns a handle on the named table. Tables are created lazily.
func (d *Database) Table(name string) core.Table {
	return &table{db: d, name: name}
}

// Close drops all data.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables = make(map[string]map[string]core.Record)
	return nil
}

type table struct {
	db   *Database
	name string
}

func (t *table) FindByID(_ context.Context, id string) (core.Record, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	rec, ok := t.db.tables[t.name][id]
	if !ok {
		return nil, store.NotFound(t.name, id)
	}
	return rec.Clone(), nil
}

func (t *table) FindMany(_ context.Context, cond core.Condition) ([]core.Record, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	var out []core.Record
	for _, rec := range t.db.tables[t.name] {
		if store.Matches(rec, cond) {
			out = append(out, rec.Clone())
		}
	}
	store.SortByID(out)
	return out, nil
}

func (t *table) Create(_ context.Context, rec core.Record) (core.Record, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	out := store.PrepareCreate(rec, t.db.now())
	t.rowsLocked()[out.ID()] = out
	return out.Clone(), nil
}

func (t *table) Update(_ context.Context, id string, fields core.Record) (core.Record, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	rows := t.rowsLocked()
	existing, ok := rows[id]
	if !ok {
		return nil, store.NotFound(t.name, id)
	}
	out := store.Merge(existing, fields, t.db.now())
	rows[id] = out
	return out.Clone(), nil
}

func (t *table) Upsert(_ context.Context, rec core.Record) (core.Record, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	rows := t.rowsLocked()
	var out core.Record
	if existing, ok := rows[rec.ID()]; ok && rec.ID() != "" {
		out = store.Merge(existing, rec, t.db.now())
	} else {
		out = store.PrepareCreate(rec, t.db.now())
	}
	rows[out.ID()] = out
	return out.Clone(), nil
}

func (t *table) Delete(_ context.Context, id string) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	rows := t.rowsLocked()
	if _, ok := rows[id]; !ok {
		return store.NotFound(t.name, id)
	}
	delete(rows, id)
	return nil
}

// rowsLocked returns the table's map, allocating it on first write. The
// caller must hold the write lock.
func (t *table) rowsLocked() map[string]core.Record {
	rows, ok := t.db.tables[t.name]
	if !ok {
		rows = make(map[string]core.Record)
		t.db.tables[t.name] = rows
	}
	return rows
}
