// Package boltdb provides a core.Database persisted in a BoltDB file, with one
// bucket per table and JSON encoded records.
package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/store"
)

// Database wraps a BoltDB instance.
type Database struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (and creates if needed) the bolt file at path. A second process
// opening the same file blocks for at most timeout.
func Open(path string, timeout time.Duration) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db, now: time.Now}, nil
}

// Bolt returns the underlying BoltDB instance.
func (d *Database) Bolt() *bolt.DB { return d.db }

// Table returns a handle on the named table. Its bucket is created on the
// first write.
func (d *Database) Table(name string) core.Table {
	return &table{db: d, bucket: []byte(name)}
}

// Close closes the underlying BoltDB instance.
func (d *Database) Close() error {
	return d.db.Close()
}

type table struct {
	db     *Database
	bucket []byte
}

func (t *table) FindByID(ctx context.Context, id string) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec core.Record
	err := t.db.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = t.get(tx, id)
		return err
	})
	return rec, err
}

func (t *table) FindMany(ctx context.Context, cond core.Condition) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []core.Record
	err := t.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil
		}
		// Keys iterate in byte order, which is id order.
		return b.ForEach(func(_, v []byte) error {
			rec, err := decode(v)
			if err != nil {
				return err
			}
			if store.Matches(rec, cond) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

func (t *table) Create(ctx context.Context, rec core.Record) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := store.PrepareCreate(rec, t.db.now())
	err := t.db.db.Update(func(tx *bolt.Tx) error {
		return t.put(tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) Update(ctx context.Context, id string, fields core.Record) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out core.Record
	err := t.db.db.Update(func(tx *bolt.Tx) error {
		existing, err := t.get(tx, id)
		if err != nil {
			return err
		}
		out = store.Merge(existing, fields, t.db.now())
		return t.put(tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) Upsert(ctx context.Context, rec core.Record) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out core.Record
	err := t.db.db.Update(func(tx *bolt.Tx) error {
		existing, err := t.get(tx, rec.ID())
		if err == nil && rec.ID() != "" {
			out = store.Merge(existing, rec, t.db.now())
		} else {
			out = store.PrepareCreate(rec, t.db.now())
		}
		return t.put(tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return t.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil || b.Get([]byte(id)) == nil {
			return store.NotFound(string(t.bucket), id)
		}
		return b.Delete([]byte(id))
	})
}

func (t *table) get(tx *bolt.Tx, id string) (core.Record, error) {
	b := tx.Bucket(t.bucket)
	if b == nil || id == "" {
		return nil, store.NotFound(string(t.bucket), id)
	}
	v := b.Get([]byte(id))
	if v == nil {
		return nil, store.NotFound(string(t.bucket), id)
	}
	return decode(v)
}

func (t *table) put(tx *bolt.Tx, rec core.Record) error {
	b, err := tx.CreateBucketIfNotExists(t.bucket)
	if err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", t.bucket, err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID(), err)
	}
	return b.Put([]byte(rec.ID()), data)
}

// decode copies nothing: json.Unmarshal does not retain v, which is only
// valid inside the transaction.
func decode(v []byte) (core.Record, error) {
	var rec core.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
