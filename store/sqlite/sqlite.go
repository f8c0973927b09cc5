// Package sqlite provides a core.Database persisted in a SQLite file. Every
// logical table shares one physical table of JSON rows keyed by (table, id).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/store"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Database is a SQLite backed record store.
type Database struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (and creates if needed) the database at path.
func Open(path string) (*Database, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serialises writers; a :memory: database would also be
	// private to each connection.
	db.SetMaxOpenConns(1)

	if err := execWithRetry(db, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Database{db: db, path: path, now: time.Now}, nil
}

// dsn applies the connection pragmas through driver parameters so that every
// pooled connection gets them.
func dsn(path string) string {
	if path == MemoryPath {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
}

// execWithRetry retries statements that fail with "database is locked" while
// another process initialises the same file.
func execWithRetry(db *sql.DB, stmt string) error {
	op := func() error {
		_, err := db.Exec(stmt)
		if err != nil && !strings.Contains(err.Error(), "database is locked") {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(10*time.Millisecond)), 5)
	return backoff.Retry(op, b)
}

// Path returns the file the database was opened from.
func (d *Database) Path() string { return d.path }

// Table returns a handle on the named table.
func (d *Database) Table(name string) core.Table {
	return &table{db: d, name: name}
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

type table struct {
	db   *Database
	name string
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (t *table) FindByID(ctx context.Context, id string) (core.Record, error) {
	return t.get(ctx, t.db.db, id)
}

func (t *table) FindMany(ctx context.Context, cond core.Condition) ([]core.Record, error) {
	rows, err := t.db.db.QueryContext(ctx, `SELECT data FROM records WHERE tbl = ? ORDER BY id`, t.name)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		if store.Matches(rec, cond) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (t *table) Create(ctx context.Context, rec core.Record) (core.Record, error) {
	out := store.PrepareCreate(rec, t.db.now())
	if err := t.put(ctx, t.db.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) Update(ctx context.Context, id string, fields core.Record) (core.Record, error) {
	var out core.Record
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := t.get(ctx, tx, id)
		if err != nil {
			return err
		}
		out = store.Merge(existing, fields, t.db.now())
		return t.put(ctx, tx, out)
	})
	return out, err
}

func (t *table) Upsert(ctx context.Context, rec core.Record) (core.Record, error) {
	var out core.Record
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := t.get(ctx, tx, rec.ID())
		switch {
		case err == nil:
			out = store.Merge(existing, rec, t.db.now())
		case errors.Is(err, core.ErrRecordNotFound):
			out = store.PrepareCreate(rec, t.db.now())
		default:
			return err
		}
		return t.put(ctx, tx, out)
	})
	return out, err
}

func (t *table) Delete(ctx context.Context, id string) error {
	res, err := t.db.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, t.name, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", t.name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NotFound(t.name, id)
	}
	return nil
}

func (t *table) get(ctx context.Context, q queryer, id string) (core.Record, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM records WHERE tbl = ? AND id = ?`, t.name, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(t.name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", t.name, id, err)
	}
	return decode(data)
}

func (t *table) put(ctx context.Context, q queryer, rec core.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", t.name, rec.ID(), err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO records (tbl, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tbl, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		t.name, rec.ID(), string(data), rec[store.FieldUpdatedAt])
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", t.name, rec.ID(), err)
	}
	return nil
}

func (t *table) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func decode(data string) (core.Record, error) {
	var rec core.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
