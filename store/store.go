package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/opsmesh/core"
)

// Timestamp keys maintained by every driver.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Driver names accepted by Open helpers and the config file.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// PrepareCreate returns a copy of rec ready to be inserted: it carries an id
// and both timestamps.
func PrepareCreate(rec core.Record, now time.Time) core.Record {
	out := rec.Clone()
	if out.ID() == "" {
		out[FieldID] = uuid.NewString()
	}
	ts := now.UTC().Format(time.RFC3339Nano)
	if _, ok := out[FieldCreatedAt]; !ok {
		out[FieldCreatedAt] = ts
	}
	out[FieldUpdatedAt] = ts
	return out
}

// Merge applies fields on top of existing. The id and creation time of the
// existing record are kept.
func Merge(existing, fields core.Record, now time.Time) core.Record {
	out := existing.Clone()
	for k, v := range fields {
		if k == FieldID || k == FieldCreatedAt {
			continue
		}
		out[k] = v
	}
	out[FieldUpdatedAt] = now.UTC().Format(time.RFC3339Nano)
	return out
}

// Matches reports whether rec satisfies every field of cond. Values are
// compared on their printed form so that 3 and 3.0 decoded from JSON match.
func Matches(rec core.Record, cond core.Condition) bool {
	for k, want := range cond {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// SortByID orders records by primary key so listings are deterministic.
func SortByID(records []core.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID() < records[j].ID() })
}

// NotFound wraps core.ErrRecordNotFound with the table and id.
func NotFound(table, id string) error {
	return fmt.Errorf("%s/%s: %w", table, id, core.ErrRecordNotFound)
}
