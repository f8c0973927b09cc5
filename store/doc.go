// Package store holds the record helpers shared by the core.Database
// implementations in its sub-packages:
//
//   - inmemory: process local maps, for tests and demos
//   - sqlite:   a single JSON row table in SQLite
//   - boltdb:   one bucket per table in a BoltDB file
//
// All drivers follow the same record semantics: the "id" key is the primary
// key, Create assigns a UUID when it is missing, Update merges fields into the
// stored record and FindMany matches every condition field by equality.
package store
