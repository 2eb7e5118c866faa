// Package store is the data access layer for the SignalSifter database:
// channel registry, message store, entities, analysis log, quota counters
// and leases, all in one SQLite file.
package store

import (
	"database/sql"

	"github.com/hazyhaar/signalsifter/idgen"
)

// Store wraps the shared database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, newID: idgen.Default}
}

type scanner interface {
	Scan(dest ...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
