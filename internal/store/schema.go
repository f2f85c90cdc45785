// Package store is the persistence layer: a single embedded SQLite file
// holding the proxies and proxy_status tables described by the data model.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDB opens (creating if absent) the SQLite file at path with the pragmas
// appropriate for a single-writer, write-behind-tolerant workload.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Single writer: modernc.org/sqlite serialises at the connection level,
	// and a single connection avoids SQLITE_BUSY under WAL with concurrent
	// writers from this process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	return db, nil
}
