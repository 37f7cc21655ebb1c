// Package configstore persists the core's opaque state — the equipment
// tree, the reservation table, and the accepted AgentConfig document — each
// as a single named blob, one row per logical name in a single table
// (spec.md §4.3: "serialized to a single opaque blob... after every
// accepted mutation"). Grounded on the teacher's state package: the same
// pure-Go modernc.org/sqlite driver, WAL pragmas, and golang-migrate/v4
// schema versioning, simplified from the teacher's multi-table
// state.db/cache.db split down to the single blobs table this core's data
// model calls for.
package configstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDB opens (or creates) a SQLite database at path with the same
// recommended pragmas the teacher applies: WAL journaling, NORMAL
// synchronous mode, foreign keys on, and a busy timeout so a concurrent
// writer blocks briefly instead of failing outright.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("configstore: open db %s: %w", path, err)
	}
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
			return nil, fmt.Errorf("configstore: exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}
