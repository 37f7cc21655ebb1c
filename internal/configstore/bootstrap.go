package configstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// closer releases the underlying DB handle. Implements io.Closer.
type closer struct {
	db *sql.DB
}

func (c *closer) Close() error { return c.db.Close() }

// Bootstrap opens (creating if needed) the blobs database under dir,
// migrates it, and returns a ready-to-use Store plus a close function for
// the DB handle — the same phased open/migrate/construct sequence as the
// teacher's PersistenceBootstrap, collapsed from two databases to this
// core's single blobs database.
func Bootstrap(dir string) (store *Store, closeFn func() error, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("configstore: create dir %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, "driveragent.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, nil, err
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, nil, err
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	c := &closer{db: db}
	return s, c.Close, nil
}
