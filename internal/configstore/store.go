package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Store is the in-process, persisted implementation of ports.ConfigStore.
// Reads are served from an in-memory map; writes mark the name dirty and
// return immediately, with the actual SQL write performed by a background
// flush pass — the same "in-memory authoritative, batch-flushed to disk"
// split the teacher's StateEngine applies to weak-persist data, reused
// here for every blob this core persists (equipment tree, reservation
// table, AgentConfig document) since spec.md §4.3 treats all three the
// same way: one opaque blob each.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	values map[string][]byte

	dirty *dirtySet

	subMu sync.Mutex
	subs  map[string][]chan []byte
}

// NewStore wraps db (already migrated) and loads every existing blob into
// memory.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		values: make(map[string][]byte),
		dirty:  newDirtySet(),
		subs:   make(map[string][]chan []byte),
	}
	rows, err := db.Query(`SELECT name, value FROM blobs`)
	if err != nil {
		return nil, fmt.Errorf("configstore: load blobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value []byte
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("configstore: scan blob row: %w", err)
		}
		s.values[name] = value
	}
	return s, rows.Err()
}

// Get returns the current value for name, or (nil, nil) if it has never
// been set.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set installs value as the current in-memory value for name, marks it
// dirty for the next flush, and notifies any active Watch subscribers.
// Per spec.md §7, a ConfigStore failure never fails the triggering
// operation — the in-memory value is authoritative immediately; only the
// on-disk copy catches up asynchronously via Flush.
func (s *Store) Set(ctx context.Context, name string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	s.values[name] = cp
	s.mu.Unlock()

	s.dirty.mark(name)
	s.notify(name, cp)
	return nil
}

// Watch returns a channel that receives every subsequent value Set for
// name. The channel is unbuffered from the caller's perspective but
// internally buffered by one slot so a slow consumer doesn't block Set.
func (s *Store) Watch(ctx context.Context, name string) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	s.subMu.Lock()
	s.subs[name] = append(s.subs[name], ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[name]
		for i, c := range list {
			if c == ch {
				s.subs[name] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (s *Store) notify(name string, value []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[name] {
		select {
		case ch <- value:
		default:
		}
	}
}

// Flush drains the dirty set and upserts every dirty name's current value
// into the blobs table in one transaction. On failure, the drained names
// are merged back into the dirty set for the next attempt — the same
// remerge-on-failure contract as the teacher's FlushDirtySets.
func (s *Store) Flush(ctx context.Context) error {
	drained := s.dirty.drain()
	if len(drained) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.dirty.merge(drained)
		return fmt.Errorf("configstore: begin flush tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blobs (name, value, version, updated_at_ns)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			version = blobs.version + 1,
			updated_at_ns = excluded.updated_at_ns
	`)
	if err != nil {
		tx.Rollback()
		s.dirty.merge(drained)
		return fmt.Errorf("configstore: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for name := range drained {
		s.mu.RLock()
		value := s.values[name]
		s.mu.RUnlock()
		if _, err := stmt.ExecContext(ctx, name, value, now); err != nil {
			tx.Rollback()
			s.dirty.merge(drained)
			return fmt.Errorf("configstore: upsert %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.dirty.merge(drained)
		return fmt.Errorf("configstore: commit flush tx: %w", err)
	}
	return nil
}

// DirtyCount returns the number of blob names awaiting their next flush.
func (s *Store) DirtyCount() int {
	return s.dirty.len()
}
