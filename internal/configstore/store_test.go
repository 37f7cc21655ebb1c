package configstore

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := MigrateDB(db); err != nil {
		t.Fatalf("MigrateDB: %v", err)
	}
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "equipment", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "equipment")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"v":1}` {
		t.Errorf("got %s", got)
	}
}

func TestGetUnsetNameReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for an unset name, got %v", got)
	}
}

func TestFlushPersistsToDiskAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := OpenDB(dir + "/state.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := MigrateDB(db1); err != nil {
		t.Fatal(err)
	}
	s1, err := NewStore(db1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s1.Set(ctx, "reservations", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s1.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	db1.Close()

	db2, err := OpenDB(dir + "/state.db")
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	s2, err := NewStore(db2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get(ctx, "reservations")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("expected persisted value to survive reopen, got %q", got)
	}
}

func TestWatchReceivesSubsequentSets(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "config")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "config", []byte("v1")); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-ch:
		if string(v) != "v1" {
			t.Errorf("got %s", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch notification")
	}
}

func TestFlushWorkerFlushesOnThreshold(t *testing.T) {
	s := newTestStore(t)
	w := NewFlushWorker(s, func() int { return 1 }, func() time.Duration { return time.Hour }, 10*time.Millisecond)
	w.Start()
	defer w.Stop()

	if err := s.Set(context.Background(), "equipment", []byte("x")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for s.DirtyCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.DirtyCount() != 0 {
		t.Error("expected the flush worker to clear the dirty set")
	}
}
