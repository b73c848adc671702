package kvstore

import (
	"context"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v err %v, want absent", ok, err)
	}
	if err := s.Set(ctx, "ticket_sent_42", "[]"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "ticket_sent_42", `[{"timestamp":1}]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := s.Get(ctx, "ticket_sent_42")
	if err != nil || !ok || v != `[{"timestamp":1}]` {
		t.Fatalf("Get = %q ok %v err %v", v, ok, err)
	}
	if err := s.Delete(ctx, "ticket_sent_42"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "ticket_sent_42"); ok {
		t.Fatalf("key still present after Delete")
	}
	if err := s.Delete(ctx, "never-written"); err != nil {
		t.Fatalf("Delete of absent key should succeed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCancelledWriteKeepsPriorState(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Set(context.Background(), "k", "old"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, "k", "new"); err == nil {
		t.Fatalf("Set with cancelled context should fail")
	}
	if err := s.Delete(ctx, "k"); err == nil {
		t.Fatalf("Delete with cancelled context should fail")
	}
	v, ok, err := s.Get(context.Background(), "k")
	if err != nil || !ok || v != "old" {
		t.Fatalf("Get = %q ok %v err %v, want prior value", v, ok, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "kv.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenDrivers(t *testing.T) {
	s, closeFn, err := Open("none", "", nil)
	if err != nil || s != nil {
		t.Fatalf("Open(none) = %v, %v; want nil store", s, err)
	}
	_ = closeFn()

	s, _, err = Open("memory", "", nil)
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("Open(memory) returned %T", s)
	}

	if _, _, err := Open("redis", "", nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
