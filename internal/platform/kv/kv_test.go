package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func exercise(t *testing.T, store KV) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := store.Set(ctx, "k", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "k", "v2", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || got != "v2" {
		t.Fatalf("expected v2, got %q (%v)", got, err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMemoryKV(t *testing.T) {
	exercise(t, NewMemoryKV())
}

func TestFileKV(t *testing.T) {
	exercise(t, NewFileKV(filepath.Join(t.TempDir(), "state", "kv.json")))
}

func TestMemoryKV_Expiry(t *testing.T) {
	m := NewMemoryKV()
	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	m.Set(ctx, "session", "x", time.Minute)
	if _, err := m.Get(ctx, "session"); err != nil {
		t.Fatalf("expected live entry, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := m.Get(ctx, "session"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestFileKV_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	ctx := context.Background()

	if err := NewFileKV(path).Set(ctx, "rcn:demo-state", `{"a":1}`, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := NewFileKV(path).Get(ctx, "rcn:demo-state")
	if err != nil || got != `{"a":1}` {
		t.Fatalf("expected persisted value, got %q (%v)", got, err)
	}
}

func TestFileKV_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileKV(path).Get(context.Background(), "k"); err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
