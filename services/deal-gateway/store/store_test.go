package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "idempotency.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIdempotencyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	body := []byte(`{"status":"ok"}`)
	if err := s.PutIdempotent("POST|/v1/sales/abc/pause|key-1", 200, body, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	record, err := s.GetIdempotent("POST|/v1/sales/abc/pause|key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", record.StatusCode)
	}
	if string(record.Body) != string(body) {
		t.Fatalf("body = %q, want %q", record.Body, body)
	}
}

func TestIdempotencyMiss(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetIdempotent("never-stored"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v, want %v", err, ErrNotFound)
	}
}

func TestIdempotencyExpiry(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutIdempotent("expiring", 201, []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.GetIdempotent("expiring"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record: %v, want %v", err, ErrNotFound)
	}
	// The expired record is dropped, so a fresh write reuses the key.
	if err := s.PutIdempotent("expiring", 200, []byte("y"), time.Minute); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	record, err := s.GetIdempotent("expiring")
	if err != nil {
		t.Fatalf("get rewritten: %v", err)
	}
	if string(record.Body) != "y" {
		t.Fatalf("body = %q, want y", record.Body)
	}
}
