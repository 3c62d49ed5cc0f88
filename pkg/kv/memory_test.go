package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	if ok, _ := s.SetNX(ctx, "claim", []byte("a"), time.Minute); !ok {
		t.Fatal("expected first SetNX to win")
	}
	if ok, _ := s.SetNX(ctx, "claim", []byte("b"), time.Minute); ok {
		t.Fatal("expected second SetNX to lose")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := s.SetNX(ctx, "claim", []byte("c"), time.Minute); !ok {
		t.Fatal("expected SetNX to win after expiry")
	}
	got, _ := s.Get(ctx, "claim")
	if string(got) != "c" {
		t.Fatalf("expected c, got %q", got)
	}
}

func TestMemoryStoreSetNXSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(ctx, "shared", []byte("x"), 0); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if ok, err := s.CompareAndDelete(ctx, "k", []byte("a")); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	s.Set(ctx, "k", []byte("b"), 0)
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("a")); ok {
		t.Fatal("deleted a key holding a different value")
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("key should survive a mismatched delete: %v", err)
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("b")); !ok {
		t.Fatal("expected matching delete to succeed")
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
