package provision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quatton/qbench/pkg/kv"
)

func testShared() *sharedResources {
	return &sharedResources{
		store:    kv.NewMemoryStore(),
		claimTTL: time.Minute,
		interval: time.Millisecond,
		timeout:  2 * time.Second,
	}
}

func TestOnceFailedCreatorReleasesClaim(t *testing.T) {
	r := testShared()
	ctx := context.Background()
	boom := errors.New("quota")

	if _, err := r.once(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected creator error, got %v", err)
	}
	v, err := r.once(ctx, "k", func(context.Context) ([]byte, error) { return []byte("sg-9"), nil })
	if err != nil || string(v) != "sg-9" {
		t.Fatalf("once = %q, %v", v, err)
	}
}

func TestOnceConcurrentCallersShareValue(t *testing.T) {
	r := testShared()
	var creates atomic.Int32

	var wg sync.WaitGroup
	values := make([]string, 16)
	for i := range values {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.once(context.Background(), "k", func(context.Context) ([]byte, error) {
				creates.Add(1)
				time.Sleep(5 * time.Millisecond)
				return []byte("kp"), nil
			})
			if err != nil {
				t.Errorf("once failed: %v", err)
			}
			values[i] = string(v)
		}(i)
	}
	wg.Wait()

	if creates.Load() != 1 {
		t.Fatalf("expected one creation, got %d", creates.Load())
	}
	for _, v := range values {
		if v != "kp" {
			t.Fatalf("unexpected value %q", v)
		}
	}
}

func TestOnceFailedCreatorKeepsNewerClaim(t *testing.T) {
	r := testShared()
	ctx := context.Background()
	other := []byte(pendingPrefix + "other-process")

	_, err := r.once(ctx, "k", func(ctx context.Context) ([]byte, error) {
		// Our claim expires and another process claims the key before
		// creation fails.
		if err := r.store.Delete(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		if won, err := r.store.SetNX(ctx, "k", other, time.Minute); err != nil || !won {
			t.Fatalf("SetNX = %v, %v", won, err)
		}
		return nil, errors.New("quota")
	})
	if err == nil {
		t.Fatal("expected creator error")
	}

	v, err := r.store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("newer claim was released: %v", err)
	}
	if string(v) != string(other) {
		t.Fatalf("claim = %q, want %q", v, other)
	}
}
