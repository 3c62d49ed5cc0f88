package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/quatton/qbench/pkg/kv"
)

// pendingPrefix marks a claim whose resource is still being created. Each
// claim appends its own token.
const pendingPrefix = "\x00pending:"

func isPending(v []byte) bool {
	return bytes.HasPrefix(v, []byte(pendingPrefix))
}

// sharedResources creates each keyed resource at most once. The first caller
// to claim a key creates the resource and publishes its value; other callers
// wait for the value and reuse it. A failed creation releases the claim.
type sharedResources struct {
	store    kv.Store
	claimTTL time.Duration
	valueTTL time.Duration
	interval time.Duration
	timeout  time.Duration
}

func (r *sharedResources) once(ctx context.Context, key string, create func(context.Context) ([]byte, error)) ([]byte, error) {
	var value []byte
	err := wait.PollUntilContextTimeout(ctx, r.interval, r.timeout, true, func(ctx context.Context) (bool, error) {
		v, err := r.store.Get(ctx, key)
		switch {
		case err == nil && !isPending(v):
			value = v
			return true, nil
		case err == nil:
			return false, nil
		case !errors.Is(err, kv.ErrNotFound):
			return false, fmt.Errorf("read claim %s: %w", key, err)
		}

		token := []byte(pendingPrefix + uuid.NewString())
		won, err := r.store.SetNX(ctx, key, token, r.claimTTL)
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", key, err)
		}
		if !won {
			return false, nil
		}

		created, err := create(ctx)
		if err != nil {
			// Only our own pending claim is released.
			r.store.CompareAndDelete(context.WithoutCancel(ctx), key, token)
			return false, err
		}
		if err := r.store.Set(ctx, key, created, r.valueTTL); err != nil {
			return false, fmt.Errorf("publish %s: %w", key, err)
		}
		value = created
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("timed out waiting for shared resource %s", key)
		}
		return nil, err
	}
	return value, nil
}
