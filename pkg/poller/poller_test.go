package poller_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/poller"
	"github.com/quatton/qbench/pkg/qerr"
)

type scriptedProbe struct {
	mu      sync.Mutex
	results []error // nil = absent, errFound = present, other = failure
	calls   int
}

var errFound = errors.New("found")

func (p *scriptedProbe) MarkerExists(ctx context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		return false, nil
	}
	switch err := p.results[i]; {
	case err == nil:
		return false, nil
	case errors.Is(err, errFound):
		return true, nil
	default:
		return false, err
	}
}

func fast() *poller.Poller {
	return poller.New(poller.WithInterval(5*time.Millisecond), poller.WithMaxFailures(3))
}

func TestAwaitSucceeds(t *testing.T) {
	probe := &scriptedProbe{results: []error{nil, nil, errFound}}
	status, err := fast().AwaitCompletion(context.Background(), probe, "/tmp/done", time.Second)
	if err != nil || status != fleet.RunStatusSucceeded {
		t.Fatalf("got %s, %v", status, err)
	}
	if probe.calls != 3 {
		t.Fatalf("expected 3 checks, got %d", probe.calls)
	}
}

func TestAwaitTimesOutWithinBound(t *testing.T) {
	probe := &scriptedProbe{}
	timeout := 50 * time.Millisecond

	started := time.Now()
	status, err := fast().AwaitCompletion(context.Background(), probe, "/tmp/done", timeout)
	elapsed := time.Since(started)

	if status != fleet.RunStatusTimedOut || !qerr.IsCode(err, qerr.CodeTimeout) {
		t.Fatalf("got %s, %v", status, err)
	}
	if elapsed > timeout+time.Second {
		t.Fatalf("poll overran its timeout: %s", elapsed)
	}
}

func TestAwaitTransientFailuresReset(t *testing.T) {
	boom := errors.New("broken pipe")
	probe := &scriptedProbe{results: []error{boom, boom, nil, boom, boom, errFound}}
	status, err := fast().AwaitCompletion(context.Background(), probe, "/tmp/done", time.Second)
	if err != nil || status != fleet.RunStatusSucceeded {
		t.Fatalf("got %s, %v", status, err)
	}
}

func TestAwaitFailsAfterConsecutiveErrors(t *testing.T) {
	boom := errors.New("connection reset")
	probe := &scriptedProbe{results: []error{boom, boom, boom}}
	status, err := fast().AwaitCompletion(context.Background(), probe, "/tmp/done", time.Second)
	if status != fleet.RunStatusFailed || !qerr.IsCode(err, qerr.CodeConnection) {
		t.Fatalf("got %s, %v", status, err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected last probe error in chain, got %v", err)
	}
}

func TestAwaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	status, err := fast().AwaitCompletion(ctx, &scriptedProbe{}, "/tmp/done", time.Minute)
	if status != fleet.RunStatusCancelled || !qerr.IsCode(err, qerr.CodeCancelled) {
		t.Fatalf("got %s, %v", status, err)
	}
}

func TestCheckHook(t *testing.T) {
	var checks int
	p := poller.New(poller.WithInterval(time.Millisecond), poller.WithCheckHook(func(bool, error) { checks++ }))
	probe := &scriptedProbe{results: []error{nil, errFound}}
	if _, err := p.AwaitCompletion(context.Background(), probe, "/tmp/done", time.Second); err != nil {
		t.Fatal(err)
	}
	if checks != 2 {
		t.Fatalf("expected 2 checks, got %d", checks)
	}
}
