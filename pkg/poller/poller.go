// Package poller waits for marker files that remote workloads create when
// they finish.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
)

// Probe checks for a marker file on an instance.
type Probe interface {
	MarkerExists(ctx context.Context, marker string) (bool, error)
}

const (
	DefaultInterval    = 60 * time.Second
	DefaultMaxFailures = 5
)

// Poller checks a marker at a fixed interval until it appears, a timeout
// elapses, or the probe keeps failing. Each call has its own timer.
type Poller struct {
	interval    time.Duration
	maxFailures int
	log         *qlog.Logger
	onCheck     func(found bool, err error)
}

// Option configures a Poller
type Option func(*Poller)

// WithInterval sets the time between checks.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithMaxFailures sets how many consecutive probe errors end the wait.
func WithMaxFailures(n int) Option {
	return func(p *Poller) { p.maxFailures = n }
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// WithCheckHook is called after every probe.
func WithCheckHook(fn func(found bool, err error)) Option {
	return func(p *Poller) { p.onCheck = fn }
}

func New(opts ...Option) *Poller {
	p := &Poller{
		interval:    DefaultInterval,
		maxFailures: DefaultMaxFailures,
		log:         qlog.NewDiscard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var errProbeFailing = errors.New("marker probe kept failing")

// AwaitCompletion blocks until marker exists on the instance.
//
//	marker found                 -> succeeded, nil
//	timeout elapsed              -> timed_out, timeout error
//	maxFailures probe errors     -> failed, connection error
//	ctx cancelled                -> cancelled, cancelled error
func (p *Poller) AwaitCompletion(ctx context.Context, probe Probe, marker string, timeout time.Duration) (fleet.RunStatus, error) {
	started := time.Now()
	failures := 0
	var lastErr error

	err := wait.PollUntilContextTimeout(ctx, p.interval, timeout, true, func(pollCtx context.Context) (bool, error) {
		found, err := probe.MarkerExists(pollCtx, marker)
		if p.onCheck != nil {
			p.onCheck(found, err)
		}
		if err != nil {
			if pollCtx.Err() != nil {
				return false, nil
			}
			failures++
			lastErr = err
			p.log.Debug("marker check failed", "marker", marker, "failures", failures, "error", err)
			if failures >= p.maxFailures {
				return false, errProbeFailing
			}
			return false, nil
		}
		failures = 0
		if !found {
			p.log.Debug("marker not present yet", "marker", marker, "elapsed", time.Since(started).Round(time.Second))
		}
		return found, nil
	})

	switch {
	case err == nil:
		return fleet.RunStatusSucceeded, nil
	case errors.Is(err, errProbeFailing):
		return fleet.RunStatusFailed, qerr.New(qerr.CodeConnection, fmt.Errorf("%w after %d attempts: %w", errProbeFailing, failures, lastErr))
	case ctx.Err() != nil:
		return fleet.RunStatusCancelled, qerr.New(qerr.CodeCancelled, ctx.Err())
	case wait.Interrupted(err):
		return fleet.RunStatusTimedOut, qerr.Errorf(qerr.CodeTimeout, "%s did not appear within %s", marker, timeout)
	default:
		return fleet.RunStatusFailed, qerr.New(qerr.CodeConnection, err)
	}
}
