// Package orchestrator runs one lifecycle state machine per InstanceSpec,
// all concurrently, and joins their outcomes into a report.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quatton/qbench/pkg/collect"
	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/instancestate"
	"github.com/quatton/qbench/pkg/poller"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/remote"
)

// Provisioner creates or adopts the instance for a spec. On error the
// returned handle is non-empty when an instance exists and must be torn
// down.
type Provisioner interface {
	Provision(ctx context.Context, spec fleet.InstanceSpec) (fleet.Handle, error)
}

// Teardowner releases an instance.
type Teardowner interface {
	Teardown(ctx context.Context, inst *fleet.Instance, keepAlive bool) error
}

const (
	DefaultBootTimeout     = 25 * time.Minute
	DefaultTeardownTimeout = 5 * time.Minute
	DefaultTransferTimeout = 30 * time.Minute
)

// Orchestrator wires the lifecycle components together.
type Orchestrator struct {
	id   string
	name string

	providers   *provider.Registry
	provisioner Provisioner
	teardown    Teardowner
	collector   *collect.Collector
	poller      *poller.Poller
	state       *instancestate.Store
	observer    fleet.Observer

	steps           fleet.RunSteps
	layout          remote.Layout
	bootTimeout     time.Duration
	teardownTimeout time.Duration
	transferTimeout time.Duration
	execOpts        []remote.ExecutorOption
	log             *qlog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithID sets the orchestration ID. A UUIDv7 is generated otherwise.
func WithID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithName sets the experiment name recorded in the report.
func WithName(name string) Option {
	return func(o *Orchestrator) { o.name = name }
}

// WithSteps gates lifecycle phases.
func WithSteps(steps fleet.RunSteps) Option {
	return func(o *Orchestrator) { o.steps = steps }
}

// WithPoller replaces the default poller.
func WithPoller(p *poller.Poller) Option {
	return func(o *Orchestrator) { o.poller = p }
}

// WithState records per-instance state files.
func WithState(s *instancestate.Store) Option {
	return func(o *Orchestrator) { o.state = s }
}

// WithObserver receives lifecycle events and the final report.
func WithObserver(obs fleet.Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLayout overrides the remote file layout.
func WithLayout(l remote.Layout) Option {
	return func(o *Orchestrator) { o.layout = l }
}

// WithBootTimeout bounds the wait for the boot marker.
func WithBootTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.bootTimeout = d }
}

// WithTeardownTimeout bounds each teardown call.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.teardownTimeout = d }
}

// WithTransferTimeout bounds each upload, launch, handoff and collection.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.transferTimeout = d }
}

// WithExecutorOptions are applied to every remote executor.
func WithExecutorOptions(opts ...remote.ExecutorOption) Option {
	return func(o *Orchestrator) { o.execOpts = append(o.execOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *qlog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func New(providers *provider.Registry, provisioner Provisioner, teardown Teardowner, collector *collect.Collector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:       providers,
		provisioner:     provisioner,
		teardown:        teardown,
		collector:       collector,
		poller:          poller.New(),
		observer:        fleet.Observers{},
		steps:           fleet.AllSteps(),
		layout:          remote.DefaultLayout(),
		bootTimeout:     DefaultBootTimeout,
		teardownTimeout: DefaultTeardownTimeout,
		transferTimeout: DefaultTransferTimeout,
		log:             qlog.NewDiscard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		if id, err := uuid.NewV7(); err == nil {
			o.id = id.String()
		} else {
			o.id = uuid.NewString()
		}
	}
	return o
}

// ID returns the orchestration ID.
func (o *Orchestrator) ID() string {
	return o.id
}

// Orchestrate runs every spec to a terminal state and returns the report.
// Failures are contained to their instance; the report always holds one
// outcome per spec. Cancelling ctx moves every instance to teardown.
func (o *Orchestrator) Orchestrate(ctx context.Context, specs []fleet.InstanceSpec) *fleet.Report {
	report := fleet.NewReport(o.id, o.name)
	o.log.Info("orchestration started", "id", o.id, "instances", len(specs))

	seen := make(map[string]bool, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		if seen[spec.ID] {
			report.Append(o.rejected(i, spec, qerr.Errorf(qerr.CodeInvalidSpec, "duplicate instance id %q", spec.ID)))
			continue
		}
		seen[spec.ID] = true

		wg.Add(1)
		go func(order int, spec fleet.InstanceSpec) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("instance lifecycle panicked", "instance", spec.ID, "panic", r, "stack", string(debug.Stack()))
					report.Append(o.rejected(order, spec, fmt.Errorf("panic: %v", r)))
				}
			}()
			m := newMachine(o, order, spec)
			report.Append(m.run(ctx))
		}(i, spec)
	}
	wg.Wait()

	report.FinishedAt = time.Now()
	if err := o.observer.OnReport(context.WithoutCancel(ctx), report); err != nil {
		o.log.Warn("failed to publish report", "error", err)
	}

	s := report.Summary()
	o.log.Info("orchestration finished",
		"id", o.id,
		"done", s.Instances[fleet.PhaseDone],
		"failed", s.Instances[fleet.PhaseFailed],
		"skipped", s.Instances[fleet.PhaseSkipped],
		"runs_succeeded", s.Runs[fleet.RunStatusSucceeded],
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Second),
	)
	return report
}

func (o *Orchestrator) rejected(order int, spec fleet.InstanceSpec, err error) fleet.InstanceOutcome {
	now := time.Now()
	return fleet.InstanceOutcome{
		SpecID:     spec.ID,
		Order:      order,
		Provider:   spec.Provider,
		Region:     spec.Region,
		Phase:      fleet.PhaseFailed,
		Error:      err.Error(),
		ErrorCode:  string(qerr.CodeOf(err)),
		StartedAt:  now,
		FinishedAt: now,
	}
}
