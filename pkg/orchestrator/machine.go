package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/remote"
)

// machine is the lifecycle of one instance. Only its own goroutine touches
// it.
type machine struct {
	o     *Orchestrator
	order int
	inst  *fleet.Instance
	exec  *remote.Executor
	log   *qlog.Logger
}

func newMachine(o *Orchestrator, order int, spec fleet.InstanceSpec) *machine {
	return &machine{
		o:     o,
		order: order,
		inst:  fleet.NewInstance(o.id, spec),
		log:   o.log.With("instance", spec.ID),
	}
}

func (m *machine) run(ctx context.Context) fleet.InstanceOutcome {
	spec := m.inst.Spec

	if !spec.Deploy {
		m.skipRuns(fleet.RunStatusSkipped, "instance not deployed")
		m.transition(ctx, fleet.PhaseSkipped, nil, "deploy disabled for instance")
		return m.outcome(nil, nil, false)
	}
	if !m.o.steps.DeployInstance && !spec.BYO() {
		m.skipRuns(fleet.RunStatusSkipped, "deploy step disabled")
		m.transition(ctx, fleet.PhaseSkipped, nil, "deploy step disabled")
		return m.outcome(nil, nil, false)
	}

	runErr := m.execute(ctx)
	if runErr != nil {
		m.skipFrom(0, runErr)
	}

	if m.exec != nil {
		m.exec.Close()
	}
	keepAlive := !m.o.steps.DeleteInstance
	tornDown, teardownErr := m.tearDown(ctx, runErr, keepAlive)

	final := fleet.PhaseDone
	if qerr.Fatal(runErr) {
		final = fleet.PhaseFailed
	}
	m.transition(ctx, final, nil, errString(runErr))
	return m.outcome(runErr, teardownErr, tornDown)
}

// execute drives Provisioning through the last run. Panics become errors so
// that teardown still happens.
func (m *machine) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			m.log.Error("lifecycle panicked", "panic", r)
		}
	}()
	spec := m.inst.Spec

	if err := spec.Validate(); err != nil {
		return qerr.New(qerr.CodeInvalidSpec, err)
	}
	script, err := os.ReadFile(spec.RunScript)
	if err != nil {
		return qerr.New(qerr.CodeInvalidSpec, fmt.Errorf("failed to read run script: %w", err))
	}
	p, err := m.o.providers.Resolve(spec.Provider)
	if err != nil {
		return qerr.New(qerr.CodeInvalidSpec, err)
	}

	m.transition(ctx, fleet.PhaseProvisioning, nil, "")
	h, err := m.o.provisioner.Provision(ctx, spec)
	if h.InstanceID != "" {
		m.inst.Handle = &h
		m.save()
	}
	if err != nil {
		return err
	}
	m.log = m.log.With("instance_id", h.InstanceID)

	opts := append([]remote.ExecutorOption{remote.WithLayout(m.o.layout), remote.WithLogger(m.log)}, m.o.execOpts...)
	m.exec = remote.NewExecutor(p.Dialer(), h, opts...)

	m.transition(ctx, fleet.PhaseUploading, nil, "")
	if err := m.exec.Connect(ctx); err != nil {
		return err
	}
	if !h.Adopted {
		status, err := m.o.poller.AwaitCompletion(ctx, m.exec, m.o.layout.BootMarker, m.o.bootTimeout)
		if status != fleet.RunStatusSucceeded {
			if qerr.IsCode(err, qerr.CodeTimeout) {
				// A boot that never finishes is fatal, unlike a slow run.
				return qerr.New(qerr.CodeProvisioning, fmt.Errorf("instance did not finish booting: %w", err))
			}
			return err
		}
		m.log.Info("instance booted")
	}
	if err := m.bounded(ctx, "upload", qerr.CodeRemoteExecution, func(ctx context.Context) error {
		return m.exec.Upload(ctx, spec.Uploads)
	}); err != nil {
		return err
	}

	if !m.o.steps.ExecuteRun {
		m.skipRuns(fleet.RunStatusSkipped, "execute step disabled")
		return nil
	}

	for i := range spec.Runs {
		if i > 0 {
			if err := m.bounded(ctx, "handoff", qerr.CodeRemoteExecution, func(ctx context.Context) error {
				return m.exec.Handoff(ctx, i-1)
			}); err != nil {
				m.skipFrom(i, err)
				return err
			}
		}
		stop, err := m.runOne(ctx, i, string(script))
		if stop {
			m.skipFrom(i+1, err)
			return err
		}
	}
	return nil
}

// runOne launches run i and waits for it. stop reports that later runs must
// not start, either because err is fatal or because the remote process may
// still be running.
func (m *machine) runOne(ctx context.Context, i int, script string) (stop bool, err error) {
	rc := m.inst.Spec.Runs[i]
	attempt := &m.inst.Runs[i]
	idx := i

	now := time.Now()
	attempt.Status = fleet.RunStatusRunning
	attempt.StartedAt = &now
	m.transition(ctx, fleet.PhaseRunning, &idx, rc.Name)

	finish := func(status fleet.RunStatus, err error) {
		t := time.Now()
		attempt.Status = status
		attempt.FinishedAt = &t
		if err != nil {
			attempt.Diagnostic = err.Error()
		}
		m.emitRun(ctx, idx, status, err)
	}

	if err := m.bounded(ctx, "launch", qerr.CodeRemoteExecution, func(ctx context.Context) error {
		return m.exec.Launch(ctx, i, rc, script)
	}); err != nil {
		status := fleet.RunStatusFailed
		if qerr.IsCode(err, qerr.CodeCancelled) {
			status = fleet.RunStatusCancelled
		}
		finish(status, err)
		return true, err
	}

	status, err := m.o.poller.AwaitCompletion(ctx, m.exec, m.o.layout.CompletionMarker, m.inst.Spec.Timeout)
	finish(status, err)

	switch status {
	case fleet.RunStatusSucceeded:
		m.transition(ctx, fleet.PhaseCollecting, &idx, rc.Name)
		var paths []string
		cerr := m.bounded(ctx, "collection", qerr.CodeCollection, func(ctx context.Context) error {
			var err error
			paths, err = m.o.collector.Collect(ctx, m.exec, m.inst, *attempt)
			return err
		})
		attempt.Artifacts = paths
		if cerr != nil {
			attempt.Diagnostic = cerr.Error()
			m.log.Warn("collection incomplete", "run", i, "error", cerr)
		}
		m.save()
		return false, nil
	case fleet.RunStatusTimedOut:
		m.log.Warn("run timed out", "run", i, "timeout", m.inst.Spec.Timeout)
		m.collectLog(ctx, attempt)
		return true, err
	case fleet.RunStatusCancelled:
		return true, err
	default:
		m.collectLog(ctx, attempt)
		return true, err
	}
}

func (m *machine) collectLog(ctx context.Context, attempt *fleet.RunAttempt) {
	if ctx.Err() != nil {
		return
	}
	var p string
	err := m.bounded(ctx, "log collection", qerr.CodeCollection, func(ctx context.Context) error {
		var err error
		p, err = m.o.collector.CollectLog(ctx, m.exec, m.inst, *attempt)
		return err
	})
	if err == nil {
		attempt.Artifacts = append(attempt.Artifacts, p)
	} else {
		m.log.Debug("run log not retrieved", "run", attempt.Index, "error", err)
	}
}

// bounded runs fn under the transfer timeout. Hitting that timeout while ctx
// is still live yields an error with the given code instead of a
// cancellation.
func (m *machine) bounded(ctx context.Context, what string, code qerr.Code, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, m.o.transferTimeout)
	defer cancel()
	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		m.log.Warn("remote operation stalled", "operation", what, "timeout", m.o.transferTimeout)
		return qerr.Errorf(code, "%s did not finish within %s: %w", what, m.o.transferTimeout, err)
	}
	return err
}

// tearDown makes the single teardown attempt for a provisioned instance on a
// context that outlives cancellation.
func (m *machine) tearDown(ctx context.Context, runErr error, keepAlive bool) (bool, error) {
	h := m.inst.Handle
	if h == nil || h.InstanceID == "" {
		return false, nil
	}
	cancelled := ctx.Err() != nil
	if qerr.Fatal(runErr) && !cancelled && !m.o.steps.TeardownOnError {
		m.log.Warn("leaving failed instance for inspection", "error", runErr)
		return false, nil
	}

	m.transition(ctx, fleet.PhaseTearingDown, nil, "")
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.o.teardownTimeout)
	defer cancel()

	if err := m.o.teardown.Teardown(tctx, m.inst, keepAlive); err != nil {
		m.log.Warn("teardown failed", "error", err)
		return false, err
	}
	return !keepAlive && !h.Adopted, nil
}

func (m *machine) skipRuns(status fleet.RunStatus, reason string) {
	for i := range m.inst.Runs {
		m.inst.Runs[i].Status = status
		m.inst.Runs[i].Diagnostic = reason
	}
}

// skipFrom marks runs from index i on as never started.
func (m *machine) skipFrom(i int, cause error) {
	status := fleet.RunStatusSkipped
	if qerr.IsCode(cause, qerr.CodeCancelled) {
		status = fleet.RunStatusCancelled
	}
	for ; i < len(m.inst.Runs); i++ {
		if m.inst.Runs[i].Status.Terminal() {
			continue
		}
		m.inst.Runs[i].Status = status
		if cause != nil {
			m.inst.Runs[i].Diagnostic = "not started: " + cause.Error()
		}
	}
}

func (m *machine) transition(ctx context.Context, phase fleet.Phase, run *int, msg string) {
	m.inst.Phase = phase
	if !phase.Terminal() {
		m.save()
	}
	args := []any{"phase", phase}
	if run != nil {
		args = append(args, "run", *run)
	}
	if msg != "" {
		args = append(args, "detail", msg)
	}
	switch phase {
	case fleet.PhaseFailed:
		m.log.Error("instance failed", args...)
	default:
		m.log.Info("phase changed", args...)
	}
	m.emit(ctx, fleet.Event{Phase: phase, RunIndex: run, Message: msg})
}

func (m *machine) emitRun(ctx context.Context, idx int, status fleet.RunStatus, err error) {
	m.save()
	m.emit(ctx, fleet.Event{Phase: m.inst.Phase, RunIndex: &idx, RunStatus: status, Error: errString(err)})
}

func (m *machine) emit(ctx context.Context, ev fleet.Event) {
	ev.OrchestrationID = m.o.id
	ev.SpecID = m.inst.Spec.ID
	if m.inst.Handle != nil {
		ev.InstanceID = m.inst.Handle.InstanceID
	}
	ev.At = time.Now()
	if err := m.o.observer.OnEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("failed to publish event", "phase", ev.Phase, "error", err)
	}
}

func (m *machine) save() {
	if m.o.state == nil || m.inst.Handle == nil {
		return
	}
	if err := m.o.state.Save(m.inst); err != nil {
		m.log.Warn("failed to save instance state", "error", err)
	}
}

func (m *machine) outcome(runErr, teardownErr error, tornDown bool) fleet.InstanceOutcome {
	spec := m.inst.Spec
	out := fleet.InstanceOutcome{
		SpecID:     spec.ID,
		Order:      m.order,
		Provider:   spec.Provider,
		Region:     spec.Region,
		Phase:      m.inst.Phase,
		Runs:       append([]fleet.RunAttempt(nil), m.inst.Runs...),
		TornDown:   tornDown,
		StartedAt:  m.inst.StartedAt,
		FinishedAt: time.Now(),
	}
	if h := m.inst.Handle; h != nil {
		out.InstanceID = h.InstanceID
		out.KeptAlive = !tornDown && teardownErr == nil
	}
	if runErr != nil {
		out.Error = runErr.Error()
		out.ErrorCode = string(qerr.CodeOf(runErr))
	}
	if teardownErr != nil {
		out.TeardownError = teardownErr.Error()
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
