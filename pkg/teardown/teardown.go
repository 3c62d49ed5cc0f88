// Package teardown releases instances at the end of their lifecycle.
package teardown

import (
	"context"
	"fmt"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/instancestate"
	"github.com/quatton/qbench/pkg/provider"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
)

// Manager terminates instances and clears their local bookkeeping. Shared
// resources (network rules, key pairs) are never removed.
type Manager struct {
	providers *provider.Registry
	state     *instancestate.Store
	log       *qlog.Logger
}

func NewManager(providers *provider.Registry, state *instancestate.Store, log *qlog.Logger) *Manager {
	if log == nil {
		log = qlog.NewDiscard()
	}
	return &Manager{providers: providers, state: state, log: log}
}

// Teardown releases inst. With keepAlive, or for adopted instances, the
// instance keeps running and only local bookkeeping is removed. Errors are
// returned for the report; callers must not escalate them.
func (m *Manager) Teardown(ctx context.Context, inst *fleet.Instance, keepAlive bool) error {
	h := inst.Handle
	if h == nil || h.InstanceID == "" {
		return m.forget(inst)
	}
	log := m.log.With("instance", inst.Spec.ID, "instance_id", h.InstanceID)

	if keepAlive || h.Adopted {
		log.Info("leaving instance running")
		return m.forget(inst)
	}

	p, err := m.providers.Resolve(h.Provider)
	if err != nil {
		return qerr.New(qerr.CodeTeardown, err)
	}
	if err := p.Terminate(ctx, h.Region, h.InstanceID); err != nil {
		log.Warn("terminate failed", "error", err)
		// Bookkeeping stays so the instance shows up as an orphan.
		return qerr.New(qerr.CodeTeardown, fmt.Errorf("terminate %s: %w", h.InstanceID, err))
	}
	log.Info("instance terminated")
	return m.forget(inst)
}

func (m *Manager) forget(inst *fleet.Instance) error {
	if m.state == nil {
		return nil
	}
	if err := m.state.Remove(inst.OrchestrationID, inst.Spec.ID); err != nil {
		return qerr.New(qerr.CodeTeardown, err)
	}
	return nil
}
