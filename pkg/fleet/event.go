package fleet

import (
	"context"
	"time"
)

// Event is emitted on every lifecycle transition.
type Event struct {
	OrchestrationID string    `json:"orchestration_id"`
	SpecID          string    `json:"spec_id"`
	InstanceID      string    `json:"instance_id,omitempty"`
	Phase           Phase     `json:"phase"`
	RunIndex        *int      `json:"run_index,omitempty"`
	RunStatus       RunStatus `json:"run_status,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Observer receives lifecycle events and final reports. Implementations must
// be safe for concurrent use.
type Observer interface {
	OnEvent(ctx context.Context, ev Event) error
	OnReport(ctx context.Context, r *Report) error
}

// Observers fans out to several observers. Every observer is called; the
// first error is returned.
type Observers []Observer

func (obs Observers) OnEvent(ctx context.Context, ev Event) error {
	var first error
	for _, o := range obs {
		if err := o.OnEvent(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (obs Observers) OnReport(ctx context.Context, r *Report) error {
	var first error
	for _, o := range obs {
		if err := o.OnReport(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
