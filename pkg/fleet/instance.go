package fleet

import "time"

// Phase is a state of the per-instance lifecycle.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseSkipped      Phase = "skipped"
	PhaseProvisioning Phase = "provisioning"
	PhaseUploading    Phase = "uploading"
	PhaseRunning      Phase = "running"
	PhaseCollecting   Phase = "collecting"
	PhaseTearingDown  Phase = "tearing_down"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further transitions follow.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseSkipped
}

// RunStatus represents the state of one run attempt
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the remote side is known to be finished with the
// attempt or it was never started.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPending, RunStatusRunning:
		return false
	default:
		return true
	}
}

// RunAttempt is one execution of a RunConfig on an instance.
type RunAttempt struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Status     RunStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
}

// Handle addresses a provisioned or adopted instance.
type Handle struct {
	Provider   ProviderKind `json:"provider"`
	Region     string       `json:"region"`
	InstanceID string       `json:"instance_id"`
	Host       string       `json:"host,omitempty"`
	User       string       `json:"user,omitempty"`
	KeyPath    string       `json:"key_path,omitempty"`
	// Namespace is set for Kubernetes-backed instances.
	Namespace string `json:"namespace,omitempty"`
	// Adopted is true for bring-your-own instances.
	Adopted bool `json:"adopted,omitempty"`
}

// Home is the remote user's home directory.
func (h Handle) Home() string {
	if h.User == "" || h.User == "root" {
		return "/root"
	}
	return "/home/" + h.User
}

// Instance is the runtime record of one spec. It is owned by exactly one
// lifecycle goroutine.
type Instance struct {
	OrchestrationID string       `json:"orchestration_id"`
	Spec            InstanceSpec `json:"spec"`
	Handle          *Handle      `json:"handle,omitempty"`
	Phase           Phase        `json:"phase"`
	StartedAt       time.Time    `json:"started_at"`
	Runs            []RunAttempt `json:"runs"`
}

// NewInstance initializes the runtime record with one pending attempt per
// run config.
func NewInstance(orchestrationID string, spec InstanceSpec) *Instance {
	runs := make([]RunAttempt, len(spec.Runs))
	for i, rc := range spec.Runs {
		runs[i] = RunAttempt{Index: i, Name: rc.Name, Status: RunStatusPending}
	}
	return &Instance{
		OrchestrationID: orchestrationID,
		Spec:            spec,
		Phase:           PhasePending,
		StartedAt:       time.Now(),
		Runs:            runs,
	}
}
