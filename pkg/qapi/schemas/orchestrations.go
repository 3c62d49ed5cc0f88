package schemas

import "time"

// OrchestrationSummary is one row of the orchestration list
type OrchestrationSummary struct {
	ID         string                    `json:"id" doc:"Orchestration ID"`
	Name       string                    `json:"name,omitempty" doc:"Experiment name"`
	StartedAt  time.Time                 `json:"started_at" doc:"Start timestamp"`
	FinishedAt *time.Time                `json:"finished_at,omitempty" doc:"Finish timestamp, unset while running"`
	Summary    map[string]map[string]int `json:"summary,omitempty" doc:"Instance counts by phase and run counts by status"`
}

// Orchestration is an orchestration with every instance and run
type Orchestration struct {
	OrchestrationSummary
	Instances []Instance `json:"instances" doc:"Instances in declaration order"`
}

// Instance is the lifecycle record of one instance spec
type Instance struct {
	SpecID        string     `json:"spec_id" doc:"Instance spec ID"`
	Provider      string     `json:"provider,omitempty" doc:"Compute provider"`
	Region        string     `json:"region,omitempty" doc:"Region or namespace"`
	InstanceID    string     `json:"instance_id,omitempty" doc:"Provider instance ID"`
	Phase         string     `json:"phase" doc:"Current or terminal lifecycle phase"`
	Error         string     `json:"error,omitempty" doc:"Error that ended the lifecycle"`
	ErrorCode     string     `json:"error_code,omitempty" doc:"Error category"`
	TeardownError string     `json:"teardown_error,omitempty" doc:"Teardown failure, if any"`
	TornDown      bool       `json:"torn_down" doc:"Whether the instance was terminated"`
	KeptAlive     bool       `json:"kept_alive" doc:"Whether the instance was left running"`
	StartedAt     *time.Time `json:"started_at,omitempty" doc:"Start timestamp"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" doc:"Finish timestamp"`
	Runs          []Run      `json:"runs" doc:"Run attempts in order"`
}

// Run is one benchmark configuration executed on an instance
type Run struct {
	Index      int        `json:"index" doc:"Position in the run list"`
	Name       string     `json:"name,omitempty" doc:"Run name"`
	Status     string     `json:"status" doc:"Run status"`
	Diagnostic string     `json:"diagnostic,omitempty" doc:"Failure details"`
	Artifacts  []string   `json:"artifacts,omitempty" doc:"Local paths of collected files"`
	StartedAt  *time.Time `json:"started_at,omitempty" doc:"Launch timestamp"`
	FinishedAt *time.Time `json:"finished_at,omitempty" doc:"Completion timestamp"`
}

// Event is one lifecycle transition
type Event struct {
	ID         int64     `json:"id" doc:"Monotonic event ID, usable as a cursor"`
	SpecID     string    `json:"spec_id" doc:"Instance spec ID"`
	InstanceID string    `json:"instance_id,omitempty" doc:"Provider instance ID"`
	Phase      string    `json:"phase" doc:"Lifecycle phase"`
	RunIndex   *int      `json:"run_index,omitempty" doc:"Run index for run events"`
	RunStatus  string    `json:"run_status,omitempty" doc:"Run status for run events"`
	Message    string    `json:"message,omitempty" doc:"Detail"`
	Error      string    `json:"error,omitempty" doc:"Error text"`
	At         time.Time `json:"at" doc:"Event timestamp"`
}

// Artifact is a mirrored result file
type Artifact struct {
	Key          string    `json:"key" doc:"Storage key"`
	Size         int64     `json:"size" doc:"Size in bytes"`
	ContentType  string    `json:"content_type,omitempty" doc:"MIME type"`
	LastModified time.Time `json:"last_modified" doc:"Upload time"`
	URL          string    `json:"url,omitempty" doc:"Presigned download URL"`
}
