package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// InstanceOutcome is the terminal record for one InstanceSpec.
type InstanceOutcome struct {
	SpecID        string       `json:"spec_id"`
	Order         int          `json:"order"`
	Provider      ProviderKind `json:"provider,omitempty"`
	Region        string       `json:"region,omitempty"`
	InstanceID    string       `json:"instance_id,omitempty"`
	Phase         Phase        `json:"phase"`
	Runs          []RunAttempt `json:"runs,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorCode     string       `json:"error_code,omitempty"`
	TeardownError string       `json:"teardown_error,omitempty"`
	TornDown      bool         `json:"torn_down"`
	KeptAlive     bool         `json:"kept_alive"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
}

// Report aggregates outcomes of an orchestration. Appends are safe from
// multiple goroutines.
type Report struct {
	ID         string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time

	mu       sync.Mutex
	outcomes []InstanceOutcome
}

// NewReport starts an empty report.
func NewReport(id, name string) *Report {
	return &Report{ID: id, Name: name, StartedAt: time.Now()}
}

// Append records an outcome. It never replaces earlier entries.
func (r *Report) Append(o InstanceOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns a copy ordered by spec declaration order.
func (r *Report) Outcomes() []InstanceOutcome {
	r.mu.Lock()
	out := make([]InstanceOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Len returns the number of recorded outcomes.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

// Summary counts outcomes by terminal phase and runs by status.
type Summary struct {
	Instances map[Phase]int     `json:"instances"`
	Runs      map[RunStatus]int `json:"runs"`
}

func (r *Report) Summary() Summary {
	s := Summary{Instances: map[Phase]int{}, Runs: map[RunStatus]int{}}
	for _, o := range r.Outcomes() {
		s.Instances[o.Phase]++
		for _, run := range o.Runs {
			s.Runs[run.Status]++
		}
	}
	return s
}

type reportJSON struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Summary    Summary           `json:"summary"`
	Outcomes   []InstanceOutcome `json:"outcomes"`
}

func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		ID:         r.ID,
		Name:       r.Name,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Summary:    r.Summary(),
		Outcomes:   r.Outcomes(),
	})
}

// WriteFile saves the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
