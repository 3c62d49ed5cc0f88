package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Orchestration struct {
	bun.BaseModel `bun:"table:bench.orchestrations,alias:o"`

	ID         string    `bun:",pk"`
	Name       string    `bun:",nullzero"`
	StartedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	FinishedAt time.Time `bun:",nullzero"`
	// Summary holds the fleet.Summary counts once the orchestration ends.
	Summary map[string]map[string]int `bun:"type:jsonb,nullzero"`

	Instances []*Instance `bun:"rel:has-many,join:id=orchestration_id"`
}

type Instance struct {
	bun.BaseModel `bun:"table:bench.instances,alias:i"`

	OrchestrationID string    `bun:",pk"`
	SpecID          string    `bun:",pk"`
	Order           int       `bun:"ord,notnull,default:0"`
	Provider        string    `bun:",nullzero"`
	Region          string    `bun:",nullzero"`
	InstanceID      string    `bun:",nullzero"`
	Phase           string    `bun:",notnull"`
	Error           string    `bun:",nullzero"`
	ErrorCode       string    `bun:",nullzero"`
	TeardownError   string    `bun:",nullzero"`
	TornDown        bool      `bun:",notnull,default:false"`
	KeptAlive       bool      `bun:",notnull,default:false"`
	StartedAt       time.Time `bun:",nullzero"`
	FinishedAt      time.Time `bun:",nullzero"`
	UpdatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`

	Runs []*Run `bun:"rel:has-many,join:orchestration_id=orchestration_id,join:spec_id=spec_id"`
}

type Run struct {
	bun.BaseModel `bun:"table:bench.runs,alias:r"`

	OrchestrationID string     `bun:",pk"`
	SpecID          string     `bun:",pk"`
	RunIndex        int        `bun:",pk"`
	Name            string     `bun:",nullzero"`
	Status          string     `bun:",notnull"`
	Diagnostic      string     `bun:",nullzero"`
	Artifacts       []string   `bun:",array"`
	StartedAt       *time.Time `bun:",nullzero"`
	FinishedAt      *time.Time `bun:",nullzero"`
}

type PhaseEvent struct {
	bun.BaseModel `bun:"table:bench.phase_events,alias:e"`

	ID              int64     `bun:",pk,autoincrement"`
	OrchestrationID string    `bun:",notnull"`
	SpecID          string    `bun:",notnull"`
	InstanceID      string    `bun:",nullzero"`
	Phase           string    `bun:",notnull"`
	RunIndex        *int      `bun:",nullzero"`
	RunStatus       string    `bun:",nullzero"`
	Message         string    `bun:",nullzero"`
	Error           string    `bun:",nullzero"`
	At              time.Time `bun:",notnull"`
}
