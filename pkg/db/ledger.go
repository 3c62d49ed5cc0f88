package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/quatton/qbench/pkg/db/models"
	"github.com/quatton/qbench/pkg/fleet"
)

var ErrNotFound = errors.New("not found")

// Ledger records lifecycle events and final reports. It implements
// fleet.Observer and serves the history to the API.
type Ledger struct {
	db *bun.DB
}

func NewLedger(db *bun.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) OnEvent(ctx context.Context, ev fleet.Event) error {
	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		orch := &models.Orchestration{ID: ev.OrchestrationID, StartedAt: ev.At}
		if _, err := tx.NewInsert().Model(orch).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("failed to record orchestration: %w", err)
		}

		inst := &models.Instance{
			OrchestrationID: ev.OrchestrationID,
			SpecID:          ev.SpecID,
			InstanceID:      ev.InstanceID,
			Phase:           string(ev.Phase),
			UpdatedAt:       ev.At,
		}
		if _, err := tx.NewInsert().Model(inst).
			On("CONFLICT (orchestration_id, spec_id) DO UPDATE").
			Set("phase = EXCLUDED.phase").
			Set("instance_id = COALESCE(EXCLUDED.instance_id, i.instance_id)").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to record instance: %w", err)
		}

		if ev.RunIndex != nil && ev.RunStatus != "" {
			run := &models.Run{
				OrchestrationID: ev.OrchestrationID,
				SpecID:          ev.SpecID,
				RunIndex:        *ev.RunIndex,
				Status:          string(ev.RunStatus),
				Diagnostic:      ev.Error,
			}
			if _, err := tx.NewInsert().Model(run).
				On("CONFLICT (orchestration_id, spec_id, run_index) DO UPDATE").
				Set("status = EXCLUDED.status").
				Set("diagnostic = EXCLUDED.diagnostic").
				Exec(ctx); err != nil {
				return fmt.Errorf("failed to record run: %w", err)
			}
		}

		if _, err := tx.NewInsert().Model(eventRecord(ev)).Exec(ctx); err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		return nil
	})
}

// OnReport stores the final state of every instance and run, replacing the
// partial rows written by OnEvent.
func (l *Ledger) OnReport(ctx context.Context, r *fleet.Report) error {
	orch, instances, runs := reportRecords(r)
	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(orch).
			On("CONFLICT (id) DO UPDATE").
			Set("name = EXCLUDED.name").
			Set("started_at = EXCLUDED.started_at").
			Set("finished_at = EXCLUDED.finished_at").
			Set("summary = EXCLUDED.summary").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to record orchestration: %w", err)
		}
		if len(instances) > 0 {
			if _, err := tx.NewInsert().Model(&instances).
				On("CONFLICT (orchestration_id, spec_id) DO UPDATE").
				Set("ord = EXCLUDED.ord").
				Set("provider = EXCLUDED.provider").
				Set("region = EXCLUDED.region").
				Set("instance_id = EXCLUDED.instance_id").
				Set("phase = EXCLUDED.phase").
				Set("error = EXCLUDED.error").
				Set("error_code = EXCLUDED.error_code").
				Set("teardown_error = EXCLUDED.teardown_error").
				Set("torn_down = EXCLUDED.torn_down").
				Set("kept_alive = EXCLUDED.kept_alive").
				Set("started_at = EXCLUDED.started_at").
				Set("finished_at = EXCLUDED.finished_at").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return fmt.Errorf("failed to record instances: %w", err)
			}
		}
		if len(runs) > 0 {
			if _, err := tx.NewInsert().Model(&runs).
				On("CONFLICT (orchestration_id, spec_id, run_index) DO UPDATE").
				Set("name = EXCLUDED.name").
				Set("status = EXCLUDED.status").
				Set("diagnostic = EXCLUDED.diagnostic").
				Set("artifacts = EXCLUDED.artifacts").
				Set("started_at = EXCLUDED.started_at").
				Set("finished_at = EXCLUDED.finished_at").
				Exec(ctx); err != nil {
				return fmt.Errorf("failed to record runs: %w", err)
			}
		}
		return nil
	})
}

// ListOrchestrations returns orchestrations newest first.
func (l *Ledger) ListOrchestrations(ctx context.Context, limit, offset int) ([]models.Orchestration, int, error) {
	var out []models.Orchestration
	count, err := l.db.NewSelect().
		Model(&out).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orchestrations: %w", err)
	}
	return out, count, nil
}

// GetOrchestration loads one orchestration with its instances and runs.
func (l *Ledger) GetOrchestration(ctx context.Context, id string) (*models.Orchestration, error) {
	orch := new(models.Orchestration)
	err := l.db.NewSelect().
		Model(orch).
		Relation("Instances", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("i.ord ASC")
		}).
		Relation("Instances.Runs", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("r.run_index ASC")
		}).
		Where("o.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestration: %w", err)
	}
	return orch, nil
}

// Events returns the events of an orchestration with an ID above afterID.
func (l *Ledger) Events(ctx context.Context, orchestrationID string, afterID int64, limit int) ([]models.PhaseEvent, error) {
	var out []models.PhaseEvent
	err := l.db.NewSelect().
		Model(&out).
		Where("orchestration_id = ?", orchestrationID).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

func eventRecord(ev fleet.Event) *models.PhaseEvent {
	return &models.PhaseEvent{
		OrchestrationID: ev.OrchestrationID,
		SpecID:          ev.SpecID,
		InstanceID:      ev.InstanceID,
		Phase:           string(ev.Phase),
		RunIndex:        ev.RunIndex,
		RunStatus:       string(ev.RunStatus),
		Message:         ev.Message,
		Error:           ev.Error,
		At:              ev.At,
	}
}

func reportRecords(r *fleet.Report) (*models.Orchestration, []models.Instance, []models.Run) {
	s := r.Summary()
	summary := map[string]map[string]int{
		"instances": {},
		"runs":      {},
	}
	for k, v := range s.Instances {
		summary["instances"][string(k)] = v
	}
	for k, v := range s.Runs {
		summary["runs"][string(k)] = v
	}
	orch := &models.Orchestration{
		ID:         r.ID,
		Name:       r.Name,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Summary:    summary,
	}

	var instances []models.Instance
	var runs []models.Run
	for _, o := range r.Outcomes() {
		instances = append(instances, models.Instance{
			OrchestrationID: r.ID,
			SpecID:          o.SpecID,
			Order:           o.Order,
			Provider:        string(o.Provider),
			Region:          o.Region,
			InstanceID:      o.InstanceID,
			Phase:           string(o.Phase),
			Error:           o.Error,
			ErrorCode:       o.ErrorCode,
			TeardownError:   o.TeardownError,
			TornDown:        o.TornDown,
			KeptAlive:       o.KeptAlive,
			StartedAt:       o.StartedAt,
			FinishedAt:      o.FinishedAt,
			UpdatedAt:       o.FinishedAt,
		})
		for _, a := range o.Runs {
			runs = append(runs, models.Run{
				OrchestrationID: r.ID,
				SpecID:          o.SpecID,
				RunIndex:        a.Index,
				Name:            a.Name,
				Status:          string(a.Status),
				Diagnostic:      a.Diagnostic,
				Artifacts:       a.Artifacts,
				StartedAt:       a.StartedAt,
				FinishedAt:      a.FinishedAt,
			})
		}
	}
	return orch, instances, runs
}

var _ fleet.Observer = (*Ledger)(nil)
