package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/quatton/qbench/pkg/db/models"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw("CREATE SCHEMA IF NOT EXISTS bench").Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.Orchestration)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.Instance)(nil)).
			IfNotExists().
			ForeignKey(`("orchestration_id") REFERENCES bench.orchestrations ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.Run)(nil)).
			IfNotExists().
			ForeignKey(`("orchestration_id", "spec_id") REFERENCES bench.instances ("orchestration_id", "spec_id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.PhaseEvent)(nil)).
			IfNotExists().
			ForeignKey(`("orchestration_id") REFERENCES bench.orchestrations ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateIndex().
			Model((*models.PhaseEvent)(nil)).
			Index("phase_events_orchestration_idx").
			IfNotExists().
			Column("orchestration_id", "id").
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		for _, model := range []any{
			(*models.PhaseEvent)(nil),
			(*models.Run)(nil),
			(*models.Instance)(nil),
			(*models.Orchestration)(nil),
		} {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}

		_, err := db.NewRaw("DROP SCHEMA IF EXISTS bench").Exec(ctx)
		return err
	})
}
