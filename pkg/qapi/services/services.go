package services

import (
	"context"

	"github.com/quatton/qbench/pkg/db"
	"github.com/quatton/qbench/pkg/db/models"
	"github.com/quatton/qbench/pkg/metrics"
	"github.com/quatton/qbench/pkg/qart"
)

// History is the orchestration record the API reads. db.Ledger implements it.
type History interface {
	ListOrchestrations(ctx context.Context, limit, offset int) ([]models.Orchestration, int, error)
	GetOrchestration(ctx context.Context, id string) (*models.Orchestration, error)
	Events(ctx context.Context, orchestrationID string, afterID int64, limit int) ([]models.PhaseEvent, error)
}

var _ History = (*db.Ledger)(nil)

// Services are the optional backends behind the API. Nil members disable
// the routes that need them.
type Services struct {
	History   History
	Artifacts qart.Store
	Metrics   *metrics.Metrics
}

func EmptyServices() *Services {
	return &Services{}
}
