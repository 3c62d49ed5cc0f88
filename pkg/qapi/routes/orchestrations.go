package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbench/pkg/db"
	"github.com/quatton/qbench/pkg/db/models"
	"github.com/quatton/qbench/pkg/qapi/schemas"
	"github.com/quatton/qbench/pkg/qapi/services"
)

// ListOrchestrationsInput defines the input for listing orchestrations
type ListOrchestrationsInput struct {
	Limit  int `query:"limit" default:"20" minimum:"1" maximum:"200" doc:"Page size"`
	Offset int `query:"offset" default:"0" minimum:"0" doc:"Rows to skip"`
}

// ListOrchestrationsOutput is the response for listing orchestrations
type ListOrchestrationsOutput struct {
	Body struct {
		Orchestrations []schemas.OrchestrationSummary `json:"orchestrations" doc:"Newest first"`
		Total          int                            `json:"total" doc:"Total number of orchestrations"`
	}
}

// GetOrchestrationInput defines the input for getting an orchestration
type GetOrchestrationInput struct {
	ID string `path:"id" doc:"Orchestration ID"`
}

// GetOrchestrationOutput is the response for getting an orchestration
type GetOrchestrationOutput struct {
	Body schemas.Orchestration
}

// ListEventsInput defines the input for listing lifecycle events
type ListEventsInput struct {
	ID    string `path:"id" doc:"Orchestration ID"`
	After int64  `query:"after" default:"0" minimum:"0" doc:"Return events with a greater ID"`
	Limit int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Page size"`
}

// ListEventsOutput is the response for listing lifecycle events
type ListEventsOutput struct {
	Body struct {
		Events []schemas.Event `json:"events" doc:"Events in order"`
	}
}

// RegisterOrchestrations registers the orchestration history routes
func RegisterOrchestrations(api huma.API, history services.History) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orchestrations",
		Method:      http.MethodGet,
		Path:        "/api/orchestrations",
		Summary:     "List orchestrations",
		Description: "Get a page of recorded orchestrations",
		Tags:        []string{"Orchestrations"},
	}, func(ctx context.Context, input *ListOrchestrationsInput) (*ListOrchestrationsOutput, error) {
		if history == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		rows, total, err := history.ListOrchestrations(ctx, input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list orchestrations: %v", err))
		}
		resp := &ListOrchestrationsOutput{}
		resp.Body.Orchestrations = make([]schemas.OrchestrationSummary, 0, len(rows))
		for i := range rows {
			resp.Body.Orchestrations = append(resp.Body.Orchestrations, toSummary(&rows[i]))
		}
		resp.Body.Total = total
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-orchestration",
		Method:      http.MethodGet,
		Path:        "/api/orchestrations/{id}",
		Summary:     "Get orchestration",
		Description: "Get an orchestration with its instances and runs",
		Tags:        []string{"Orchestrations"},
	}, func(ctx context.Context, input *GetOrchestrationInput) (*GetOrchestrationOutput, error) {
		if history == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		o, err := history.GetOrchestration(ctx, input.ID)
		if err != nil {
			return nil, lookupError(input.ID, err)
		}
		return &GetOrchestrationOutput{Body: toOrchestration(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orchestration-events",
		Method:      http.MethodGet,
		Path:        "/api/orchestrations/{id}/events",
		Summary:     "List lifecycle events",
		Description: "Get phase transitions and run outcomes after a cursor",
		Tags:        []string{"Orchestrations"},
	}, func(ctx context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
		if history == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		rows, err := history.Events(ctx, input.ID, input.After, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list events: %v", err))
		}
		resp := &ListEventsOutput{}
		resp.Body.Events = make([]schemas.Event, 0, len(rows))
		for _, e := range rows {
			resp.Body.Events = append(resp.Body.Events, schemas.Event{
				ID:         e.ID,
				SpecID:     e.SpecID,
				InstanceID: e.InstanceID,
				Phase:      e.Phase,
				RunIndex:   e.RunIndex,
				RunStatus:  e.RunStatus,
				Message:    e.Message,
				Error:      e.Error,
				At:         e.At,
			})
		}
		return resp, nil
	})
}

func lookupError(id string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return huma.Error404NotFound(fmt.Sprintf("orchestration %s not found", id))
	}
	return huma.Error500InternalServerError(fmt.Sprintf("failed to get orchestration: %v", err))
}

func toSummary(o *models.Orchestration) schemas.OrchestrationSummary {
	s := schemas.OrchestrationSummary{
		ID:        o.ID,
		Name:      o.Name,
		StartedAt: o.StartedAt,
		Summary:   o.Summary,
	}
	if !o.FinishedAt.IsZero() {
		t := o.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

func toOrchestration(o *models.Orchestration) schemas.Orchestration {
	out := schemas.Orchestration{
		OrchestrationSummary: toSummary(o),
		Instances:            make([]schemas.Instance, 0, len(o.Instances)),
	}
	for _, in := range o.Instances {
		inst := schemas.Instance{
			SpecID:        in.SpecID,
			Provider:      in.Provider,
			Region:        in.Region,
			InstanceID:    in.InstanceID,
			Phase:         in.Phase,
			Error:         in.Error,
			ErrorCode:     in.ErrorCode,
			TeardownError: in.TeardownError,
			TornDown:      in.TornDown,
			KeptAlive:     in.KeptAlive,
			StartedAt:     timePtr(in.StartedAt),
			FinishedAt:    timePtr(in.FinishedAt),
			Runs:          make([]schemas.Run, 0, len(in.Runs)),
		}
		for _, r := range in.Runs {
			inst.Runs = append(inst.Runs, schemas.Run{
				Index:      r.RunIndex,
				Name:       r.Name,
				Status:     r.Status,
				Diagnostic: r.Diagnostic,
				Artifacts:  r.Artifacts,
				StartedAt:  r.StartedAt,
				FinishedAt: r.FinishedAt,
			})
		}
		out.Instances = append(out.Instances, inst)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
