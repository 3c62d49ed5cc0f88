package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbench/pkg/qapi/schemas"
	"github.com/quatton/qbench/pkg/qapi/services"
	"github.com/quatton/qbench/pkg/qart"
)

const presignExpiry = 15 * time.Minute

// ListArtifactsInput defines the input for listing mirrored artifacts
type ListArtifactsInput struct {
	ID      string `path:"id" doc:"Orchestration ID"`
	Presign bool   `query:"presign" default:"false" doc:"Include presigned download URLs"`
}

// ListArtifactsOutput is the response for listing mirrored artifacts
type ListArtifactsOutput struct {
	Body struct {
		Artifacts []schemas.Artifact `json:"artifacts" doc:"Mirrored result files"`
	}
}

// GetRunArtifactURLInput defines the input for presigning one artifact
type GetRunArtifactURLInput struct {
	ID     string `path:"id" doc:"Orchestration ID"`
	SpecID string `path:"specId" doc:"Instance spec ID"`
	Run    int    `path:"run" minimum:"0" doc:"Run index"`
	Path   string `query:"path" required:"true" doc:"File path relative to the run's result directory"`
}

// GetRunArtifactURLOutput is the response for presigning one artifact
type GetRunArtifactURLOutput struct {
	Body struct {
		URL string `json:"url" doc:"Presigned download URL"`
	}
}

// RegisterArtifacts registers routes for result files mirrored to object storage
func RegisterArtifacts(api huma.API, history services.History, store qart.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orchestration-artifacts",
		Method:      http.MethodGet,
		Path:        "/api/orchestrations/{id}/artifacts",
		Summary:     "List artifacts",
		Description: "List result files mirrored for an orchestration",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *ListArtifactsInput) (*ListArtifactsOutput, error) {
		if store == nil {
			return nil, huma.Error501NotImplemented("artifact storage not configured")
		}
		if history != nil {
			if _, err := history.GetOrchestration(ctx, input.ID); err != nil {
				return nil, lookupError(input.ID, err)
			}
		}
		items, err := store.List(ctx, qart.OrchestrationPrefix(input.ID))
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list artifacts: %v", err))
		}
		resp := &ListArtifactsOutput{}
		resp.Body.Artifacts = make([]schemas.Artifact, 0, len(items))
		for _, a := range items {
			out := schemas.Artifact{
				Key:          a.Key,
				Size:         a.Size,
				ContentType:  a.ContentType,
				LastModified: a.LastModified,
			}
			if input.Presign {
				url, err := store.GetPresignedURL(ctx, a.Key, presignExpiry)
				if err != nil {
					return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to presign %s: %v", a.Key, err))
				}
				out.URL = url
			}
			resp.Body.Artifacts = append(resp.Body.Artifacts, out)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-artifact-url",
		Method:      http.MethodGet,
		Path:        "/api/orchestrations/{id}/instances/{specId}/runs/{run}/artifact",
		Summary:     "Get artifact URL",
		Description: "Get a presigned URL for one collected file of a run",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *GetRunArtifactURLInput) (*GetRunArtifactURLOutput, error) {
		if store == nil {
			return nil, huma.Error501NotImplemented("artifact storage not configured")
		}
		rel := strings.TrimPrefix(input.Path, "/")
		if rel == "" || strings.Contains("/"+rel+"/", "/../") {
			return nil, huma.Error400BadRequest("path must be relative and stay inside the run directory")
		}
		key := qart.RunArtifactKey(input.ID, input.SpecID, input.Run, rel)
		url, err := store.GetPresignedURL(ctx, key, presignExpiry)
		if errors.Is(err, qart.ErrNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("artifact %s not found", rel))
		}
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to presign artifact: %v", err))
		}
		resp := &GetRunArtifactURLOutput{}
		resp.Body.URL = url
		return resp, nil
	})
}
