// Package qapi serves orchestration history over HTTP with huma on chi.
package qapi

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quatton/qbench/pkg/qapi/routes"
	"github.com/quatton/qbench/pkg/qapi/services"
)

type Api struct {
	Api    huma.API
	Router *chi.Mux
}

// NewApi builds the router. When svcs carries metrics, requests are
// instrumented and /metrics is mounted.
func NewApi(svcs *services.Services) *Api {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	if svcs != nil && svcs.Metrics != nil {
		router.Use(svcs.Metrics.Middleware)
		router.Method(http.MethodGet, "/metrics", svcs.Metrics.Handler())
	}

	config := huma.DefaultConfig("qbench", "1.0.0")
	config.Info.Description = "Read-only access to benchmark orchestration history."

	api := humachi.New(router, config)
	routes.RegisterAPI(api, svcs)

	return &Api{Api: api, Router: router}
}
