package routes

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbench/pkg/qapi/services"
)

func RegisterAPI(api huma.API, svcs *services.Services) {
	RegisterHealth(api)
	if svcs == nil {
		RegisterOrchestrations(api, nil)
		RegisterArtifacts(api, nil, nil)
	} else {
		RegisterOrchestrations(api, svcs.History)
		RegisterArtifacts(api, svcs.History, svcs.Artifacts)
	}
}
