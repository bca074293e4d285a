// Package catalog holds the built-in job blueprints and task handlers.
// Population is explicit: Compose builds both registries at boot and main
// injects them into the machine. No import-time side effects.
package catalog

import (
	"fmt"

	"github.com/geoforge/rasterflow/internal/platform/logger"
	"github.com/geoforge/rasterflow/internal/registry"
)

func Compose(log *logger.Logger) (*registry.HandlerRegistry, *registry.JobRegistry, error) {
	handlers := registry.NewHandlerRegistry()
	for _, h := range []registry.TaskHandler{
		reverseHandler{},
		tileStatsHandler{},
		tileSummaryHandler{},
		pyramidPlanHandler{},
		pyramidRenderHandler{},
		pyramidMergeHandler{},
		pyramidFinalizeHandler{},
	} {
		if err := handlers.Register(h); err != nil {
			return nil, nil, fmt.Errorf("catalog handlers: %w", err)
		}
	}

	jobs := registry.NewJobRegistry(handlers)
	for _, b := range []*registry.Blueprint{
		HelloWorld(),
		RasterSummary(),
		TilePyramid(),
	} {
		if err := jobs.Register(b); err != nil {
			return nil, nil, fmt.Errorf("catalog blueprints: %w", err)
		}
	}

	log.Info("catalog composed", "job_types", jobs.Types(), "task_types", handlers.Types())
	return handlers, jobs, nil
}
