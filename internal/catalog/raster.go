package catalog

import (
	"fmt"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/registry"
)

// RasterSummary is the two-stage fan-out pipeline: per-tile statistics
// first, then a per-tile summary pass that consumes the prior results.
func RasterSummary() *registry.Blueprint {
	return &registry.Blueprint{
		JobType:     "raster_summary",
		Description: "fan-out tile statistics followed by per-tile summaries",
		ParametersSchema: map[string]any{
			"n": "int >= 1, tile count",
		},
		Stages: []registry.StageDefinition{
			{Number: 1, Name: "tile_stats", TaskType: "raster_tile_stats", Parallelism: registry.FanOut},
			{Number: 2, Name: "tile_summary", TaskType: "raster_tile_summary", Parallelism: registry.FanOut},
		},
		ValidateParameters: func(params map[string]any) error {
			if intParam(params, "n") < 1 {
				return fmt.Errorf("n (int >= 1) is required")
			}
			return nil
		},
		CreateTasksForStage: func(stage int, jobID string, params map[string]any, prev []map[string]any) ([]registry.TaskSpec, error) {
			if stage == 1 {
				n := intParam(params, "n")
				specs := make([]registry.TaskSpec, 0, n)
				for i := 0; i < n; i++ {
					specs = append(specs, registry.TaskSpec{
						TaskID:     domain.NewTaskID(jobID, stage, fmt.Sprintf("tile-%d", i)),
						TaskType:   "raster_tile_stats",
						Parameters: map[string]any{"tile": i},
					})
				}
				return specs, nil
			}
			specs := make([]registry.TaskSpec, 0, len(prev))
			for i, p := range prev {
				specs = append(specs, registry.TaskSpec{
					TaskID:     domain.NewTaskID(jobID, stage, fmt.Sprintf("tile-%d", i)),
					TaskType:   "raster_tile_summary",
					Parameters: map[string]any{"stats": p},
				})
			}
			return specs, nil
		},
	}
}

type tileStatsHandler struct{}

func (tileStatsHandler) Type() string { return "raster_tile_stats" }

// Handle computes deterministic per-tile statistics. Stands in for real
// raster I/O; the values are a pure function of the tile number so replays
// are bit-stable.
func (tileStatsHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	tile := intParam(params, "tile")
	minV := tile * 10
	maxV := minV + 9
	return &registry.TaskResult{
		Success: true,
		ResultData: map[string]any{
			"tile": tile,
			"min":  minV,
			"max":  maxV,
			"mean": float64(minV+maxV) / 2,
		},
	}, nil
}

type tileSummaryHandler struct{}

func (tileSummaryHandler) Type() string { return "raster_tile_summary" }

func (tileSummaryHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	stats, ok := params["stats"].(map[string]any)
	if !ok {
		return &registry.TaskResult{Success: false, ErrorDetails: "stats parameter missing"}, nil
	}
	return &registry.TaskResult{
		Success: true,
		ResultData: map[string]any{
			"tile":    stats["tile"],
			"range":   intVal(stats["max"]) - intVal(stats["min"]),
			"mean":    stats["mean"],
			"summary": fmt.Sprintf("tile %v: mean %v", stats["tile"], stats["mean"]),
		},
	}, nil
}

func intParam(params map[string]any, key string) int {
	return intVal(params[key])
}

func intVal(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
