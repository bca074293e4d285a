package catalog

import (
	"fmt"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/registry"
)

const pyramidTiles = 5

// TilePyramid is the diamond pipeline: a single planning task, a fixed
// fan-out of renders, an orchestrator-authored fan-in merge, and a single
// finalize step.
func TilePyramid() *registry.Blueprint {
	return &registry.Blueprint{
		JobType:     "tile_pyramid",
		Description: "plan, render tiles in parallel, merge, finalize",
		ParametersSchema: map[string]any{
			"dataset": "string, required",
		},
		Stages: []registry.StageDefinition{
			{Number: 1, Name: "plan", TaskType: "pyramid_plan", Parallelism: registry.Single},
			{Number: 2, Name: "render", TaskType: "pyramid_render", Parallelism: registry.FanOut, Count: pyramidTiles},
			{Number: 3, Name: "merge", TaskType: "pyramid_merge", Parallelism: registry.FanIn},
			{Number: 4, Name: "finalize", TaskType: "pyramid_finalize", Parallelism: registry.Single},
		},
		ValidateParameters: func(params map[string]any) error {
			if _, ok := params["dataset"].(string); !ok {
				return fmt.Errorf("dataset (string) is required")
			}
			return nil
		},
		CreateTasksForStage: func(stage int, jobID string, params map[string]any, prev []map[string]any) ([]registry.TaskSpec, error) {
			switch stage {
			case 1:
				return []registry.TaskSpec{{
					TaskID:     domain.NewTaskID(jobID, stage, "0"),
					TaskType:   "pyramid_plan",
					Parameters: params,
				}}, nil
			case 2:
				// The plan's tile count drives the fan-out and rides along in
				// each render's parameters so the handler can bound-check.
				total := pyramidTiles
				if len(prev) > 0 {
					if n := intVal(prev[0]["tiles"]); n > 0 {
						total = n
					}
				}
				specs := make([]registry.TaskSpec, 0, total)
				for i := 0; i < total; i++ {
					specs = append(specs, registry.TaskSpec{
						TaskID:     domain.NewTaskID(jobID, stage, fmt.Sprintf("tile-%d", i)),
						TaskType:   "pyramid_render",
						Parameters: map[string]any{"tile": i, "tiles": total, "dataset": params["dataset"]},
					})
				}
				return specs, nil
			case 4:
				return []registry.TaskSpec{{
					TaskID:     domain.NewTaskID(jobID, stage, "0"),
					TaskType:   "pyramid_finalize",
					Parameters: map[string]any{"dataset": params["dataset"]},
				}}, nil
			default:
				return nil, fmt.Errorf("stage %d of tile_pyramid is orchestrator-authored", stage)
			}
		},
	}
}

type pyramidPlanHandler struct{}

func (pyramidPlanHandler) Type() string { return "pyramid_plan" }

func (pyramidPlanHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	dataset, _ := params["dataset"].(string)
	return &registry.TaskResult{
		Success:    true,
		ResultData: map[string]any{"dataset": dataset, "tiles": pyramidTiles},
	}, nil
}

type pyramidRenderHandler struct{}

func (pyramidRenderHandler) Type() string { return "pyramid_render" }

func (pyramidRenderHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	tile := intParam(params, "tile")
	dataset, _ := params["dataset"].(string)
	if total := intParam(params, "tiles"); total > 0 && tile >= total {
		return &registry.TaskResult{Success: false, ErrorDetails: fmt.Sprintf("tile %d out of planned range %d", tile, total)}, nil
	}
	return &registry.TaskResult{
		Success:    true,
		ResultData: map[string]any{"tile": tile, "path": fmt.Sprintf("%s/pyramid/%d.tif", dataset, tile)},
	}, nil
}

type pyramidMergeHandler struct{}

func (pyramidMergeHandler) Type() string { return "pyramid_merge" }

func (pyramidMergeHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	prev, ok := params["previous_results"].([]any)
	if !ok {
		return &registry.TaskResult{Success: false, ErrorDetails: "previous_results missing from fan-in parameters"}, nil
	}
	paths := make([]any, 0, len(prev))
	for _, p := range prev {
		if m, ok := p.(map[string]any); ok {
			paths = append(paths, m["path"])
		}
	}
	return &registry.TaskResult{
		Success:    true,
		ResultData: map[string]any{"merged": len(prev), "paths": paths},
	}, nil
}

type pyramidFinalizeHandler struct{}

func (pyramidFinalizeHandler) Type() string { return "pyramid_finalize" }

func (pyramidFinalizeHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	dataset, _ := params["dataset"].(string)
	return &registry.TaskResult{
		Success:    true,
		ResultData: map[string]any{"dataset": dataset, "pyramid": "ready"},
	}, nil
}
