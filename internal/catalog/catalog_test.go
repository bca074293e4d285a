package catalog

import (
	"testing"

	"github.com/geoforge/rasterflow/internal/platform/logger"
	"github.com/geoforge/rasterflow/internal/registry"
)

func compose(t *testing.T) (*registry.HandlerRegistry, *registry.JobRegistry) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	handlers, jobs, err := Compose(log)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	return handlers, jobs
}

func TestComposeRegistersEverything(t *testing.T) {
	handlers, jobs := compose(t)
	for _, jt := range []string{"hello_world", "raster_summary", "tile_pyramid"} {
		if _, ok := jobs.Get(jt); !ok {
			t.Fatalf("job type %s not registered", jt)
		}
	}
	for _, tt := range []string{
		"reverse_message",
		"raster_tile_stats", "raster_tile_summary",
		"pyramid_plan", "pyramid_render", "pyramid_merge", "pyramid_finalize",
	} {
		if _, ok := handlers.Get(tt); !ok {
			t.Fatalf("task type %s not registered", tt)
		}
	}
}

func TestHelloWorldValidation(t *testing.T) {
	_, jobs := compose(t)
	bp, _ := jobs.Get("hello_world")
	if err := bp.ValidateParameters(map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if err := bp.ValidateParameters(map[string]any{}); err == nil {
		t.Fatal("missing message must be rejected")
	}
}

func TestCreateTasksIsStable(t *testing.T) {
	_, jobs := compose(t)
	bp, _ := jobs.Get("raster_summary")
	jobID, err := bp.GenerateJobID(map[string]any{"n": float64(3)})
	if err != nil {
		t.Fatalf("GenerateJobID: %v", err)
	}

	a, err := bp.CreateTasksForStage(1, jobID, map[string]any{"n": float64(3)}, nil)
	if err != nil {
		t.Fatalf("CreateTasksForStage: %v", err)
	}
	b, err := bp.CreateTasksForStage(1, jobID, map[string]any{"n": float64(3)}, nil)
	if err != nil {
		t.Fatalf("CreateTasksForStage repeat: %v", err)
	}
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("task counts = %d, %d, want 3", len(a), len(b))
	}
	for i := range a {
		if a[i].TaskID != b[i].TaskID {
			t.Fatalf("task ids not stable at %d: %s vs %s", i, a[i].TaskID, b[i].TaskID)
		}
		if err := a[i].Validate(jobID); err != nil {
			t.Fatalf("spec %d invalid: %v", i, err)
		}
	}
}

func TestTileStatsDeterministic(t *testing.T) {
	h := tileStatsHandler{}
	r1, err := h.Handle(map[string]any{"tile": float64(2)}, nil)
	if err != nil || !r1.Success {
		t.Fatalf("handle: %v %+v", err, r1)
	}
	r2, _ := h.Handle(map[string]any{"tile": float64(2)}, nil)
	if r1.ResultData["mean"] != r2.ResultData["mean"] {
		t.Fatal("tile stats must be deterministic")
	}
	if r1.ResultData["min"] != 20 || r1.ResultData["max"] != 29 {
		t.Fatalf("unexpected stats %v", r1.ResultData)
	}
}

func TestPyramidMergeCountsResults(t *testing.T) {
	h := pyramidMergeHandler{}
	prev := []any{
		map[string]any{"tile": 0, "path": "d/pyramid/0.tif"},
		map[string]any{"tile": 1, "path": "d/pyramid/1.tif"},
	}
	res, err := h.Handle(map[string]any{"previous_results": prev}, nil)
	if err != nil || !res.Success {
		t.Fatalf("handle: %v %+v", err, res)
	}
	if res.ResultData["merged"] != 2 {
		t.Fatalf("merged = %v, want 2", res.ResultData["merged"])
	}
	bad, _ := h.Handle(map[string]any{}, nil)
	if bad.Success {
		t.Fatal("missing previous_results must fail")
	}
}

func TestPyramidRenderBoundsCheck(t *testing.T) {
	h := pyramidRenderHandler{}
	ok, err := h.Handle(map[string]any{"tile": float64(2), "tiles": float64(5), "dataset": "d"}, nil)
	if err != nil || !ok.Success {
		t.Fatalf("in-range tile rejected: %v %+v", err, ok)
	}
	bad, err := h.Handle(map[string]any{"tile": float64(7), "tiles": float64(5), "dataset": "d"}, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if bad.Success {
		t.Fatal("tile beyond the planned range must fail")
	}
}

func TestPyramidRenderFanOutFollowsPlan(t *testing.T) {
	_, jobs := compose(t)
	bp, _ := jobs.Get("tile_pyramid")
	jobID, err := bp.GenerateJobID(map[string]any{"dataset": "utm33"})
	if err != nil {
		t.Fatalf("GenerateJobID: %v", err)
	}
	plan := []map[string]any{{"dataset": "utm33", "tiles": float64(3)}}
	specs, err := bp.CreateTasksForStage(2, jobID, map[string]any{"dataset": "utm33"}, plan)
	if err != nil {
		t.Fatalf("CreateTasksForStage: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("render fan-out = %d, want the plan's 3", len(specs))
	}
	for _, sp := range specs {
		if intParam(sp.Parameters, "tiles") != 3 {
			t.Fatalf("render params missing planned total: %v", sp.Parameters)
		}
	}
}
