package registry

import (
	"strings"
	"testing"

	"github.com/geoforge/rasterflow/internal/domain"
)

func echoHandler(taskType string) TaskHandler {
	return HandlerFunc{
		TaskType: taskType,
		Fn: func(params map[string]any, tc *TaskContext) (*TaskResult, error) {
			return &TaskResult{Success: true, ResultData: params}, nil
		},
	}
}

func TestHandlerRegistryRejectsDuplicates(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Register(echoHandler("reverse")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoHandler("reverse")); err == nil {
		t.Fatal("duplicate task_type must be rejected")
	}
	if _, ok := r.Get("reverse"); !ok {
		t.Fatal("registered handler not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("unregistered handler found")
	}
}

func TestJobRegistryValidation(t *testing.T) {
	handlers := NewHandlerRegistry()
	if err := handlers.Register(echoHandler("tile")); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	jobs := NewJobRegistry(handlers)

	tasks := func(stage int, jobID string, params map[string]any, prev []map[string]any) ([]TaskSpec, error) {
		return []TaskSpec{{
			TaskID:     domain.NewTaskID(jobID, stage, "0"),
			TaskType:   "tile",
			Parameters: params,
		}}, nil
	}

	good := &Blueprint{
		JobType: "pyramid",
		Stages: []StageDefinition{
			{Number: 1, Name: "plan", TaskType: "tile", Parallelism: Single},
			{Number: 2, Name: "render", TaskType: "tile", Parallelism: FanOut},
			{Number: 3, Name: "merge", TaskType: "merge", Parallelism: FanIn},
		},
		CreateTasksForStage: tasks,
	}
	if err := jobs.Register(good); err != nil {
		t.Fatalf("valid blueprint rejected: %v", err)
	}
	if err := jobs.Register(good); err == nil {
		t.Fatal("duplicate job_type must be rejected")
	}

	gapped := &Blueprint{
		JobType: "gapped",
		Stages: []StageDefinition{
			{Number: 1, TaskType: "tile", Parallelism: Single},
			{Number: 3, TaskType: "tile", Parallelism: Single},
		},
		CreateTasksForStage: tasks,
	}
	if err := jobs.Register(gapped); err == nil || !strings.Contains(err.Error(), "contiguous") {
		t.Fatalf("gapped stage numbers must be rejected, got %v", err)
	}

	unknownHandler := &Blueprint{
		JobType: "orphan",
		Stages: []StageDefinition{
			{Number: 1, TaskType: "no-such-handler", Parallelism: Single},
		},
		CreateTasksForStage: tasks,
	}
	if err := jobs.Register(unknownHandler); err == nil {
		t.Fatal("single stage with unregistered handler must be rejected")
	}

	// fan_in stages skip the handler check; the orchestrator authors them.
	fanInOnly := &Blueprint{
		JobType: "collect",
		Stages: []StageDefinition{
			{Number: 1, TaskType: "unregistered-agg", Parallelism: FanIn},
		},
	}
	if err := jobs.Register(fanInOnly); err != nil {
		t.Fatalf("fan_in-only blueprint rejected: %v", err)
	}
}

func TestBlueprintDefaults(t *testing.T) {
	handlers := NewHandlerRegistry()
	if err := handlers.Register(echoHandler("step")); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	jobs := NewJobRegistry(handlers)

	bp := &Blueprint{
		JobType: "defaulted",
		Stages: []StageDefinition{
			{Number: 1, TaskType: "step", Parallelism: Single},
			{Number: 2, TaskType: "step", Parallelism: Single},
		},
		CreateTasksForStage: func(stage int, jobID string, params map[string]any, prev []map[string]any) ([]TaskSpec, error) {
			return nil, nil
		},
	}
	if err := jobs.Register(bp); err != nil {
		t.Fatalf("register: %v", err)
	}

	params := map[string]any{"n": float64(2)}
	if err := bp.ValidateParameters(params); err != nil {
		t.Fatalf("default validator must accept: %v", err)
	}
	id, err := bp.GenerateJobID(params)
	if err != nil {
		t.Fatalf("GenerateJobID: %v", err)
	}
	if !domain.ValidJobID(id) {
		t.Fatalf("default job id not 64-hex: %s", id)
	}

	job := bp.CreateJobRecord(id, params)
	if job.JobID != id || job.JobType != "defaulted" {
		t.Fatalf("job record identity wrong: %+v", job)
	}
	if job.Status != domain.JobStatusQueued || job.Stage != 1 || job.TotalStages != 2 {
		t.Fatalf("job record state wrong: %+v", job)
	}
	if job.Metadata == nil || job.StageResults == nil {
		t.Fatal("json columns must default to empty maps, not nil")
	}

	msg, err := bp.EnqueueJob(job, "corr-1")
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if msg.Stage != 1 || msg.JobID != id || msg.CorrelationID != "corr-1" {
		t.Fatalf("stage-1 message wrong: %+v", msg)
	}
	if msg.MessageID == "" {
		t.Fatal("message id not stamped")
	}
}

func TestTaskSpecValidate(t *testing.T) {
	jobID := strings.Repeat("ab", 32)
	ok := TaskSpec{
		TaskID:     domain.NewTaskID(jobID, 1, "tile x5/y10"),
		TaskType:   "tile",
		Parameters: map[string]any{},
	}
	if err := ok.Validate(jobID); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	foreign := TaskSpec{TaskID: "deadbeef-s1-0", TaskType: "tile", Parameters: map[string]any{}}
	if err := foreign.Validate(jobID); err == nil {
		t.Fatal("task id with foreign prefix must be rejected")
	}

	unsafe := TaskSpec{TaskID: jobID[:8] + "-s1-tile_0", TaskType: "tile", Parameters: map[string]any{}}
	if err := unsafe.Validate(jobID); err == nil {
		t.Fatal("task id with unsafe chars must be rejected")
	}

	missing := TaskSpec{TaskID: domain.NewTaskID(jobID, 1, "0"), TaskType: "tile"}
	if err := missing.Validate(jobID); err == nil {
		t.Fatal("nil parameters must be rejected")
	}
}
