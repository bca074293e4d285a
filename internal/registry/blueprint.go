package registry

import (
	"fmt"
	"sort"
	"sync"

	"gorm.io/datatypes"

	"github.com/geoforge/rasterflow/internal/domain"
)

// Parallelism is the scheduling shape of one stage.
type Parallelism string

const (
	Single Parallelism = "single"
	FanOut Parallelism = "fan_out"
	FanIn  Parallelism = "fan_in"
)

func (p Parallelism) Valid() bool {
	return p == Single || p == FanOut || p == FanIn
}

// StageDefinition describes one stage of a blueprint. Numbers are 1-based
// and contiguous across the blueprint's stage list.
type StageDefinition struct {
	Number      int
	Name        string
	TaskType    string
	Parallelism Parallelism
	Count       int // optional hint for fan_out stages
}

// TaskSpec is the blueprint's description of one task to create. TaskID,
// TaskType and Parameters are required; Metadata is optional.
type TaskSpec struct {
	TaskID     string
	TaskType   string
	Parameters map[string]any
	Metadata   map[string]any
}

// Validate checks the required keys and the ID discipline: every task id
// starts with the parent job's 8-char prefix and is URL-safe.
func (s TaskSpec) Validate(jobID string) error {
	if s.TaskID == "" {
		return fmt.Errorf("task spec missing task_id")
	}
	if s.TaskType == "" {
		return fmt.Errorf("task spec %s missing task_type", s.TaskID)
	}
	if s.Parameters == nil {
		return fmt.Errorf("task spec %s missing parameters", s.TaskID)
	}
	if !domain.ValidTaskID(s.TaskID, jobID) {
		return fmt.Errorf("task spec %s violates id discipline for job %s", s.TaskID, jobID)
	}
	return nil
}

// Blueprint is the static recipe for one job type: the stage list plus the
// functions the submitter and orchestrator call. All functions must be pure;
// CreateTasksForStage must produce identical TaskSpec lists (including order)
// for identical inputs.
type Blueprint struct {
	JobType          string
	Description      string
	Stages           []StageDefinition
	ParametersSchema map[string]any

	// ValidateParameters rejects malformed submissions before any state is
	// created. Nil means accept anything.
	ValidateParameters func(params map[string]any) error

	// GenerateJobID derives the idempotency key. Nil means the canonical
	// SHA-256 of the normalized parameters.
	GenerateJobID func(params map[string]any) (string, error)

	// CreateJobRecord builds the initial queued job row. Nil means the
	// standard row with stage=1 and total_stages=len(Stages).
	CreateJobRecord func(jobID string, params map[string]any) *domain.Job

	// EnqueueJob builds the stage-1 job message. The submitter sends it;
	// the blueprint never touches the bus. Nil means the standard envelope.
	EnqueueJob func(job *domain.Job, correlationID string) (*domain.JobQueueMessage, error)

	// CreateTasksForStage authors the tasks of a single or fan_out stage.
	// previousResults is the ordered result_data list of the prior stage's
	// completed tasks, empty for stage 1. Never called for fan_in stages;
	// the orchestrator generates that task itself.
	CreateTasksForStage func(stage int, jobID string, jobParams map[string]any, previousResults []map[string]any) ([]TaskSpec, error)

	// AggregateStage overrides the default per-stage aggregation
	// ({"tasks": [{task_id, task_index, result}, ...]}). Optional.
	AggregateStage func(stage int, tasks []*domain.Task) map[string]any

	// FinalResult overrides the default final result
	// ({"stage_results": <all stages>}). Optional.
	FinalResult func(stageResults map[string]any) map[string]any
}

func (b *Blueprint) TotalStages() int { return len(b.Stages) }

// Stage returns the definition for a 1-based stage number.
func (b *Blueprint) Stage(number int) (StageDefinition, bool) {
	for _, s := range b.Stages {
		if s.Number == number {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// normalize fills the optional function slots with the standard behavior so
// callers never branch on nil.
func (b *Blueprint) normalize() {
	if b.ValidateParameters == nil {
		b.ValidateParameters = func(map[string]any) error { return nil }
	}
	if b.GenerateJobID == nil {
		b.GenerateJobID = domain.GenerateJobID
	}
	if b.CreateJobRecord == nil {
		b.CreateJobRecord = func(jobID string, params map[string]any) *domain.Job {
			job := &domain.Job{
				JobID:       jobID,
				JobType:     b.JobType,
				Status:      domain.JobStatusQueued,
				Stage:       1,
				TotalStages: b.TotalStages(),
				Parameters:  datatypes.JSONMap(params),
			}
			job.Normalize()
			return job
		}
	}
	if b.EnqueueJob == nil {
		b.EnqueueJob = func(job *domain.Job, correlationID string) (*domain.JobQueueMessage, error) {
			return domain.NewJobMessage(job, 1, correlationID), nil
		}
	}
}

// JobRegistry maps job_type to its blueprint. Populated explicitly at boot,
// read-only afterwards.
type JobRegistry struct {
	mu         sync.RWMutex
	blueprints map[string]*Blueprint
	handlers   *HandlerRegistry
}

func NewJobRegistry(handlers *HandlerRegistry) *JobRegistry {
	return &JobRegistry{
		blueprints: make(map[string]*Blueprint),
		handlers:   handlers,
	}
}

// Register validates and installs a blueprint. Stage numbers must run
// 1..N contiguously; single and fan_out stages must name a registered
// handler; fan_in stages only need a non-empty task_type because the
// orchestrator authors their task.
func (r *JobRegistry) Register(b *Blueprint) error {
	if b == nil {
		return fmt.Errorf("nil blueprint")
	}
	if b.JobType == "" {
		return fmt.Errorf("blueprint JobType is empty")
	}
	if len(b.Stages) == 0 {
		return fmt.Errorf("blueprint %s has no stages", b.JobType)
	}
	needsAuthoring := false
	for i, s := range b.Stages {
		if s.Number != i+1 {
			return fmt.Errorf("blueprint %s: stage numbers must be contiguous from 1, got %d at position %d", b.JobType, s.Number, i)
		}
		if !s.Parallelism.Valid() {
			return fmt.Errorf("blueprint %s stage %d: invalid parallelism %q", b.JobType, s.Number, s.Parallelism)
		}
		if s.TaskType == "" {
			return fmt.Errorf("blueprint %s stage %d: empty task_type", b.JobType, s.Number)
		}
		if s.Parallelism != FanIn {
			needsAuthoring = true
			if r.handlers != nil {
				if _, ok := r.handlers.Get(s.TaskType); !ok {
					return fmt.Errorf("blueprint %s stage %d: no handler registered for task_type=%s", b.JobType, s.Number, s.TaskType)
				}
			}
		}
	}
	if needsAuthoring && b.CreateTasksForStage == nil {
		return fmt.Errorf("blueprint %s: CreateTasksForStage is required", b.JobType)
	}
	b.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blueprints[b.JobType]; exists {
		return fmt.Errorf("blueprint already registered for job_type=%s", b.JobType)
	}
	r.blueprints[b.JobType] = b
	return nil
}

func (r *JobRegistry) Get(jobType string) (*Blueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blueprints[jobType]
	return b, ok
}

func (r *JobRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.blueprints))
	for t := range r.blueprints {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
