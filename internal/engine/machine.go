package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/geoforge/rasterflow/internal/blob"
	"github.com/geoforge/rasterflow/internal/bus"
	"github.com/geoforge/rasterflow/internal/data/repos/jobs"
	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
	"github.com/geoforge/rasterflow/internal/platform/logger"
	"github.com/geoforge/rasterflow/internal/platform/retryutil"
	"github.com/geoforge/rasterflow/internal/registry"
)

type Config struct {
	// HandlerTimeout is the per-task wall clock. Must equal the bus
	// auto-renew ceiling; the app config validates that at boot.
	HandlerTimeout time.Duration
	// HeartbeatInterval is how often a running task bumps its heartbeat
	// column. Defaults to HandlerTimeout/10, floored at one second.
	HeartbeatInterval time.Duration
	// Retry bounds in-process retries around store reads. The bus never
	// redelivers, so transient store failures are absorbed here.
	Retry retryutil.Policy
}

func (c *Config) withDefaults() {
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.HandlerTimeout / 10
		if c.HeartbeatInterval < time.Second {
			c.HeartbeatInterval = time.Second
		}
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 3
	}
}

// Machine is the orchestrator: a pure message processor with two entry
// points, ProcessJob and ProcessTask. It owns no state of its own; the
// store is the source of truth and the registries are read-only.
type Machine struct {
	log      *logger.Logger
	jobs     jobs.JobRepo
	tasks    jobs.TaskRepo
	registry *registry.JobRegistry
	handlers *registry.HandlerRegistry
	jobsQ    bus.Queue
	tasksQ   bus.Queue
	results  blob.ResultStore
	cfg      Config
}

func NewMachine(
	baseLog *logger.Logger,
	jobRepo jobs.JobRepo,
	taskRepo jobs.TaskRepo,
	jobReg *registry.JobRegistry,
	handlers *registry.HandlerRegistry,
	jobsQ, tasksQ bus.Queue,
	results blob.ResultStore,
	cfg Config,
) *Machine {
	cfg.withDefaults()
	if results == nil {
		results = blob.NewPassthrough()
	}
	return &Machine{
		log:      baseLog.With("component", "CoreMachine"),
		jobs:     jobRepo,
		tasks:    taskRepo,
		registry: jobReg,
		handlers: handlers,
		jobsQ:    jobsQ,
		tasksQ:   tasksQ,
		results:  results,
		cfg:      cfg,
	}
}

// ProcessJob materializes one stage of one job: authors the stage's tasks,
// persists them, then enqueues their messages. Persist first; a task visible
// in the queue but absent from the store must never happen. Replays are safe
// end to end: inserts are idempotent on PK and terminal jobs are ignored.
// A returned error dead-letters the message.
func (m *Machine) ProcessJob(ctx context.Context, msg *domain.JobQueueMessage) error {
	if msg == nil || msg.JobID == "" || msg.Stage < 1 {
		return fmt.Errorf("%s: malformed job message", ReasonContractViolation)
	}
	log := m.log.With("job_id", msg.JobID, "stage", msg.Stage, "correlation_id", msg.CorrelationID)
	dbc := dbctx.New(ctx)

	var job *domain.Job
	err := retryutil.Do(ctx, m.cfg.Retry, func() error {
		var e error
		job, e = m.jobs.GetByID(dbc, msg.JobID)
		return e
	})
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if job == nil {
		return fmt.Errorf("%s: job %s not in store", ReasonUnknownJob, msg.JobID)
	}
	if job.Status.Terminal() {
		log.Info("job already terminal, ignoring redelivery", "status", job.Status)
		return nil
	}
	if msg.Stage != job.Stage {
		// Only the job's current stage may materialize; a stale or forged
		// message must not create tasks ahead of (or behind) the row.
		return fmt.Errorf("%s: message stage %d does not match job stage %d for %s", ReasonContractViolation, msg.Stage, job.Stage, job.JobID)
	}

	bp, ok := m.registry.Get(job.JobType)
	if !ok {
		m.failJob(dbc, log, job.JobID, fmt.Sprintf("%s: %s", ReasonUnknownJobType, job.JobType))
		return nil
	}
	stageDef, ok := bp.Stage(msg.Stage)
	if !ok {
		m.failJob(dbc, log, job.JobID, fmt.Sprintf("%s: stage %d not in blueprint %s", ReasonContractViolation, msg.Stage, job.JobType))
		return nil
	}

	prev, prevIDs, err := m.previousResults(dbc, job.JobID, msg.Stage)
	if err != nil {
		return fmt.Errorf("load previous results for %s stage %d: %w", job.JobID, msg.Stage, err)
	}

	var specs []registry.TaskSpec
	switch stageDef.Parallelism {
	case registry.FanIn:
		// The orchestrator authors the fan-in task itself; blueprints never
		// see this stage.
		prevList := make([]any, len(prev))
		for i, p := range prev {
			prevList[i] = p
		}
		specs = []registry.TaskSpec{{
			TaskID:   domain.NewTaskID(job.JobID, msg.Stage, "aggregate"),
			TaskType: stageDef.TaskType,
			Parameters: map[string]any{
				"previous_results": prevList,
			},
		}}
	default:
		specs, err = bp.CreateTasksForStage(msg.Stage, job.JobID, map[string]any(job.Parameters), prev)
		if err != nil {
			m.failJob(dbc, log, job.JobID, truncateDetail(fmt.Sprintf("create tasks for stage %d: %v", msg.Stage, err)))
			return nil
		}
	}
	if len(specs) == 0 {
		m.failJob(dbc, log, job.JobID, fmt.Sprintf("%s: blueprint produced no tasks for stage %d", ReasonContractViolation, msg.Stage))
		return nil
	}
	for _, sp := range specs {
		if verr := sp.Validate(job.JobID); verr != nil {
			m.failJob(dbc, log, job.JobID, truncateDetail(fmt.Sprintf("%s: %v", ReasonContractViolation, verr)))
			return nil
		}
	}

	rows := make([]*domain.Task, 0, len(specs))
	for _, sp := range specs {
		t := &domain.Task{
			TaskID:      sp.TaskID,
			ParentJobID: job.JobID,
			TaskType:    sp.TaskType,
			Status:      domain.TaskStatusQueued,
			Stage:       msg.Stage,
			TaskIndex:   taskIndexOf(sp.TaskID, job.JobID, msg.Stage),
			Parameters:  datatypes.JSONMap(sp.Parameters),
			Metadata:    datatypes.JSONMap(sp.Metadata),
		}
		t.Normalize()
		rows = append(rows, t)
	}

	created, err := m.tasks.BulkCreate(dbc, rows)
	if err != nil {
		return fmt.Errorf("persist tasks for %s stage %d: %w", job.JobID, msg.Stage, err)
	}
	if created < int64(len(rows)) {
		log.Info("some tasks already existed, replay detected", "created", created, "total", len(rows))
	}

	if err := m.enqueueTasks(ctx, log, rows, prevIDs, msg.CorrelationID); err != nil {
		ids := make([]string, len(rows))
		for i, t := range rows {
			ids[i] = t.TaskID
		}
		detail := truncateDetail(fmt.Sprintf("%s: %v", ReasonEnqueueFailed, err))
		if berr := m.tasks.BatchUpdateStatus(dbc, ids, domain.TaskStatusFailed, detail); berr != nil {
			log.Error("failed to mark tasks after enqueue failure", "error", berr)
		}
		m.failJob(dbc, log, job.JobID, detail)
		return nil
	}

	if err := m.jobs.MarkProcessing(dbc, job.JobID); err != nil {
		log.Warn("mark job processing failed", "error", err)
	}
	log.Info("stage materialized", "tasks", len(rows), "parallelism", stageDef.Parallelism)
	return nil
}

func (m *Machine) enqueueTasks(ctx context.Context, log *logger.Logger, rows []*domain.Task, prevIDs map[string]bool, correlationID string) error {
	for _, t := range rows {
		out := domain.NewTaskMessage(t, correlationID)
		if t.Stage > 1 {
			if candidate := domain.NewTaskID(t.ParentJobID, t.Stage-1, t.TaskIndex); prevIDs[candidate] {
				out.ParentTaskID = &candidate
			}
		}
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode task message %s: %w", t.TaskID, err)
		}
		if err := m.tasksQ.Send(ctx, body); err != nil {
			return fmt.Errorf("enqueue task %s: %w", t.TaskID, err)
		}
	}
	return nil
}

// previousResults collects the prior stage's completed task outputs in
// task_id order: next_stage_params when the task set them, result_data
// otherwise. Also returns the prior stage's task id set for lineage.
func (m *Machine) previousResults(dbc dbctx.Context, jobID string, stage int) ([]map[string]any, map[string]bool, error) {
	if stage <= 1 {
		return []map[string]any{}, map[string]bool{}, nil
	}
	prior, err := m.tasks.ListForJobStage(dbc, jobID, stage-1)
	if err != nil {
		return nil, nil, err
	}
	results := make([]map[string]any, 0, len(prior))
	ids := make(map[string]bool, len(prior))
	for _, t := range prior {
		ids[t.TaskID] = true
		if t.Status != domain.TaskStatusCompleted {
			continue
		}
		if len(t.NextStageParams) > 0 {
			results = append(results, map[string]any(t.NextStageParams))
			continue
		}
		results = append(results, map[string]any(t.ResultData))
	}
	return results, ids, nil
}

// ProcessTask runs one task through its handler and the atomic completion
// procedure. Unknown or already-terminal tasks acknowledge silently.
func (m *Machine) ProcessTask(ctx context.Context, msg *domain.TaskQueueMessage) error {
	if msg == nil || msg.TaskID == "" {
		return fmt.Errorf("%s: malformed task message", ReasonContractViolation)
	}
	log := m.log.With("task_id", msg.TaskID, "job_id", msg.ParentJobID, "correlation_id", msg.CorrelationID)
	dbc := dbctx.New(ctx)

	var task *domain.Task
	err := retryutil.Do(ctx, m.cfg.Retry, func() error {
		var e error
		task, e = m.tasks.GetByID(dbc, msg.TaskID)
		return e
	})
	if err != nil {
		return fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}
	if task == nil {
		log.Warn("task message for unknown task, acknowledging")
		return nil
	}
	if task.Status.Terminal() {
		log.Info("task already terminal, ignoring redelivery", "status", task.Status)
		return nil
	}

	claimed, err := m.tasks.MarkProcessing(dbc, task.TaskID)
	if err != nil {
		return fmt.Errorf("mark task %s processing: %w", task.TaskID, err)
	}
	if !claimed {
		// Raced to terminal between load and claim.
		return nil
	}

	var result *registry.TaskResult
	if handler, found := m.handlers.Get(task.TaskType); found {
		result = m.invoke(ctx, log, handler, task, msg.CorrelationID)
	} else {
		result = &registry.TaskResult{
			Success:      false,
			ErrorDetails: fmt.Sprintf("%s: task_type=%s", ReasonHandlerNotRegistered, task.TaskType),
		}
	}
	return m.finishTask(ctx, log, task, msg.CorrelationID, result)
}

// invoke runs the handler under the wall-clock timeout with heartbeat upkeep
// and panic recovery. A panic is a contract violation, not a crash.
func (m *Machine) invoke(ctx context.Context, log *logger.Logger, handler registry.TaskHandler, task *domain.Task, correlationID string) *registry.TaskResult {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandlerTimeout)
	defer cancel()

	tc := registry.NewTaskContext(hctx, task, correlationID, log, m.predecessorLoader(task))
	params := map[string]any(task.Parameters)

	done := make(chan *registry.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task handler panic", "task_type", task.TaskType, "panic", r)
				done <- &registry.TaskResult{
					Success:      false,
					ErrorDetails: truncateDetail(fmt.Sprintf("%s: panic: %v", ReasonContractViolation, r)),
				}
			}
		}()
		res, err := handler.Handle(params, tc)
		if err != nil {
			done <- &registry.TaskResult{Success: false, ErrorDetails: truncateDetail(err.Error())}
			return
		}
		if res == nil {
			res = &registry.TaskResult{
				Success:      false,
				ErrorDetails: fmt.Sprintf("%s: handler returned nil result", ReasonContractViolation),
			}
		}
		done <- res
	}()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			return res
		case <-hctx.Done():
			log.Warn("task handler exceeded wall clock", "timeout", m.cfg.HandlerTimeout)
			return &registry.TaskResult{Success: false, ErrorDetails: ReasonTimeout}
		case <-ticker.C:
			if err := m.tasks.Heartbeat(dbctx.New(ctx), task.TaskID); err != nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (m *Machine) predecessorLoader(task *domain.Task) registry.PredecessorLoader {
	if task.Stage <= 1 {
		return nil
	}
	priorID := domain.NewTaskID(task.ParentJobID, task.Stage-1, task.TaskIndex)
	return func(ctx context.Context) (*domain.Task, error) {
		return m.tasks.GetByID(dbctx.New(ctx), priorID)
	}
}

// persistTimeout bounds the store writes that record a task's outcome.
const persistTimeout = 30 * time.Second

// finishTask persists the outcome through the atomic completion procedure
// and, when this call was the stage's last observer, runs stage completion.
// The message context is frequently already expired at this point; that is
// exactly how a wall-clock timeout presents. The outcome still has to reach
// the store or the task strands in PROCESSING with no redelivery coming, so
// persistence runs on its own bounded context.
func (m *Machine) finishTask(ctx context.Context, log *logger.Logger, task *domain.Task, correlationID string, result *registry.TaskResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	dbc := dbctx.New(ctx)

	if result.Success {
		payload := result.ResultData
		if payload == nil {
			payload = map[string]any{}
		}
		stored, err := m.results.Externalize(ctx, task.TaskID, payload)
		if err != nil {
			result = &registry.TaskResult{Success: false, ErrorDetails: truncateDetail(err.Error())}
		} else {
			if len(result.NextStageParams) > 0 {
				if err := m.tasks.SetNextStageParams(dbc, task.TaskID, result.NextStageParams); err != nil {
					log.Warn("persist next_stage_params failed", "error", err)
				}
			}
			last, err := m.tasks.CompleteAndCheckStage(dbc, task.TaskID, task.ParentJobID, task.Stage, stored, nil)
			if err != nil {
				return fmt.Errorf("complete task %s: %w", task.TaskID, err)
			}
			log.Info("task completed", "last_of_stage", last)
			if !last {
				return nil
			}
			return m.completeStage(ctx, log, task.ParentJobID, task.Stage, correlationID)
		}
	}

	detail := result.ErrorDetails
	if detail == "" {
		detail = "task failed"
	}
	detail = truncateDetail(detail)
	last, err := m.tasks.CompleteAndCheckStage(dbc, task.TaskID, task.ParentJobID, task.Stage, nil, &detail)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.TaskID, err)
	}
	log.Warn("task failed", "detail", detail, "last_of_stage", last)
	if !last {
		return nil
	}
	return m.completeStage(ctx, log, task.ParentJobID, task.Stage, correlationID)
}

func (m *Machine) failJob(dbc dbctx.Context, log *logger.Logger, jobID, detail string) {
	updated, err := m.jobs.SetTerminal(dbc, jobID, domain.JobStatusFailed, nil, nil, truncateDetail(detail))
	if err != nil {
		log.Error("failed to mark job failed", "error", err, "detail", detail)
		return
	}
	if updated {
		log.Error("job failed", "detail", detail)
	}
}

// taskIndexOf recovers the semantic index from a task id built by
// domain.NewTaskID.
func taskIndexOf(taskID, jobID string, stage int) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	full := fmt.Sprintf("%s-s%d-", prefix, stage)
	if idx := strings.TrimPrefix(taskID, full); idx != taskID && idx != "" {
		return idx
	}
	return "0"
}
