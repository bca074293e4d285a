package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// completeStage runs after exactly one completion call observed the whole
// sibling set terminal. Any failed sibling fails the job; otherwise the
// stage result is aggregated and the job either finishes or advances.
func (m *Machine) completeStage(ctx context.Context, log *logger.Logger, jobID string, stage int, correlationID string) error {
	dbc := dbctx.New(ctx)

	job, err := m.jobs.GetByID(dbc, jobID)
	if err != nil {
		return fmt.Errorf("load job %s for stage completion: %w", jobID, err)
	}
	if job == nil {
		log.Error("stage completion for unknown job")
		return nil
	}
	if job.Status.Terminal() {
		return nil
	}
	bp, ok := m.registry.Get(job.JobType)
	if !ok {
		m.failJob(dbc, log, jobID, fmt.Sprintf("%s: %s", ReasonUnknownJobType, job.JobType))
		return nil
	}

	tasks, err := m.tasks.ListForJobStage(dbc, jobID, stage)
	if err != nil {
		return fmt.Errorf("list tasks for %s stage %d: %w", jobID, stage, err)
	}

	var failures []string
	for _, t := range tasks {
		if t.Status == domain.TaskStatusFailed {
			detail := t.ErrorDetails
			if detail == "" {
				detail = "no details"
			}
			failures = append(failures, fmt.Sprintf("%s: %s", t.TaskID, detail))
		}
	}
	if len(failures) > 0 {
		summary := truncateDetail(fmt.Sprintf("stage %d failed (%d/%d tasks): %s",
			stage, len(failures), len(tasks), strings.Join(failures, "; ")))
		m.failJob(dbc, log, jobID, summary)
		return nil
	}

	var agg map[string]any
	if bp.AggregateStage != nil {
		agg = bp.AggregateStage(stage, tasks)
	} else {
		agg = defaultAggregate(tasks)
	}
	stageKey := strconv.Itoa(stage)

	if stage >= job.TotalStages {
		merged := make(map[string]any, len(job.StageResults)+1)
		for k, v := range job.StageResults {
			merged[k] = v
		}
		merged[stageKey] = agg

		var final map[string]any
		if bp.FinalResult != nil {
			final = bp.FinalResult(merged)
		} else {
			final = map[string]any{"stage_results": merged}
		}
		updated, err := m.jobs.SetTerminal(dbc, jobID, domain.JobStatusCompleted, final, map[string]any{stageKey: agg}, "")
		if err != nil {
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
		if updated {
			log.Info("job completed", "stages", job.TotalStages)
		}
		return nil
	}

	advanced, err := m.jobs.AdvanceStage(dbc, jobID, stage+1, map[string]any{stageKey: agg})
	if err != nil {
		return fmt.Errorf("advance job %s to stage %d: %w", jobID, stage+1, err)
	}
	if !advanced {
		log.Info("stage already advanced by another observer", "next_stage", stage+1)
		return nil
	}

	next, err := m.jobs.GetByID(dbc, jobID)
	if err != nil || next == nil {
		return fmt.Errorf("reload job %s after advance: %w", jobID, err)
	}
	out := domain.NewJobMessage(next, stage+1, correlationID)
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode job message for %s: %w", jobID, err)
	}
	if err := m.jobsQ.Send(ctx, body); err != nil {
		// The row says stage+1 but no message carries it; fail loudly
		// rather than strand the job.
		m.failJob(dbc, log, jobID, truncateDetail(fmt.Sprintf("%s: stage %d job message: %v", ReasonEnqueueFailed, stage+1, err)))
		return nil
	}
	log.Info("stage advanced", "next_stage", stage+1)
	return nil
}

// defaultAggregate is the standard per-stage rollup: the completed tasks in
// task_id order, each with its identity and result payload.
func defaultAggregate(tasks []*domain.Task) map[string]any {
	out := make([]any, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted {
			continue
		}
		out = append(out, map[string]any{
			"task_id":    t.TaskID,
			"task_index": t.TaskIndex,
			"result":     map[string]any(t.ResultData),
		})
	}
	return map[string]any{"tasks": out}
}
