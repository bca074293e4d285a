package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geoforge/rasterflow/internal/bus"
	"github.com/geoforge/rasterflow/internal/data/repos/jobs"
	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
	"github.com/geoforge/rasterflow/internal/platform/logger"
	"github.com/geoforge/rasterflow/internal/registry"
)

// Submitter is the write half of the HTTP boundary: validate, derive the
// idempotency key, create the row, enqueue the stage-1 message.
type Submitter struct {
	log      *logger.Logger
	jobs     jobs.JobRepo
	registry *registry.JobRegistry
	jobsQ    bus.Queue
}

func NewSubmitter(baseLog *logger.Logger, jobRepo jobs.JobRepo, jobReg *registry.JobRegistry, jobsQ bus.Queue) *Submitter {
	return &Submitter{
		log:      baseLog.With("component", "Submitter"),
		jobs:     jobRepo,
		registry: jobReg,
		jobsQ:    jobsQ,
	}
}

// Submit is idempotent: the same parameters always map to the same job_id,
// and an existing row comes back unchanged with created=false. A still-queued
// existing job is re-enqueued, which heals a submission that died between
// create and enqueue; replayed stage-1 messages are harmless.
func (s *Submitter) Submit(ctx context.Context, jobType string, params map[string]any) (*domain.Job, bool, error) {
	bp, ok := s.registry.Get(jobType)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if err := bp.ValidateParameters(params); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	jobID, err := bp.GenerateJobID(params)
	if err != nil {
		return nil, false, fmt.Errorf("generate job id: %w", err)
	}

	record := bp.CreateJobRecord(jobID, params)
	job, created, err := s.jobs.Create(dbctx.New(ctx), record)
	if err != nil {
		return nil, false, fmt.Errorf("create job %s: %w", jobID, err)
	}

	if created || job.Status == domain.JobStatusQueued {
		msg, err := bp.EnqueueJob(job, "")
		if err != nil {
			return job, created, fmt.Errorf("build job message %s: %w", jobID, err)
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return job, created, fmt.Errorf("encode job message %s: %w", jobID, err)
		}
		if err := s.jobsQ.Send(ctx, body); err != nil {
			return job, created, fmt.Errorf("enqueue job %s: %w", jobID, err)
		}
		s.log.Info("job submitted", "job_id", jobID, "job_type", jobType, "created", created)
	} else {
		s.log.Info("duplicate submission, returning existing job", "job_id", jobID, "status", job.Status)
	}
	return job, created, nil
}
