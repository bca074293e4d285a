package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	jobsrepo "github.com/geoforge/rasterflow/internal/data/repos/jobs"
	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/engine"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// JobHandler is the HTTP boundary: submission plus read-only status lookups.
// No mutation beyond Submit is exposed.
type JobHandler struct {
	log   *logger.Logger
	sub   *engine.Submitter
	jobs  jobsrepo.JobRepo
	tasks jobsrepo.TaskRepo
}

func NewJobHandler(baseLog *logger.Logger, sub *engine.Submitter, jobs jobsrepo.JobRepo, tasks jobsrepo.TaskRepo) *JobHandler {
	return &JobHandler{
		log:   baseLog.With("handler", "JobHandler"),
		sub:   sub,
		jobs:  jobs,
		tasks: tasks,
	}
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Submit accepts a JSON parameters object for the job type in the path.
// Duplicate submissions return the existing job unchanged.
func (h *JobHandler) Submit(c *gin.Context) {
	jobType := c.Param("job_type")

	params := map[string]any{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
			return
		}
	}

	job, created, err := h.sub.Submit(c.Request.Context(), jobType, params)
	switch {
	case errors.Is(err, engine.ErrUnknownJobType):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrInvalidParameters):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("submit failed", "job_type", jobType, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":  job.JobID,
		"status":  job.Status,
		"created": created,
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if !domain.ValidJobID(jobID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a 64-hex string"})
		return
	}
	job, err := h.jobs.GetByID(dbctx.New(c.Request.Context()), jobID)
	if err != nil {
		h.log.Error("job lookup failed", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListTasks returns every task of a job across its stages, in task_id order
// within each stage.
func (h *JobHandler) ListTasks(c *gin.Context) {
	jobID := c.Param("job_id")
	if !domain.ValidJobID(jobID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a 64-hex string"})
		return
	}
	dbc := dbctx.New(c.Request.Context())
	job, err := h.jobs.GetByID(dbc, jobID)
	if err != nil {
		h.log.Error("job lookup failed", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	all := make([]*domain.Task, 0)
	for stage := 1; stage <= job.TotalStages; stage++ {
		tasks, err := h.tasks.ListForJobStage(dbc, jobID, stage)
		if err != nil {
			h.log.Error("task listing failed", "job_id", jobID, "stage", stage, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		all = append(all, tasks...)
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "tasks": all})
}
