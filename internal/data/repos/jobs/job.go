package jobs

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
	"github.com/geoforge/rasterflow/internal/platform/logger"
)

type JobRepo interface {
	// Create inserts a job row. Inserting an existing job_id is a no-op;
	// the stored row is returned with created=false (idempotent submission).
	Create(dbc dbctx.Context, job *domain.Job) (*domain.Job, bool, error)
	GetByID(dbc dbctx.Context, jobID string) (*domain.Job, error)
	ListByStatus(dbc dbctx.Context, status domain.JobStatus, limit int) ([]*domain.Job, error)
	// MarkProcessing moves a queued job to processing; a no-op otherwise.
	MarkProcessing(dbc dbctx.Context, jobID string) error
	// AdvanceStage calls the advance_job_stage procedure. Returns true when
	// the row moved; a repeat call with the same next stage is a no-op.
	AdvanceStage(dbc dbctx.Context, jobID string, nextStage int, stageResults map[string]any) (bool, error)
	// CheckCompletion calls the check_job_completion procedure.
	CheckCompletion(dbc dbctx.Context, jobID string) (bool, error)
	// SetTerminal marks a job completed or failed under the job advisory
	// lock. Already-terminal jobs are left untouched (returns false).
	SetTerminal(dbc dbctx.Context, jobID string, status domain.JobStatus, resultData map[string]any, stageResults map[string]any, errorDetails string) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRepo) Create(dbc dbctx.Context, job *domain.Job) (*domain.Job, bool, error) {
	transaction := r.handle(dbc)
	if job == nil || job.JobID == "" {
		return nil, false, nil
	}
	job.Normalize()
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).
		Create(job)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return job, true, nil
	}
	existing, err := r.GetByID(dbc, job.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, jobID string) (*domain.Job, error) {
	transaction := r.handle(dbc)
	if jobID == "" {
		return nil, nil
	}
	var job domain.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) ListByStatus(dbc dbctx.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	transaction := r.handle(dbc)
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) MarkProcessing(dbc dbctx.Context, jobID string) error {
	transaction := r.handle(dbc)
	if jobID == "" {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND status = ?", jobID, domain.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     domain.JobStatusProcessing,
			"updated_at": time.Now(),
		}).Error
}

func (r *jobRepo) AdvanceStage(dbc dbctx.Context, jobID string, nextStage int, stageResults map[string]any) (bool, error) {
	transaction := r.handle(dbc)
	raw, err := json.Marshal(stageResults)
	if err != nil {
		return false, err
	}
	var advanced bool
	err = transaction.WithContext(dbc.Ctx).
		Raw(`SELECT advance_job_stage(?, ?, ?::jsonb)`, jobID, nextStage, string(raw)).
		Scan(&advanced).Error
	if err != nil {
		return false, err
	}
	return advanced, nil
}

func (r *jobRepo) CheckCompletion(dbc dbctx.Context, jobID string) (bool, error) {
	transaction := r.handle(dbc)
	var done bool
	err := transaction.WithContext(dbc.Ctx).
		Raw(`SELECT check_job_completion(?)`, jobID).
		Scan(&done).Error
	if err != nil {
		return false, err
	}
	return done, nil
}

func (r *jobRepo) SetTerminal(dbc dbctx.Context, jobID string, status domain.JobStatus, resultData map[string]any, stageResults map[string]any, errorDetails string) (bool, error) {
	transaction := r.handle(dbc)
	if jobID == "" || !status.Terminal() {
		return false, nil
	}
	resultRaw, err := json.Marshal(orEmpty(resultData))
	if err != nil {
		return false, err
	}
	stageRaw, err := json.Marshal(orEmpty(stageResults))
	if err != nil {
		return false, err
	}

	var updated bool
	err = transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Exec(`SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`, jobID).Error; err != nil {
			return err
		}
		res := txx.Model(&domain.Job{}).
			Where("job_id = ? AND status NOT IN ?", jobID, []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed}).
			Updates(map[string]interface{}{
				"status":        status,
				"result_data":   gorm.Expr("?::jsonb", string(resultRaw)),
				"stage_results": gorm.Expr("stage_results || ?::jsonb", string(stageRaw)),
				"error_details": errorDetails,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
