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

type TaskRepo interface {
	// BulkCreate inserts task rows, skipping task_ids that already exist.
	// Replayed job messages therefore re-create nothing.
	BulkCreate(dbc dbctx.Context, tasks []*domain.Task) (int64, error)
	GetByID(dbc dbctx.Context, taskID string) (*domain.Task, error)
	ListForJobStage(dbc dbctx.Context, jobID string, stage int) ([]*domain.Task, error)
	// MarkProcessing transitions queued -> processing, bumps retry_count and
	// the heartbeat. A redelivered message finds the task already processing
	// and still proceeds; terminal tasks return false.
	MarkProcessing(dbc dbctx.Context, taskID string) (bool, error)
	Heartbeat(dbc dbctx.Context, taskID string) error
	// CompleteAndCheckStage calls the complete_task_and_check_stage
	// procedure: terminal-marks the task and reports whether this call
	// observed the whole sibling set terminal. At most one caller per
	// (job, stage) sees true.
	CompleteAndCheckStage(dbc dbctx.Context, taskID, jobID string, stage int, resultData map[string]any, errorDetails *string) (bool, error)
	// SetNextStageParams records the parameters this task wants handed to
	// its successor in the next stage.
	SetNextStageParams(dbc dbctx.Context, taskID string, params map[string]any) error
	// BatchUpdateStatus moves still-queued tasks to the given status. Rows
	// that already left queued (in flight or terminal) are never touched;
	// a replayed stage must not un-complete finished work.
	BatchUpdateStatus(dbc dbctx.Context, taskIDs []string, status domain.TaskStatus, errorDetails string) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) BulkCreate(dbc dbctx.Context, tasks []*domain.Task) (int64, error) {
	transaction := r.handle(dbc)
	if len(tasks) == 0 {
		return 0, nil
	}
	for _, t := range tasks {
		t.Normalize()
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoNothing: true,
		}).
		Create(&tasks)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, taskID string) (*domain.Task, error) {
	transaction := r.handle(dbc)
	if taskID == "" {
		return nil, nil
	}
	var task domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) ListForJobStage(dbc dbctx.Context, jobID string, stage int) ([]*domain.Task, error) {
	transaction := r.handle(dbc)
	var out []*domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Order("task_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) MarkProcessing(dbc dbctx.Context, taskID string) (bool, error) {
	transaction := r.handle(dbc)
	if taskID == "" {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status IN ?", taskID, []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusProcessing}).
		Updates(map[string]interface{}{
			"status":      domain.TaskStatusProcessing,
			"retry_count": gorm.Expr("retry_count + 1"),
			"heartbeat":   now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Heartbeat(dbc dbctx.Context, taskID string) error {
	transaction := r.handle(dbc)
	if taskID == "" {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, domain.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"heartbeat":  now,
			"updated_at": now,
		}).Error
}

func (r *taskRepo) CompleteAndCheckStage(dbc dbctx.Context, taskID, jobID string, stage int, resultData map[string]any, errorDetails *string) (bool, error) {
	transaction := r.handle(dbc)
	var resultArg any
	if resultData != nil {
		raw, err := json.Marshal(resultData)
		if err != nil {
			return false, err
		}
		resultArg = string(raw)
	}
	var last bool
	err := transaction.WithContext(dbc.Ctx).
		Raw(`SELECT complete_task_and_check_stage(?, ?, ?, ?::jsonb, ?)`, taskID, jobID, stage, resultArg, errorDetails).
		Scan(&last).Error
	if err != nil {
		return false, err
	}
	return last, nil
}

func (r *taskRepo) SetNextStageParams(dbc dbctx.Context, taskID string, params map[string]any) error {
	transaction := r.handle(dbc)
	if taskID == "" || params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"next_stage_params": gorm.Expr("?::jsonb", string(raw)),
			"updated_at":        time.Now(),
		}).Error
}

func (r *taskRepo) BatchUpdateStatus(dbc dbctx.Context, taskIDs []string, status domain.TaskStatus, errorDetails string) error {
	transaction := r.handle(dbc)
	if len(taskIDs) == 0 {
		return nil
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if errorDetails != "" {
		updates["error_details"] = errorDetails
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_id IN ? AND status = ?", taskIDs, domain.TaskStatusQueued).
		Updates(updates).Error
}
