package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Job is one row in app.jobs. JobID is the idempotency key: the SHA-256
// of the canonical JSON of the submitted parameters.
type Job struct {
	JobID        string            `gorm:"column:job_id;primaryKey;size:64" json:"job_id"`
	JobType      string            `gorm:"column:job_type;not null;index" json:"job_type"`
	Status       JobStatus         `gorm:"column:status;not null;index:idx_jobs_status_created,priority:1" json:"status"`
	Stage        int               `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages  int               `gorm:"column:total_stages;not null" json:"total_stages"`
	Parameters   datatypes.JSONMap `gorm:"column:parameters;type:jsonb" json:"parameters"`
	StageResults datatypes.JSONMap `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	ResultData   datatypes.JSONMap `gorm:"column:result_data;type:jsonb" json:"result_data"`
	ErrorDetails string            `gorm:"column:error_details" json:"error_details,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt    time.Time         `gorm:"not null;default:now();index:idx_jobs_status_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// Normalize enforces the no-null-JSON-columns invariant before writes.
func (j *Job) Normalize() {
	if j.Parameters == nil {
		j.Parameters = datatypes.JSONMap{}
	}
	if j.StageResults == nil {
		j.StageResults = datatypes.JSONMap{}
	}
	if j.ResultData == nil {
		j.ResultData = datatypes.JSONMap{}
	}
	if j.Metadata == nil {
		j.Metadata = datatypes.JSONMap{}
	}
}
