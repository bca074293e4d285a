package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Task is one row in app.tasks. TaskID is URL-safe and always begins with
// the first 8 hex chars of the parent job id (see NewTaskID).
type Task struct {
	TaskID          string            `gorm:"column:task_id;primaryKey" json:"task_id"`
	ParentJobID     string            `gorm:"column:parent_job_id;not null;size:64;index:idx_tasks_job_stage_status,priority:1" json:"parent_job_id"`
	TaskType        string            `gorm:"column:task_type;not null" json:"task_type"`
	Status          TaskStatus        `gorm:"column:status;not null;index:idx_tasks_job_stage_status,priority:3" json:"status"`
	Stage           int               `gorm:"column:stage;not null;index:idx_tasks_job_stage_status,priority:2" json:"stage"`
	TaskIndex       string            `gorm:"column:task_index;not null" json:"task_index"`
	Parameters      datatypes.JSONMap `gorm:"column:parameters;type:jsonb" json:"parameters"`
	ResultData      datatypes.JSONMap `gorm:"column:result_data;type:jsonb" json:"result_data"`
	NextStageParams datatypes.JSONMap `gorm:"column:next_stage_params;type:jsonb" json:"next_stage_params"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`
	ErrorDetails    string            `gorm:"column:error_details" json:"error_details,omitempty"`
	RetryCount      int               `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Heartbeat       *time.Time        `gorm:"column:heartbeat" json:"heartbeat,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

func (t *Task) Normalize() {
	if t.Parameters == nil {
		t.Parameters = datatypes.JSONMap{}
	}
	if t.ResultData == nil {
		t.ResultData = datatypes.JSONMap{}
	}
	if t.NextStageParams == nil {
		t.NextStageParams = datatypes.JSONMap{}
	}
	if t.Metadata == nil {
		t.Metadata = datatypes.JSONMap{}
	}
}
