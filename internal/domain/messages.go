package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobQueueMessage drives one stage of one job through the jobs queue.
// Unknown fields in incoming payloads are ignored for forward compatibility.
type JobQueueMessage struct {
	JobID         string         `json:"job_id"`
	JobType       string         `json:"job_type"`
	Stage         int            `json:"stage"`
	Parameters    map[string]any `json:"parameters"`
	StageResults  map[string]any `json:"stage_results"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// TaskQueueMessage schedules one task execution through the tasks queue.
type TaskQueueMessage struct {
	TaskID        string         `json:"task_id"`
	ParentJobID   string         `json:"parent_job_id"`
	TaskType      string         `json:"task_type"`
	Stage         int            `json:"stage"`
	TaskIndex     string         `json:"task_index"`
	Parameters    map[string]any `json:"parameters"`
	ParentTaskID  *string        `json:"parent_task_id"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewJobMessage stamps a fresh message id. The correlation id is propagated
// across every message of the same job; pass "" to start a new one.
func NewJobMessage(job *Job, stage int, correlationID string) *JobQueueMessage {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &JobQueueMessage{
		JobID:         job.JobID,
		JobType:       job.JobType,
		Stage:         stage,
		Parameters:    job.Parameters,
		StageResults:  job.StageResults,
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

func NewTaskMessage(task *Task, correlationID string) *TaskQueueMessage {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &TaskQueueMessage{
		TaskID:        task.TaskID,
		ParentJobID:   task.ParentJobID,
		TaskType:      task.TaskType,
		Stage:         task.Stage,
		TaskIndex:     task.TaskIndex,
		Parameters:    task.Parameters,
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}
