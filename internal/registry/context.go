package registry

import (
	"context"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// PredecessorLoader fetches the prior-stage task with the same semantic
// index, or nil when there is none.
type PredecessorLoader func(ctx context.Context) (*domain.Task, error)

// TaskContext is the execution handle passed to a handler for a single task.
// It carries identity, the deadline-bearing context and the only sanctioned
// way to read lineage. Handlers never touch the store or the bus directly.
type TaskContext struct {
	Ctx           context.Context
	TaskID        string
	ParentJobID   string
	Stage         int
	TaskIndex     string
	TaskType      string
	CorrelationID string
	Log           *logger.Logger

	predecessor PredecessorLoader
}

func NewTaskContext(ctx context.Context, task *domain.Task, correlationID string, log *logger.Logger, loader PredecessorLoader) *TaskContext {
	return &TaskContext{
		Ctx:           ctx,
		TaskID:        task.TaskID,
		ParentJobID:   task.ParentJobID,
		Stage:         task.Stage,
		TaskIndex:     task.TaskIndex,
		TaskType:      task.TaskType,
		CorrelationID: correlationID,
		Log:           log,
		predecessor:   loader,
	}
}

// LoadPredecessor returns this task's prior-stage peer (same semantic index,
// stage minus one). (nil, nil) when this is a first-stage task or no peer
// exists. Handlers may ignore lineage entirely.
func (c *TaskContext) LoadPredecessor() (*domain.Task, error) {
	if c.predecessor == nil {
		return nil, nil
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.predecessor(ctx)
}
