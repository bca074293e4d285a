package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geoforge/rasterflow/internal/bus"
	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/ctxutil"
	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// Worker binds the machine to the two queues. Start launches one consume
// loop per queue and returns; the loops stop when ctx is cancelled.
type Worker struct {
	log     *logger.Logger
	machine *Machine
	jobsQ   bus.Queue
	tasksQ  bus.Queue
}

func NewWorker(baseLog *logger.Logger, machine *Machine, jobsQ, tasksQ bus.Queue) *Worker {
	return &Worker{
		log:     baseLog.With("component", "Worker"),
		machine: machine,
		jobsQ:   jobsQ,
		tasksQ:  tasksQ,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("worker starting")
	go func() {
		if err := w.jobsQ.Consume(ctx, w.handleJobMessage); err != nil && ctx.Err() == nil {
			w.log.Error("jobs consume loop exited", "error", err)
		}
	}()
	go func() {
		if err := w.tasksQ.Consume(ctx, w.handleTaskMessage); err != nil && ctx.Err() == nil {
			w.log.Error("tasks consume loop exited", "error", err)
		}
	}()
}

func (w *Worker) handleJobMessage(ctx context.Context, msg *bus.Message) error {
	var jm domain.JobQueueMessage
	if err := json.Unmarshal(msg.Body, &jm); err != nil {
		return fmt.Errorf("%s: decode job message: %w", ReasonContractViolation, err)
	}
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{
		CorrelationID: jm.CorrelationID,
		MessageID:     jm.MessageID,
	})
	return w.machine.ProcessJob(ctx, &jm)
}

func (w *Worker) handleTaskMessage(ctx context.Context, msg *bus.Message) error {
	var tm domain.TaskQueueMessage
	if err := json.Unmarshal(msg.Body, &tm); err != nil {
		return fmt.Errorf("%s: decode task message: %w", ReasonContractViolation, err)
	}
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{
		CorrelationID: tm.CorrelationID,
		MessageID:     tm.MessageID,
	})
	return w.machine.ProcessTask(ctx, &tm)
}
