package engine

import (
	"context"
	"sort"
	"sync"

	"gorm.io/datatypes"

	"github.com/geoforge/rasterflow/internal/bus"
	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
)

// fakeStore mirrors the store's atomic semantics in memory: one mutex plays
// the role of the per-job advisory lock, which is stricter than the real
// thing but preserves the "exactly one observer" property under test.
type fakeStore struct {
	mu            sync.Mutex
	jobs          map[string]*domain.Job
	tasks         map[string]*domain.Task
	terminalCalls int // successful SetTerminal updates
	advanceCalls  int // successful AdvanceStage updates
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  map[string]*domain.Job{},
		tasks: map[string]*domain.Task{},
	}
}

type fakeJobRepo struct{ s *fakeStore }

func (r *fakeJobRepo) Create(_ dbctx.Context, job *domain.Job) (*domain.Job, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if job == nil || job.JobID == "" {
		return nil, false, nil
	}
	if existing, ok := r.s.jobs[job.JobID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	job.Normalize()
	cp := *job
	r.s.jobs[job.JobID] = &cp
	out := cp
	return &out, true, nil
}

func (r *fakeJobRepo) GetByID(_ dbctx.Context, jobID string) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (r *fakeJobRepo) ListByStatus(_ dbctx.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Job
	for _, j := range r.s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) MarkProcessing(_ dbctx.Context, jobID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if j, ok := r.s.jobs[jobID]; ok && j.Status == domain.JobStatusQueued {
		j.Status = domain.JobStatusProcessing
	}
	return nil
}

func (r *fakeJobRepo) AdvanceStage(_ dbctx.Context, jobID string, nextStage int, stageResults map[string]any) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	if j.Stage != nextStage-1 || nextStage > j.TotalStages {
		return false, nil
	}
	j.Stage = nextStage
	if j.StageResults == nil {
		j.StageResults = datatypes.JSONMap{}
	}
	for k, v := range stageResults {
		j.StageResults[k] = v
	}
	if j.Status == domain.JobStatusQueued {
		j.Status = domain.JobStatusProcessing
	}
	r.s.advanceCalls++
	return true, nil
}

func (r *fakeJobRepo) CheckCompletion(_ dbctx.Context, jobID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok {
		return false, nil
	}
	return j.Stage >= j.TotalStages, nil
}

func (r *fakeJobRepo) SetTerminal(dbc dbctx.Context, jobID string, status domain.JobStatus, resultData map[string]any, stageResults map[string]any, errorDetails string) (bool, error) {
	if dbc.Ctx != nil {
		if err := dbc.Ctx.Err(); err != nil {
			return false, err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[jobID]
	if !ok || j.Status.Terminal() || !status.Terminal() {
		return false, nil
	}
	j.Status = status
	j.ResultData = datatypes.JSONMap(resultData)
	if j.ResultData == nil {
		j.ResultData = datatypes.JSONMap{}
	}
	if j.StageResults == nil {
		j.StageResults = datatypes.JSONMap{}
	}
	for k, v := range stageResults {
		j.StageResults[k] = v
	}
	j.ErrorDetails = errorDetails
	r.s.terminalCalls++
	return true, nil
}

type fakeTaskRepo struct{ s *fakeStore }

func (r *fakeTaskRepo) BulkCreate(_ dbctx.Context, tasks []*domain.Task) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var created int64
	for _, t := range tasks {
		if _, ok := r.s.tasks[t.TaskID]; ok {
			continue
		}
		t.Normalize()
		cp := *t
		r.s.tasks[t.TaskID] = &cp
		created++
	}
	return created, nil
}

func (r *fakeTaskRepo) GetByID(_ dbctx.Context, taskID string) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTaskRepo) ListForJobStage(_ dbctx.Context, jobID string, stage int) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.s.tasks {
		if t.ParentJobID == jobID && t.Stage == stage {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (r *fakeTaskRepo) MarkProcessing(_ dbctx.Context, taskID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = domain.TaskStatusProcessing
	t.RetryCount++
	return true, nil
}

func (r *fakeTaskRepo) Heartbeat(_ dbctx.Context, taskID string) error { return nil }

func (r *fakeTaskRepo) CompleteAndCheckStage(dbc dbctx.Context, taskID, jobID string, stage int, resultData map[string]any, errorDetails *string) (bool, error) {
	// Like the real driver, refuse to run on a dead context.
	if dbc.Ctx != nil {
		if err := dbc.Ctx.Err(); err != nil {
			return false, err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[taskID]
	if !ok || t.Status != domain.TaskStatusProcessing {
		return false, nil
	}
	if errorDetails != nil {
		t.Status = domain.TaskStatusFailed
		t.ErrorDetails = *errorDetails
	} else {
		t.Status = domain.TaskStatusCompleted
		t.ResultData = datatypes.JSONMap(resultData)
		if t.ResultData == nil {
			t.ResultData = datatypes.JSONMap{}
		}
	}
	for _, sibling := range r.s.tasks {
		if sibling.ParentJobID == jobID && sibling.Stage == stage && !sibling.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (r *fakeTaskRepo) SetNextStageParams(_ dbctx.Context, taskID string, params map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.tasks[taskID]; ok {
		t.NextStageParams = datatypes.JSONMap(params)
	}
	return nil
}

func (r *fakeTaskRepo) BatchUpdateStatus(_ dbctx.Context, taskIDs []string, status domain.TaskStatus, errorDetails string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range taskIDs {
		if t, ok := r.s.tasks[id]; ok && t.Status == domain.TaskStatusQueued {
			t.Status = status
			if errorDetails != "" {
				t.ErrorDetails = errorDetails
			}
		}
	}
	return nil
}

// fakeQueue records sends; tests drain it by hand.
type fakeQueue struct {
	mu      sync.Mutex
	pending [][]byte
	failing bool
}

func (q *fakeQueue) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failing {
		return errSendFailed
	}
	q.pending = append(q.pending, append([]byte(nil), body...))
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, h bus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	body := q.pending[0]
	q.pending = q.pending[1:]
	return body
}

func (q *fakeQueue) drainAll() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

type sendError struct{}

func (sendError) Error() string { return "queue unavailable" }

var errSendFailed = sendError{}
