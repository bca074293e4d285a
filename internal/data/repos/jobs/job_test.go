package jobs

import (
	"context"
	"strings"
	"testing"

	"gorm.io/datatypes"

	"github.com/geoforge/rasterflow/internal/data/repos/testutil"
	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/dbctx"
)

func seedJob(tb testing.TB, repo JobRepo, dbc dbctx.Context, jobID string, totalStages int) *domain.Job {
	tb.Helper()
	job := &domain.Job{
		JobID:       jobID,
		JobType:     "test_job",
		Status:      domain.JobStatusQueued,
		Stage:       1,
		TotalStages: totalStages,
		Parameters:  datatypes.JSONMap{"n": float64(1)},
	}
	created, fresh, err := repo.Create(dbc, job)
	if err != nil {
		tb.Fatalf("Create: %v", err)
	}
	if !fresh {
		tb.Fatalf("Create: job %s already existed", jobID)
	}
	return created
}

func testJobID(seed string) string {
	return strings.Repeat(seed, 64/len(seed))
}

func TestJobRepoIdempotentCreate(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewJobRepo(db, testutil.Logger(t))

	jobID := testJobID("a1")
	seedJob(t, repo, dbc, jobID, 2)

	again := &domain.Job{JobID: jobID, JobType: "test_job", Status: domain.JobStatusQueued, Stage: 1, TotalStages: 2}
	row, fresh, err := repo.Create(dbc, again)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if fresh {
		t.Fatal("second Create reported a fresh row")
	}
	if row == nil || row.JobID != jobID {
		t.Fatalf("second Create did not return the stored row: %+v", row)
	}

	var count int64
	if err := tx.Model(&domain.Job{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
}

func TestJobRepoAdvanceStageIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewJobRepo(db, testutil.Logger(t))

	jobID := testJobID("b2")
	seedJob(t, repo, dbc, jobID, 3)

	advanced, err := repo.AdvanceStage(dbc, jobID, 2, map[string]any{"1": map[string]any{"tasks": []any{}}})
	if err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if !advanced {
		t.Fatal("first AdvanceStage should move the row")
	}

	again, err := repo.AdvanceStage(dbc, jobID, 2, map[string]any{"1": map[string]any{}})
	if err != nil {
		t.Fatalf("AdvanceStage repeat: %v", err)
	}
	if again {
		t.Fatal("repeat AdvanceStage with same next stage must be a no-op")
	}

	job, err := repo.GetByID(dbc, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Stage != 2 {
		t.Fatalf("stage = %d, want 2", job.Stage)
	}
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %s, want processing", job.Status)
	}

	if skip, err := repo.AdvanceStage(dbc, jobID, 4, nil); err != nil || skip {
		t.Fatalf("AdvanceStage past total_stages: advanced=%v err=%v", skip, err)
	}

	done, err := repo.CheckCompletion(dbc, jobID)
	if err != nil {
		t.Fatalf("CheckCompletion: %v", err)
	}
	if done {
		t.Fatal("job at stage 2 of 3 reported complete")
	}
}

func TestJobRepoSetTerminalGuardsTerminalStates(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewJobRepo(db, testutil.Logger(t))

	jobID := testJobID("c3")
	seedJob(t, repo, dbc, jobID, 1)

	ok, err := repo.SetTerminal(dbc, jobID, domain.JobStatusCompleted, map[string]any{"answer": float64(42)}, map[string]any{"1": map[string]any{}}, "")
	if err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}
	if !ok {
		t.Fatal("SetTerminal should update a live job")
	}

	ok, err = repo.SetTerminal(dbc, jobID, domain.JobStatusFailed, nil, nil, "late failure")
	if err != nil {
		t.Fatalf("SetTerminal repeat: %v", err)
	}
	if ok {
		t.Fatal("terminal job must not transition again")
	}

	job, _ := repo.GetByID(dbc, jobID)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status regressed to %s", job.Status)
	}
	if len(job.ResultData) == 0 {
		t.Fatal("completed job lost its result_data")
	}
}
