package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
)

func newSweeperDB(t *testing.T) (*sql.DB, *jobs.Service) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	return db, jobs.NewService(db, jobs.NewBus(0), zap.NewNop())
}

// insertStaleJob writes a job row directly so its timestamps can sit in the
// past, which the job service's own API never allows.
func insertStaleJob(t *testing.T, db *sql.DB, jobID, status string, age time.Duration) {
	t.Helper()
	then := time.Now().UTC().Add(-age)
	row := store.JobRow{
		JobID:     jobID,
		BudgetID:  "b1",
		JobType:   string(jobs.TypeSuggestions),
		Status:    status,
		CreatedAt: then,
	}
	if status == string(jobs.StatusRunning) {
		row.StartedAt = &then
	}
	require.NoError(t, store.InsertJob(context.Background(), db, row))
}

func insertStep(t *testing.T, db *sql.DB, jobID, stepID, status string, position int) {
	t.Helper()
	then := time.Now().UTC().Add(-2 * time.Hour)
	row := store.StepRow{
		StepID:    stepID,
		JobID:     jobID,
		StepType:  StepSnapshot,
		Status:    status,
		Position:  position,
		CreatedAt: then,
	}
	if status != string(jobs.StatusQueued) {
		row.StartedAt = &then
	}
	if jobs.Status(status).IsTerminal() {
		row.CompletedAt = &then
	}
	require.NoError(t, store.InsertStep(context.Background(), db, row))
}

func TestSweep_FailsStuckRunningJobAndSteps(t *testing.T) {
	ctx := context.Background()
	db, jobSvc := newSweeperDB(t)

	insertStaleJob(t, db, "job-stuck", string(jobs.StatusRunning), 2*time.Hour)
	insertStep(t, db, "job-stuck", "step-done", string(jobs.StatusSucceeded), 0)
	insertStep(t, db, "job-stuck", "step-live", string(jobs.StatusRunning), 1)
	insertStep(t, db, "job-stuck", "step-wait", string(jobs.StatusQueued), 2)

	sweeper := NewSweeper(jobSvc, time.Hour, time.Minute, zap.NewNop())
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	detail, err := jobSvc.GetDetail(ctx, "job-stuck")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, detail.Job.Status)
	assert.Equal(t, TimeoutReason, detail.Job.FailureReason)

	byID := make(map[string]jobs.Step)
	for _, s := range detail.Steps {
		byID[s.ID] = s
	}
	assert.Equal(t, jobs.StatusSucceeded, byID["step-done"].Status, "finished steps keep their status")
	assert.Equal(t, jobs.StatusFailed, byID["step-live"].Status)
	assert.Equal(t, TimeoutReason, byID["step-live"].FailureReason)
	assert.Equal(t, jobs.StatusFailed, byID["step-wait"].Status)
}

func TestSweep_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, jobSvc := newSweeperDB(t)
	insertStaleJob(t, db, "job-stuck", string(jobs.StatusRunning), 2*time.Hour)

	sweeper := NewSweeper(jobSvc, time.Hour, time.Minute, zap.NewNop())

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep is a no-op")

	got, err := jobSvc.Get(ctx, "job-stuck")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, TimeoutReason, got.FailureReason)
}

func TestSweep_FailsStuckQueuedJob(t *testing.T) {
	ctx := context.Background()
	db, jobSvc := newSweeperDB(t)
	insertStaleJob(t, db, "job-never-started", string(jobs.StatusQueued), 2*time.Hour)

	sweeper := NewSweeper(jobSvc, time.Hour, time.Minute, zap.NewNop())
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobSvc.Get(ctx, "job-never-started")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, TimeoutReason, got.FailureReason)
}

func TestSweep_LeavesFreshJobsAlone(t *testing.T) {
	ctx := context.Background()
	db, jobSvc := newSweeperDB(t)
	insertStaleJob(t, db, "job-fresh", string(jobs.StatusRunning), 10*time.Minute)

	sweeper := NewSweeper(jobSvc, time.Hour, time.Minute, zap.NewNop())
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := jobSvc.Get(ctx, "job-fresh")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status)
}

func TestSweeper_StartStop(t *testing.T) {
	_, jobSvc := newSweeperDB(t)

	sweeper := NewSweeper(jobSvc, time.Hour, 10*time.Millisecond, zap.NewNop())
	sweeper.Start()
	sweeper.Start() // no-op while running

	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop() // no-op once stopped
}
