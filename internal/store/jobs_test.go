package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func seedJob(t *testing.T, db *sql.DB, jobID, status string) JobRow {
	t.Helper()
	row := JobRow{
		JobID:     jobID,
		BudgetID:  "b1",
		JobType:   "sync",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, InsertJob(context.Background(), db, row))
	return row
}

func TestUpdateJobStatus_GuardedByFromStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	row := seedJob(t, db, "j1", "queued")

	// A writer that read the job before it left "running" must not win.
	row.Status = "failed"
	err := UpdateJobStatus(ctx, db, row, "running")
	require.ErrorIs(t, err, ErrStaleStatus)

	got, err := GetJob(ctx, db, "j1")
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)

	err = UpdateJobStatus(ctx, db, row, "queued")
	require.NoError(t, err)

	got, err = GetJob(ctx, db, "j1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
}

func TestUpdateJobStatus_MissingJob(t *testing.T) {
	db := newTestDB(t)

	row := JobRow{JobID: "nope", Status: "running", CreatedAt: time.Now().UTC()}
	err := UpdateJobStatus(context.Background(), db, row, "queued")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateStepStatus_GuardedByFromStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedJob(t, db, "j1", "running")

	step := StepRow{
		StepID:    "s1",
		JobID:     "j1",
		StepType:  "sync",
		Status:    "running",
		Position:  0,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, InsertStep(ctx, db, step))

	step.Status = "canceled"
	err := UpdateStepStatus(ctx, db, step, "queued")
	require.ErrorIs(t, err, ErrStaleStatus)

	got, err := GetStep(ctx, db, "s1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)

	require.NoError(t, UpdateStepStatus(ctx, db, step, "running"))

	got, err = GetStep(ctx, db, "s1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", got.Status)

	step.StepID = "missing"
	err = UpdateStepStatus(ctx, db, step, "running")
	require.ErrorIs(t, err, sql.ErrNoRows)
}
