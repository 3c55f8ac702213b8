package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStaleStatus reports a guarded status update that matched no row
// because the row left its expected status between read and write.
var ErrStaleStatus = errors.New("status changed since read")

// JobRow represents a row in the jobs table.
type JobRow struct {
	JobID         string
	BudgetID      string
	JobType       string
	Status        string
	FailureReason string
	ParentJobID   string
	Metadata      map[string]string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// StepRow represents a row in the job_steps table.
type StepRow struct {
	StepID        string
	JobID         string
	StepType      string
	Status        string
	Position      int
	FailureReason string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// EventRow represents a row in the job_events table.
type EventRow struct {
	EventID   string
	JobID     string
	StepID    string
	Status    string
	Message   string
	CreatedAt time.Time
}

// InsertJob inserts a new job row.
func InsertJob(ctx context.Context, db *sql.DB, row JobRow) error {
	metadata, err := encodeMetadata(row.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, budget_id, job_type, status, failure_reason, parent_job_id, metadata,
		  created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.JobID, row.BudgetID, row.JobType, row.Status,
		nullable(row.FailureReason), nullable(row.ParentJobID), metadata,
		formatTime(row.CreatedAt), formatTimePtr(row.StartedAt), formatTimePtr(row.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus persists a job status change with its timestamps. The
// update only applies while the job is still in fromStatus, so a racing
// writer that moved the job first gets ErrStaleStatus instead of
// silently overwriting its result.
func UpdateJobStatus(ctx context.Context, db *sql.DB, row JobRow, fromStatus string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, failure_reason = ?, started_at = ?, completed_at = ?
		 WHERE job_id = ? AND status = ?`,
		row.Status, nullable(row.FailureReason),
		formatTimePtr(row.StartedAt), formatTimePtr(row.CompletedAt), row.JobID, fromStatus)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n == 0 {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, row.JobID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return sql.ErrNoRows
		case err != nil:
			return fmt.Errorf("update job status: %w", err)
		}
		return fmt.Errorf("update job %s: %w", row.JobID, ErrStaleStatus)
	}
	return nil
}

// GetJob retrieves a single job by id. Returns sql.ErrNoRows when absent.
func GetJob(ctx context.Context, db *sql.DB, jobID string) (*JobRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT job_id, budget_id, job_type, status, failure_reason, parent_job_id,
		        metadata, created_at, started_at, completed_at
		 FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns jobs for a budget, newest first. An empty budgetID lists all.
func ListJobs(ctx context.Context, db *sql.DB, budgetID string) ([]JobRow, error) {
	query := `SELECT job_id, budget_id, job_type, status, failure_reason, parent_job_id,
	                 metadata, created_at, started_at, completed_at
	          FROM jobs`
	args := []any{}
	if budgetID != "" {
		query += ` WHERE budget_id = ?`
		args = append(args, budgetID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ListJobsByStatus returns jobs currently in one of the given statuses.
func ListJobsByStatus(ctx context.Context, db *sql.DB, statuses ...string) ([]JobRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, s)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT job_id, budget_id, job_type, status, failure_reason, parent_job_id,
		        metadata, created_at, started_at, completed_at
		 FROM jobs WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// DeleteJob removes a job with its steps and events in one transaction.
func DeleteJob(ctx context.Context, db *sql.DB, jobID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_steps WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InsertStep inserts a new step row.
func InsertStep(ctx context.Context, db *sql.DB, row StepRow) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO job_steps
		 (step_id, job_id, step_type, status, position, failure_reason,
		  created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.StepID, row.JobID, row.StepType, row.Status, row.Position,
		nullable(row.FailureReason),
		formatTime(row.CreatedAt), formatTimePtr(row.StartedAt), formatTimePtr(row.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// UpdateStepStatus persists a step status change with its timestamps.
// Guarded by fromStatus the same way UpdateJobStatus is.
func UpdateStepStatus(ctx context.Context, db *sql.DB, row StepRow, fromStatus string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE job_steps
		 SET status = ?, failure_reason = ?, started_at = ?, completed_at = ?
		 WHERE step_id = ? AND status = ?`,
		row.Status, nullable(row.FailureReason),
		formatTimePtr(row.StartedAt), formatTimePtr(row.CompletedAt), row.StepID, fromStatus)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if n == 0 {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM job_steps WHERE step_id = ?`, row.StepID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return sql.ErrNoRows
		case err != nil:
			return fmt.Errorf("update step status: %w", err)
		}
		return fmt.Errorf("update step %s: %w", row.StepID, ErrStaleStatus)
	}
	return nil
}

// GetStep retrieves a single step by id. Returns sql.ErrNoRows when absent.
func GetStep(ctx context.Context, db *sql.DB, stepID string) (*StepRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT step_id, job_id, step_type, status, position, failure_reason,
		        created_at, started_at, completed_at
		 FROM job_steps WHERE step_id = ?`, stepID)
	return scanStep(row)
}

// ListSteps returns a job's steps in position order.
func ListSteps(ctx context.Context, db *sql.DB, jobID string) ([]StepRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT step_id, job_id, step_type, status, position, failure_reason,
		        created_at, started_at, completed_at
		 FROM job_steps WHERE job_id = ? ORDER BY position ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepRow
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

// InsertEvent appends a job event. Events are never updated or deleted
// individually; cleanup happens only through DeleteJob.
func InsertEvent(ctx context.Context, db *sql.DB, row EventRow) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO job_events (event_id, job_id, step_id, status, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.EventID, row.JobID, nullable(row.StepID), row.Status,
		nullable(row.Message), formatTime(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events oldest first, for stream replay.
func ListEvents(ctx context.Context, db *sql.DB, jobID string) ([]EventRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, job_id, step_id, status, message, created_at
		 FROM job_events WHERE job_id = ? ORDER BY created_at ASC, event_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRow
	for rows.Next() {
		var row EventRow
		var stepID, message sql.NullString
		var createdAt string
		if err := rows.Scan(&row.EventID, &row.JobID, &stepID, &row.Status, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		row.StepID = stepID.String
		row.Message = message.String
		if row.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*JobRow, error) {
	var row JobRow
	var failureReason, parentJobID, metadata sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := r.Scan(&row.JobID, &row.BudgetID, &row.JobType, &row.Status,
		&failureReason, &parentJobID, &metadata, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	row.FailureReason = failureReason.String
	row.ParentJobID = parentJobID.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &row.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	if row.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if row.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if row.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &row, nil
}

func scanStep(r rowScanner) (*StepRow, error) {
	var row StepRow
	var failureReason sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := r.Scan(&row.StepID, &row.JobID, &row.StepType, &row.Status, &row.Position,
		&failureReason, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}

	row.FailureReason = failureReason.String
	if row.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if row.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if row.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &row, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode job metadata: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
