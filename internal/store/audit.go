package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRow represents a row in the append-only audit_log table.
type AuditRow struct {
	AuditID   string
	BudgetID  string
	JobID     string
	EventType string
	Detail    map[string]any
	CreatedAt time.Time
}

// InsertAudit appends an audit record. Audit rows are never updated.
func InsertAudit(ctx context.Context, db *sql.DB, row AuditRow) error {
	var detail any
	if len(row.Detail) > 0 {
		b, err := json.Marshal(row.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(b)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, budget_id, job_id, event_type, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.AuditID, row.BudgetID, nullable(row.JobID), row.EventType,
		detail, formatTime(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns a budget's audit records, oldest first.
func ListAudit(ctx context.Context, db *sql.DB, budgetID string) ([]AuditRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT audit_id, budget_id, job_id, event_type, detail, created_at
		 FROM audit_log WHERE budget_id = ? ORDER BY created_at ASC, audit_id ASC`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var jobID, detail sql.NullString
		var createdAt string
		if err := rows.Scan(&row.AuditID, &row.BudgetID, &jobID, &row.EventType, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		row.JobID = jobID.String
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &row.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		if row.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListAuditForJob returns the audit records attached to one job.
func ListAuditForJob(ctx context.Context, db *sql.DB, jobID string) ([]AuditRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT audit_id, budget_id, job_id, event_type, detail, created_at
		 FROM audit_log WHERE job_id = ? ORDER BY created_at ASC, audit_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit for job: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var jid, detail sql.NullString
		var createdAt string
		if err := rows.Scan(&row.AuditID, &row.BudgetID, &jid, &row.EventType, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		row.JobID = jid.String
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &row.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		if row.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
