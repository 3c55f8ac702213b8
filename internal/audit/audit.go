// Package audit writes the append-only audit trail.
//
// Every record passes through field redaction before it is persisted, so
// secrets can never reach the audit table regardless of what callers pass in.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/observability"
	"github.com/mathewab/actual-assist-sub002/internal/store"
)

// Event types recorded by the pipeline.
const (
	EventSyncExecuted   = "sync_executed"
	EventSyncFailed     = "sync_failed"
	EventPayeesMerged   = "payees_merged"
	EventJobArchived    = "job_archived"
	EventOrphansCleaned = "orphans_cleaned"
)

// Record is one audit entry.
type Record struct {
	ID        string         `json:"id"`
	BudgetID  string         `json:"budgetId"`
	JobID     string         `json:"jobId,omitempty"`
	EventType string         `json:"eventType"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Recorder appends audit records.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(db *sql.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, logger: logger, now: time.Now}
}

// Write appends one audit record, redacting secret-bearing detail fields.
func (r *Recorder) Write(ctx context.Context, budgetID, jobID, eventType string, detail map[string]any) error {
	record := Record{
		ID:        uuid.New().String(),
		BudgetID:  budgetID,
		JobID:     jobID,
		EventType: eventType,
		Detail:    observability.RedactMap(detail),
		CreatedAt: r.now().UTC(),
	}

	err := store.InsertAudit(ctx, r.db, store.AuditRow{
		AuditID:   record.ID,
		BudgetID:  record.BudgetID,
		JobID:     record.JobID,
		EventType: record.EventType,
		Detail:    record.Detail,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		return err
	}

	r.logger.Info("audit event",
		zap.String("budget_id", budgetID),
		zap.String("event_type", eventType))
	return nil
}

// ForBudget returns a budget's audit records, oldest first.
func (r *Recorder) ForBudget(ctx context.Context, budgetID string) ([]Record, error) {
	rows, err := store.ListAudit(ctx, r.db, budgetID)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ForJob returns the audit records attached to one job.
func (r *Recorder) ForJob(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := store.ListAuditForJob(ctx, r.db, jobID)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func fromRows(rows []store.AuditRow) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			ID:        row.AuditID,
			BudgetID:  row.BudgetID,
			JobID:     row.JobID,
			EventType: row.EventType,
			Detail:    row.Detail,
			CreatedAt: row.CreatedAt,
		})
	}
	return out
}
