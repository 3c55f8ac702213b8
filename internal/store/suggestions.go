package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicatePending reports an insert that lost the race for a
// transaction's single pending slot, enforced by the partial unique
// index on (budget_id, transaction_id) WHERE status = 'pending'.
var ErrDuplicatePending = errors.New("pending suggestion already exists")

// SuggestionRow represents a row in the suggestions table.
type SuggestionRow struct {
	SuggestionID         string
	BudgetID             string
	TransactionID        string
	CurrentCategory      string
	ProposedCategoryID   string
	ProposedCategoryName string
	ProposedPayeeName    string
	Confidence           float64
	Rationale            string
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// InsertSuggestion inserts a new suggestion row.
func InsertSuggestion(ctx context.Context, db *sql.DB, row SuggestionRow) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO suggestions
		 (suggestion_id, budget_id, transaction_id, current_category,
		  proposed_category_id, proposed_category_name, proposed_payee_name,
		  confidence, rationale, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SuggestionID, row.BudgetID, row.TransactionID, nullable(row.CurrentCategory),
		row.ProposedCategoryID, row.ProposedCategoryName, nullable(row.ProposedPayeeName),
		row.Confidence, nullable(row.Rationale), row.Status,
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert suggestion for transaction %s: %w", row.TransactionID, ErrDuplicatePending)
		}
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

// GetSuggestion retrieves a suggestion by id. Returns sql.ErrNoRows when absent.
func GetSuggestion(ctx context.Context, db *sql.DB, suggestionID string) (*SuggestionRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT suggestion_id, budget_id, transaction_id, current_category,
		        proposed_category_id, proposed_category_name, proposed_payee_name,
		        confidence, rationale, status, created_at, updated_at
		 FROM suggestions WHERE suggestion_id = ?`, suggestionID)
	return scanSuggestion(row)
}

// ListSuggestions returns a budget's suggestions filtered by status.
// An empty status lists all of the budget's suggestions.
func ListSuggestions(ctx context.Context, db *sql.DB, budgetID, status string) ([]SuggestionRow, error) {
	query := `SELECT suggestion_id, budget_id, transaction_id, current_category,
	                 proposed_category_id, proposed_category_name, proposed_payee_name,
	                 confidence, rationale, status, created_at, updated_at
	          FROM suggestions WHERE budget_id = ?`
	args := []any{budgetID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, suggestion_id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SuggestionRow
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// PendingTransactionIDs returns the transaction ids that already have a
// pending suggestion for the budget. One batched query, not one per
// transaction.
func PendingTransactionIDs(ctx context.Context, db *sql.DB, budgetID string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT transaction_id FROM suggestions WHERE budget_id = ? AND status = 'pending'`,
		budgetID)
	if err != nil {
		return nil, fmt.Errorf("list pending transaction ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transaction id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// UpdateSuggestionStatus moves a suggestion to a new status.
// Returns sql.ErrNoRows when the suggestion does not exist.
func UpdateSuggestionStatus(ctx context.Context, db *sql.DB, suggestionID, status string, updatedAt time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, updated_at = ? WHERE suggestion_id = ?`,
		status, formatTime(updatedAt), suggestionID)
	if err != nil {
		return fmt.Errorf("update suggestion status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update suggestion status: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteOrphanedSuggestions deletes pending suggestions whose transaction id
// is not in validTxnIDs and returns the number deleted.
func DeleteOrphanedSuggestions(ctx context.Context, db *sql.DB, budgetID string, validTxnIDs map[string]struct{}) (int, error) {
	pending, err := ListSuggestions(ctx, db, budgetID, "pending")
	if err != nil {
		return 0, err
	}

	var orphaned []string
	for _, s := range pending {
		if _, ok := validTxnIDs[s.TransactionID]; !ok {
			orphaned = append(orphaned, s.SuggestionID)
		}
	}
	if len(orphaned) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM suggestions WHERE suggestion_id = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare delete: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range orphaned {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return 0, fmt.Errorf("delete suggestion %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(orphaned), nil
}

func scanSuggestion(r rowScanner) (*SuggestionRow, error) {
	var row SuggestionRow
	var currentCategory, proposedPayee, rationale sql.NullString
	var createdAt, updatedAt string

	err := r.Scan(&row.SuggestionID, &row.BudgetID, &row.TransactionID, &currentCategory,
		&row.ProposedCategoryID, &row.ProposedCategoryName, &proposedPayee,
		&row.Confidence, &rationale, &row.Status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}

	row.CurrentCategory = currentCategory.String
	row.ProposedPayeeName = proposedPayee.String
	row.Rationale = rationale.String
	if row.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if row.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &row, nil
}
