package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransactionRow represents a row in the transactions snapshot table.
// Amounts are integer minor units, matching the budget service's wire format.
type TransactionRow struct {
	BudgetID      string
	TransactionID string
	Date          string
	Amount        int64
	PayeeID       string
	PayeeName     string
	AccountID     string
	AccountName   string
	CategoryID    string
	CategoryName  string
	ImportedAt    time.Time
}

// CategoryRow represents a row in the categories snapshot table.
type CategoryRow struct {
	BudgetID   string
	CategoryID string
	Name       string
	GroupName  string
	IsIncome   bool
}

// PayeeRow represents a row in the payees snapshot table.
type PayeeRow struct {
	BudgetID string
	PayeeID  string
	Name     string
}

// ReplaceSnapshot atomically replaces a budget's snapshot tables.
//
// Delete-old plus insert-new runs inside one transaction so a concurrent
// reader never observes a partially replaced snapshot.
func ReplaceSnapshot(ctx context.Context, db *sql.DB, budgetID string,
	txns []TransactionRow, categories []CategoryRow, payees []PayeeRow) error {

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"transactions", "categories", "payees"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE budget_id = ?`, budgetID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	txnStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transactions
		 (budget_id, transaction_id, date, amount, payee_id, payee_name,
		  account_id, account_name, category_id, category_name, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare transaction insert: %w", err)
	}
	defer func() { _ = txnStmt.Close() }()
	for _, t := range txns {
		_, err := txnStmt.ExecContext(ctx,
			budgetID, t.TransactionID, t.Date, t.Amount,
			nullable(t.PayeeID), nullable(t.PayeeName),
			nullable(t.AccountID), nullable(t.AccountName),
			nullable(t.CategoryID), nullable(t.CategoryName),
			formatTime(t.ImportedAt))
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.TransactionID, err)
		}
	}

	catStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO categories (budget_id, category_id, name, group_name, is_income)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare category insert: %w", err)
	}
	defer func() { _ = catStmt.Close() }()
	for _, c := range categories {
		if _, err := catStmt.ExecContext(ctx, budgetID, c.CategoryID, c.Name, nullable(c.GroupName), boolToInt(c.IsIncome)); err != nil {
			return fmt.Errorf("insert category %s: %w", c.CategoryID, err)
		}
	}

	payeeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO payees (budget_id, payee_id, name) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare payee insert: %w", err)
	}
	defer func() { _ = payeeStmt.Close() }()
	for _, p := range payees {
		if _, err := payeeStmt.ExecContext(ctx, budgetID, p.PayeeID, p.Name); err != nil {
			return fmt.Errorf("insert payee %s: %w", p.PayeeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// ListTransactions returns a budget's snapshot transactions.
// When uncategorizedOnly is set, only rows without a category are returned.
func ListTransactions(ctx context.Context, db *sql.DB, budgetID string, uncategorizedOnly bool) ([]TransactionRow, error) {
	query := `SELECT budget_id, transaction_id, date, amount, payee_id, payee_name,
	                 account_id, account_name, category_id, category_name, imported_at
	          FROM transactions WHERE budget_id = ?`
	if uncategorizedOnly {
		query += ` AND (category_id IS NULL OR category_id = '')`
	}
	query += ` ORDER BY date ASC, transaction_id ASC`

	rows, err := db.QueryContext(ctx, query, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransactionRow
	for rows.Next() {
		var t TransactionRow
		var payeeID, payeeName, accountID, accountName, categoryID, categoryName sql.NullString
		var importedAt string
		err := rows.Scan(&t.BudgetID, &t.TransactionID, &t.Date, &t.Amount,
			&payeeID, &payeeName, &accountID, &accountName, &categoryID, &categoryName,
			&importedAt)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.PayeeID = payeeID.String
		t.PayeeName = payeeName.String
		t.AccountID = accountID.String
		t.AccountName = accountName.String
		t.CategoryID = categoryID.String
		t.CategoryName = categoryName.String
		if t.ImportedAt, err = parseTime(importedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCategories returns a budget's snapshot categories.
func ListCategories(ctx context.Context, db *sql.DB, budgetID string) ([]CategoryRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT budget_id, category_id, name, group_name, is_income
		 FROM categories WHERE budget_id = ? ORDER BY name ASC`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CategoryRow
	for rows.Next() {
		var c CategoryRow
		var groupName sql.NullString
		var isIncome int
		if err := rows.Scan(&c.BudgetID, &c.CategoryID, &c.Name, &groupName, &isIncome); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.GroupName = groupName.String
		c.IsIncome = isIncome != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPayees returns a budget's snapshot payees.
func ListPayees(ctx context.Context, db *sql.DB, budgetID string) ([]PayeeRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT budget_id, payee_id, name FROM payees WHERE budget_id = ? ORDER BY name ASC`,
		budgetID)
	if err != nil {
		return nil, fmt.Errorf("list payees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PayeeRow
	for rows.Next() {
		var p PayeeRow
		if err := rows.Scan(&p.BudgetID, &p.PayeeID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan payee: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PayeeCategoryAssociation is an observed payee-to-category pairing from the
// budget's already-categorized transactions.
type PayeeCategoryAssociation struct {
	PayeeName    string
	CategoryID   string
	CategoryName string
	Count        int
}

// ListPayeeCategoryAssociations returns, per payee name, the category it was
// most often filed under, for the fuzzy-first categorization path.
func ListPayeeCategoryAssociations(ctx context.Context, db *sql.DB, budgetID string) ([]PayeeCategoryAssociation, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT payee_name, category_id, category_name, COUNT(*) AS n
		 FROM transactions
		 WHERE budget_id = ?
		   AND payee_name IS NOT NULL AND payee_name != ''
		   AND category_id IS NOT NULL AND category_id != ''
		 GROUP BY payee_name, category_id, category_name
		 ORDER BY payee_name ASC, n DESC`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list payee category associations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PayeeCategoryAssociation
	seen := make(map[string]struct{})
	for rows.Next() {
		var a PayeeCategoryAssociation
		if err := rows.Scan(&a.PayeeName, &a.CategoryID, &a.CategoryName, &a.Count); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		// Rows arrive most-frequent first per payee; keep only the top one.
		if _, ok := seen[a.PayeeName]; ok {
			continue
		}
		seen[a.PayeeName] = struct{}{}
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
