// Package snapshot pulls a budget's current state into the local store.
//
// The local snapshot tables back the suggestion pipeline and the payee merge
// engine; refreshing them is always the first step of a workflow that reads
// transactions.
package snapshot

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/budget"
)

// Result summarizes one refresh.
type Result struct {
	Transactions int `json:"transactions"`
	Categories   int `json:"categories"`
	Payees       int `json:"payees"`

	// ValidTransactionIDs is the fresh id set, consumed by orphan cleanup.
	ValidTransactionIDs map[string]struct{} `json:"-"`
}

// Service refreshes snapshots.
type Service struct {
	db     *sql.DB
	client budget.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a snapshot Service.
func NewService(db *sql.DB, client budget.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, client: client, logger: logger, now: time.Now}
}

// Refresh downloads the budget's transactions, categories, and payees and
// replaces the snapshot tables atomically.
func (s *Service) Refresh(ctx context.Context, budgetID string) (*Result, error) {
	txns, err := s.client.ListTransactions(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	categories, err := s.client.ListCategories(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	payees, err := s.client.ListPayees(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	txnRows := make([]store.TransactionRow, 0, len(txns))
	validIDs := make(map[string]struct{}, len(txns))
	for _, t := range txns {
		validIDs[t.ID] = struct{}{}
		txnRows = append(txnRows, store.TransactionRow{
			BudgetID:      budgetID,
			TransactionID: t.ID,
			Date:          t.Date,
			Amount:        t.Amount,
			PayeeID:       t.PayeeID,
			PayeeName:     t.PayeeName,
			AccountID:     t.AccountID,
			AccountName:   t.AccountName,
			CategoryID:    t.CategoryID,
			CategoryName:  t.CategoryName,
			ImportedAt:    now,
		})
	}

	catRows := make([]store.CategoryRow, 0, len(categories))
	for _, c := range categories {
		catRows = append(catRows, store.CategoryRow{
			BudgetID:   budgetID,
			CategoryID: c.ID,
			Name:       c.Name,
			GroupName:  c.GroupName,
			IsIncome:   c.IsIncome,
		})
	}

	payeeRows := make([]store.PayeeRow, 0, len(payees))
	for _, p := range payees {
		payeeRows = append(payeeRows, store.PayeeRow{
			BudgetID: budgetID,
			PayeeID:  p.ID,
			Name:     p.Name,
		})
	}

	if err := store.ReplaceSnapshot(ctx, s.db, budgetID, txnRows, catRows, payeeRows); err != nil {
		return nil, err
	}

	s.logger.Info("snapshot refreshed",
		zap.String("budget_id", budgetID),
		zap.Int("transactions", len(txnRows)),
		zap.Int("categories", len(catRows)),
		zap.Int("payees", len(payeeRows)))

	return &Result{
		Transactions:        len(txnRows),
		Categories:          len(catRows),
		Payees:              len(payeeRows),
		ValidTransactionIDs: validIDs,
	}, nil
}
