package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/budget"
)

type fakeBudgetClient struct {
	transactions []budget.Transaction
	categories   []budget.Category
	payees       []budget.Payee
	listErr      error
}

func (f *fakeBudgetClient) ListTransactions(ctx context.Context, budgetID string) ([]budget.Transaction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.transactions, nil
}

func (f *fakeBudgetClient) ListCategories(ctx context.Context, budgetID string) ([]budget.Category, error) {
	return f.categories, nil
}

func (f *fakeBudgetClient) ListPayees(ctx context.Context, budgetID string) ([]budget.Payee, error) {
	return f.payees, nil
}

func (f *fakeBudgetClient) UpdateTransactionCategory(ctx context.Context, budgetID, transactionID, categoryID string) error {
	return nil
}

func (f *fakeBudgetClient) MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) error {
	return nil
}

func (f *fakeBudgetClient) TriggerSync(ctx context.Context, budgetID string) error {
	return nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	return db
}

func TestRefresh_PopulatesSnapshotTables(t *testing.T) {
	db := newTestDB(t)
	client := &fakeBudgetClient{
		transactions: []budget.Transaction{
			{ID: "t1", Date: "2025-08-01", Amount: -1250, PayeeName: "AMZN MKTP"},
			{ID: "t2", Date: "2025-08-02", Amount: -500, PayeeName: "Starbucks", CategoryID: "c1", CategoryName: "Coffee"},
		},
		categories: []budget.Category{
			{ID: "c1", Name: "Coffee", GroupName: "Food"},
		},
		payees: []budget.Payee{
			{ID: "p1", Name: "Amazon"},
			{ID: "p2", Name: "Starbucks"},
		},
	}

	svc := NewService(db, client, zap.NewNop())
	res, err := svc.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Transactions)
	assert.Equal(t, 1, res.Categories)
	assert.Equal(t, 2, res.Payees)
	assert.Contains(t, res.ValidTransactionIDs, "t1")
	assert.Contains(t, res.ValidTransactionIDs, "t2")

	txns, err := store.ListTransactions(context.Background(), db, "b1", false)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	uncategorized, err := store.ListTransactions(context.Background(), db, "b1", true)
	require.NoError(t, err)
	require.Len(t, uncategorized, 1)
	assert.Equal(t, "t1", uncategorized[0].TransactionID)
}

func TestRefresh_ReplacesPreviousSnapshot(t *testing.T) {
	db := newTestDB(t)
	client := &fakeBudgetClient{
		transactions: []budget.Transaction{{ID: "t1", Date: "2025-08-01", Amount: -100}},
	}

	svc := NewService(db, client, zap.NewNop())
	_, err := svc.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	client.transactions = []budget.Transaction{{ID: "t9", Date: "2025-08-10", Amount: -900}}
	res, err := svc.Refresh(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transactions)
	assert.NotContains(t, res.ValidTransactionIDs, "t1")

	txns, err := store.ListTransactions(context.Background(), db, "b1", false)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "t9", txns[0].TransactionID)
}

func TestRefresh_ServiceErrorLeavesSnapshotUntouched(t *testing.T) {
	db := newTestDB(t)
	client := &fakeBudgetClient{
		transactions: []budget.Transaction{{ID: "t1", Date: "2025-08-01", Amount: -100}},
	}

	svc := NewService(db, client, zap.NewNop())
	_, err := svc.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	client.listErr = &budget.ServiceError{Op: "ListTransactions", Err: errors.New("upstream down")}
	_, err = svc.Refresh(context.Background(), "b1")
	require.Error(t, err)
	assert.True(t, budget.IsServiceError(err))

	txns, err := store.ListTransactions(context.Background(), db, "b1", false)
	require.NoError(t, err)
	require.Len(t, txns, 1)
}
