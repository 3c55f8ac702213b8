// Package budget abstracts the remote budgeting service.
//
// The service is the source of truth for transactions, categories, and
// payees; this package exposes the read and write operations the pipeline
// needs and a single error kind for every provider-level failure.
package budget

import (
	"context"
	"errors"
	"fmt"
)

// Transaction is a transaction as reported by the budget service.
// Amount is in integer minor units (cents).
type Transaction struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	Amount       int64  `json:"amount"`
	PayeeID      string `json:"payeeId,omitempty"`
	PayeeName    string `json:"payeeName,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
	AccountName  string `json:"accountName,omitempty"`
	CategoryID   string `json:"categoryId,omitempty"`
	CategoryName string `json:"categoryName,omitempty"`
}

// Category is a budget category.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GroupName string `json:"groupName,omitempty"`
	IsIncome  bool   `json:"isIncome,omitempty"`
}

// Payee is a payee record.
type Payee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the budget service surface consumed by the pipeline.
//
// Implementations must be safe for concurrent use. The service is assumed to
// provide strongly consistent reads after a successful write.
type Client interface {
	ListTransactions(ctx context.Context, budgetID string) ([]Transaction, error)
	ListCategories(ctx context.Context, budgetID string) ([]Category, error)
	ListPayees(ctx context.Context, budgetID string) ([]Payee, error)

	// UpdateTransactionCategory assigns a category to one transaction.
	UpdateTransactionCategory(ctx context.Context, budgetID, transactionID, categoryID string) error

	// MergePayees reassigns all of sourceIDs' history to targetID and removes
	// the source payee records.
	MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) error

	// TriggerSync asks the service to run its own sync protocol.
	TriggerSync(ctx context.Context, budgetID string) error
}

// ErrService is the sentinel for all budget service failures.
var ErrService = errors.New("budget service error")

// ServiceError wraps a budget service failure with the failing operation.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("budget service %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrService
}

// IsServiceError returns true if the error came from the budget service.
func IsServiceError(err error) bool {
	return errors.Is(err, ErrService)
}
