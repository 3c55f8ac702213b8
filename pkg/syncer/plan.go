// Package syncer turns approved suggestions into reviewable plans and applies
// them to the budget service.
//
// Plans are transient: they live in an in-memory registry and are rebuilt
// from the approved suggestion set whenever a caller asks. Executing a plan
// applies changes one at a time with no rollback; the budget service has no
// multi-change transaction primitive.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/suggest"
)

// Change is one transaction update within a plan. Machine ids drive
// execution; the display fields exist for human review.
type Change struct {
	SuggestionID  string `json:"suggestionId"`
	TransactionID string `json:"transactionId"`
	CategoryID    string `json:"categoryId"`

	PayeeName       string `json:"payeeName,omitempty"`
	NewPayeeName    string `json:"newPayeeName,omitempty"`
	Date            string `json:"date,omitempty"`
	AccountName     string `json:"accountName,omitempty"`
	Amount          int64  `json:"amountCents"`
	AmountDisplay   string `json:"amountDisplay"`
	CurrentCategory string `json:"currentCategory,omitempty"`
	NewCategoryName string `json:"newCategoryName"`
}

// Summary is a plan's dry-run description.
type Summary struct {
	CategoryChanges int    `json:"categoryChanges"`
	PayeeChanges    int    `json:"payeeChanges"`
	Impact          string `json:"impact"`
}

// Plan is an immutable bundle of changes derived from the approved
// suggestions at creation time.
type Plan struct {
	ID        string    `json:"id"`
	BudgetID  string    `json:"budgetId"`
	CreatedAt time.Time `json:"createdAt"`
	Changes   []Change  `json:"changes"`
	Summary   Summary   `json:"summary"`
}

// NewPlan constructs a plan, enforcing the one-change-per-transaction
// invariant. A duplicate transaction id is a defect in the caller, not a
// user-facing condition.
func NewPlan(budgetID string, changes []Change, now time.Time) (*Plan, error) {
	seen := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		if _, dup := seen[c.TransactionID]; dup {
			return nil, fmt.Errorf("plan construction: duplicate change for transaction %s", c.TransactionID)
		}
		seen[c.TransactionID] = struct{}{}
	}
	return &Plan{
		ID:        uuid.New().String(),
		BudgetID:  budgetID,
		CreatedAt: now.UTC(),
		Changes:   changes,
		Summary:   summarize(changes),
	}, nil
}

func summarize(changes []Change) Summary {
	s := Summary{}
	for _, c := range changes {
		s.CategoryChanges++
		if c.NewPayeeName != "" && c.NewPayeeName != c.PayeeName {
			s.PayeeChanges++
		}
	}
	s.Impact = fmt.Sprintf("Will update %d transaction(s): %d category change(s), %d payee rename(s).",
		len(changes), s.CategoryChanges, s.PayeeChanges)
	return s
}

// Planner builds plans from approved suggestions.
type Planner struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPlanner creates a Planner.
func NewPlanner(db *sql.DB, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{db: db, logger: logger, now: time.Now}
}

// CreatePlan loads the budget's approved suggestions and maps them into an
// immutable plan. Fails with a validation error when nothing is approved.
func (p *Planner) CreatePlan(ctx context.Context, budgetID string) (*Plan, error) {
	approved, err := store.ListSuggestions(ctx, p.db, budgetID, suggest.StatusApproved)
	if err != nil {
		return nil, err
	}
	if len(approved) == 0 {
		return nil, apperrors.Validationf("no approved suggestions for budget %s", budgetID)
	}

	txns, err := store.ListTransactions(ctx, p.db, budgetID, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.TransactionRow, len(txns))
	for _, t := range txns {
		byID[t.TransactionID] = t
	}

	changes := make([]Change, 0, len(approved))
	for _, s := range approved {
		c := Change{
			SuggestionID:    s.SuggestionID,
			TransactionID:   s.TransactionID,
			CategoryID:      s.ProposedCategoryID,
			NewPayeeName:    s.ProposedPayeeName,
			CurrentCategory: s.CurrentCategory,
			NewCategoryName: s.ProposedCategoryName,
		}
		if t, ok := byID[s.TransactionID]; ok {
			c.PayeeName = t.PayeeName
			c.Date = t.Date
			c.AccountName = t.AccountName
			c.Amount = t.Amount
			c.AmountDisplay = formatAmount(t.Amount)
		}
		changes = append(changes, c)
	}

	plan, err := NewPlan(budgetID, changes, p.now())
	if err != nil {
		return nil, err
	}
	p.logger.Info("sync plan created",
		zap.String("budget_id", budgetID),
		zap.String("plan_id", plan.ID),
		zap.Int("changes", len(plan.Changes)))
	return plan, nil
}

// formatAmount renders integer cents as a signed dollar string.
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// Registry holds plans in memory between creation and execution.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewRegistry creates an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[string]*Plan)}
}

// Put stores a plan.
func (r *Registry) Put(plan *Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = plan
}

// Get returns a stored plan or a not-found error.
func (r *Registry) Get(planID string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plan, ok := r.plans[planID]
	if !ok {
		return nil, apperrors.NotFound("plan", planID)
	}
	return plan, nil
}

// Remove drops a plan, typically after execution.
func (r *Registry) Remove(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plans, planID)
}
