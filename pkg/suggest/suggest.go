// Package suggest produces category suggestions for uncategorized
// transactions.
//
// The pipeline is fuzzy-first: a high-confidence match against the budget's
// own payee-to-category history settles a transaction without any AI call.
// Only transactions that history cannot settle go to the completion provider.
package suggest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/ai"
	"github.com/mathewab/actual-assist-sub002/pkg/payeematch"
)

// Suggestion statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusApplied  = "applied"
)

// Suggestion is a proposed category change for one transaction, awaiting
// human review.
type Suggestion struct {
	ID                   string    `json:"id"`
	BudgetID             string    `json:"budgetId"`
	TransactionID        string    `json:"transactionId"`
	CurrentCategory      string    `json:"currentCategory,omitempty"`
	ProposedCategoryID   string    `json:"proposedCategoryId"`
	ProposedCategoryName string    `json:"proposedCategoryName"`
	ProposedPayeeName    string    `json:"proposedPayeeName,omitempty"`
	Confidence           float64   `json:"confidence"`
	Rationale            string    `json:"rationale,omitempty"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Result reports what one generation pass did.
type Result struct {
	// Created is the number of new pending suggestions.
	Created int `json:"created"`

	// SkippedPending counts transactions that already had a pending
	// suggestion.
	SkippedPending int `json:"skippedPending"`

	// SkippedUnresolved counts transactions neither history nor the AI
	// provider could categorize.
	SkippedUnresolved int `json:"skippedUnresolved"`
}

// Service runs the suggestion pipeline.
type Service struct {
	db       *sql.DB
	provider ai.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a suggestion Service. provider may be nil; without one
// the pipeline runs fuzzy-only and leaves unresolvable transactions alone.
func NewService(db *sql.DB, provider ai.Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, provider: provider, logger: logger, now: time.Now}
}

const categorizeInstructions = `You are a bookkeeping assistant. Given one bank transaction and the list of available budget categories, pick the single best category. Respond with a JSON object: {"categoryId": string, "confidence": number between 0 and 1, "rationale": string, "payeeName": optional cleaned-up payee name}. Use only category ids from the provided list.`

var categorizeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"categoryId": map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
		"rationale":  map[string]any{"type": "string"},
		"payeeName":  map[string]any{"type": "string"},
	},
	"required":             []string{"categoryId", "confidence"},
	"additionalProperties": false,
}

type aiResponse struct {
	CategoryID string  `json:"categoryId"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	PayeeName  string  `json:"payeeName"`
}

// Generate proposes categories for the budget's uncategorized transactions.
//
// Transactions with a pending suggestion are skipped up front via one batched
// lookup. The fuzzy path consults the budget's observed payee-to-category
// associations; the AI path handles the rest.
func (s *Service) Generate(ctx context.Context, budgetID string) (*Result, error) {
	txns, err := store.ListTransactions(ctx, s.db, budgetID, true)
	if err != nil {
		return nil, err
	}
	pending, err := store.PendingTransactionIDs(ctx, s.db, budgetID)
	if err != nil {
		return nil, err
	}
	assocs, err := store.ListPayeeCategoryAssociations(ctx, s.db, budgetID)
	if err != nil {
		return nil, err
	}
	categories, err := store.ListCategories(ctx, s.db, budgetID)
	if err != nil {
		return nil, err
	}

	candidates := make([]payeematch.Candidate, 0, len(assocs))
	byPayee := make(map[string]store.PayeeCategoryAssociation, len(assocs))
	for _, a := range assocs {
		candidates = append(candidates, payeematch.Candidate{ID: a.PayeeName, Name: a.PayeeName})
		byPayee[a.PayeeName] = a
	}

	categoryNames := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryNames[c.CategoryID] = c.Name
	}

	var res Result
	for _, txn := range txns {
		if _, exists := pending[txn.TransactionID]; exists {
			res.SkippedPending++
			continue
		}

		suggestion, err := s.suggestFor(ctx, txn, candidates, byPayee, categories, categoryNames)
		if err != nil {
			return nil, err
		}
		if suggestion == nil {
			res.SkippedUnresolved++
			continue
		}

		if err := store.InsertSuggestion(ctx, s.db, toRow(*suggestion)); err != nil {
			// A concurrent generation pass can slip past the batched
			// pending lookup; the unique pending index keeps one pending
			// suggestion per transaction.
			if errors.Is(err, store.ErrDuplicatePending) {
				res.SkippedPending++
				continue
			}
			return nil, err
		}
		res.Created++
	}

	s.logger.Info("suggestions generated",
		zap.String("budget_id", budgetID),
		zap.Int("created", res.Created),
		zap.Int("skipped_pending", res.SkippedPending),
		zap.Int("skipped_unresolved", res.SkippedUnresolved))
	return &res, nil
}

func (s *Service) suggestFor(ctx context.Context, txn store.TransactionRow,
	candidates []payeematch.Candidate, byPayee map[string]store.PayeeCategoryAssociation,
	categories []store.CategoryRow, categoryNames map[string]string) (*Suggestion, error) {

	now := s.now().UTC()
	base := Suggestion{
		ID:              uuid.New().String(),
		BudgetID:        txn.BudgetID,
		TransactionID:   txn.TransactionID,
		CurrentCategory: txn.CategoryName,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if txn.PayeeName != "" {
		if m := payeematch.FindHighConfidenceMatch(txn.PayeeName, candidates); m != nil {
			assoc := byPayee[m.Candidate.ID]
			base.ProposedCategoryID = assoc.CategoryID
			base.ProposedCategoryName = assoc.CategoryName
			base.Confidence = float64(m.Score) / 100
			base.Rationale = fmt.Sprintf("payee matches %q, previously filed under %q %d time(s)",
				assoc.PayeeName, assoc.CategoryName, assoc.Count)
			return &base, nil
		}
	}

	if s.provider == nil {
		return nil, nil
	}

	resp, err := s.askProvider(ctx, txn, categories)
	if err != nil {
		return nil, err
	}
	name, known := categoryNames[resp.CategoryID]
	if !known {
		s.logger.Warn("provider proposed unknown category",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("category_id", resp.CategoryID))
		return nil, nil
	}

	base.ProposedCategoryID = resp.CategoryID
	base.ProposedCategoryName = name
	base.Confidence = clamp01(resp.Confidence)
	base.Rationale = resp.Rationale
	base.ProposedPayeeName = resp.PayeeName
	return &base, nil
}

func (s *Service) askProvider(ctx context.Context, txn store.TransactionRow, categories []store.CategoryRow) (*aiResponse, error) {
	type categoryContext struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Group string `json:"group,omitempty"`
	}
	type txnContext struct {
		Payee      string            `json:"payee"`
		Amount     int64             `json:"amountCents"`
		Date       string            `json:"date"`
		Account    string            `json:"account,omitempty"`
		Categories []categoryContext `json:"categories"`
	}

	input := txnContext{
		Payee:   txn.PayeeName,
		Amount:  txn.Amount,
		Date:    txn.Date,
		Account: txn.AccountName,
	}
	for _, c := range categories {
		if c.IsIncome && txn.Amount < 0 {
			continue
		}
		input.Categories = append(input.Categories, categoryContext{ID: c.CategoryID, Name: c.Name, Group: c.GroupName})
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	var raw string
	if s.provider.Capabilities().StructuredOutput {
		raw, err = s.provider.GenerateStructured(ctx, categorizeInstructions, string(payload), categorizeSchema)
	} else {
		raw, err = s.provider.GenerateText(ctx, categorizeInstructions, string(payload), false)
	}
	if err != nil {
		return nil, err
	}

	var resp aiResponse
	if err := ai.DecodeStructured(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve marks a pending suggestion approved. Approving an already-approved
// suggestion is a no-op.
func (s *Service) Approve(ctx context.Context, suggestionID string) error {
	return s.moveTo(ctx, suggestionID, StatusApproved)
}

// Reject marks a pending suggestion rejected. Rejecting an already-rejected
// suggestion is a no-op.
func (s *Service) Reject(ctx context.Context, suggestionID string) error {
	return s.moveTo(ctx, suggestionID, StatusRejected)
}

// MarkApplied moves an approved suggestion to applied. Only sync execution
// calls this.
func (s *Service) MarkApplied(ctx context.Context, suggestionID string) error {
	row, err := s.load(ctx, suggestionID)
	if err != nil {
		return err
	}
	if row.Status == StatusApplied {
		return nil
	}
	if row.Status != StatusApproved {
		return apperrors.Validationf("suggestion %s is %s, only approved suggestions can be applied", suggestionID, row.Status)
	}
	return store.UpdateSuggestionStatus(ctx, s.db, suggestionID, StatusApplied, s.now().UTC())
}

func (s *Service) moveTo(ctx context.Context, suggestionID, target string) error {
	row, err := s.load(ctx, suggestionID)
	if err != nil {
		return err
	}
	if row.Status == target {
		return nil
	}
	if row.Status != StatusPending {
		return apperrors.Validationf("suggestion %s is %s, only pending suggestions can move to %s", suggestionID, row.Status, target)
	}
	return store.UpdateSuggestionStatus(ctx, s.db, suggestionID, target, s.now().UTC())
}

// Get returns one suggestion.
func (s *Service) Get(ctx context.Context, suggestionID string) (*Suggestion, error) {
	row, err := s.load(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	out := fromRow(*row)
	return &out, nil
}

// List returns a budget's suggestions, optionally filtered by status.
func (s *Service) List(ctx context.Context, budgetID, status string) ([]Suggestion, error) {
	rows, err := store.ListSuggestions(ctx, s.db, budgetID, status)
	if err != nil {
		return nil, err
	}
	out := make([]Suggestion, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// CleanupOrphans deletes pending suggestions whose transaction no longer
// exists in the latest snapshot and returns how many were removed.
func (s *Service) CleanupOrphans(ctx context.Context, budgetID string, validTxnIDs map[string]struct{}) (int, error) {
	n, err := store.DeleteOrphanedSuggestions(ctx, s.db, budgetID, validTxnIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("orphaned suggestions removed",
			zap.String("budget_id", budgetID),
			zap.Int("deleted", n))
	}
	return n, nil
}

func (s *Service) load(ctx context.Context, suggestionID string) (*store.SuggestionRow, error) {
	row, err := store.GetSuggestion(ctx, s.db, suggestionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("suggestion", suggestionID)
		}
		return nil, err
	}
	return row, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toRow(s Suggestion) store.SuggestionRow {
	return store.SuggestionRow{
		SuggestionID:         s.ID,
		BudgetID:             s.BudgetID,
		TransactionID:        s.TransactionID,
		CurrentCategory:      s.CurrentCategory,
		ProposedCategoryID:   s.ProposedCategoryID,
		ProposedCategoryName: s.ProposedCategoryName,
		ProposedPayeeName:    s.ProposedPayeeName,
		Confidence:           s.Confidence,
		Rationale:            s.Rationale,
		Status:               s.Status,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func fromRow(row store.SuggestionRow) Suggestion {
	return Suggestion{
		ID:                   row.SuggestionID,
		BudgetID:             row.BudgetID,
		TransactionID:        row.TransactionID,
		CurrentCategory:      row.CurrentCategory,
		ProposedCategoryID:   row.ProposedCategoryID,
		ProposedCategoryName: row.ProposedCategoryName,
		ProposedPayeeName:    row.ProposedPayeeName,
		Confidence:           row.Confidence,
		Rationale:            row.Rationale,
		Status:               row.Status,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}
