package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/audit"
	"github.com/mathewab/actual-assist-sub002/pkg/budget"
	"github.com/mathewab/actual-assist-sub002/pkg/suggest"
)

// ExecResult reports how far an execution got.
type ExecResult struct {
	Success        bool `json:"success"`
	ChangesApplied int  `json:"changesApplied"`
}

// Executor applies plans to the budget service.
type Executor struct {
	client      budget.Client
	suggestions *suggest.Service
	recorder    *audit.Recorder
	logger      *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(client budget.Client, suggestions *suggest.Service, recorder *audit.Recorder, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{client: client, suggestions: suggestions, recorder: recorder, logger: logger}
}

// Execute applies the plan's changes in order.
//
// Each change updates one transaction's category and marks its suggestion
// applied. Already-applied changes stay applied when a later change fails;
// the failure audit event carries the exact progress count so a re-run with a
// fresh plan picks up only what remains. One remote sync is triggered after
// the last change.
func (e *Executor) Execute(ctx context.Context, plan *Plan, jobID string) (*ExecResult, error) {
	applied := 0
	for _, change := range plan.Changes {
		err := e.client.UpdateTransactionCategory(ctx, plan.BudgetID, change.TransactionID, change.CategoryID)
		if err != nil {
			return e.fail(ctx, plan, jobID, applied, change.TransactionID, err)
		}
		if err := e.suggestions.MarkApplied(ctx, change.SuggestionID); err != nil {
			return e.fail(ctx, plan, jobID, applied, change.TransactionID, err)
		}
		applied++
	}

	if err := e.client.TriggerSync(ctx, plan.BudgetID); err != nil {
		return e.fail(ctx, plan, jobID, applied, "", err)
	}

	auditErr := e.recorder.Write(ctx, plan.BudgetID, jobID, audit.EventSyncExecuted, map[string]any{
		"planId":         plan.ID,
		"changesApplied": applied,
	})
	if auditErr != nil {
		e.logger.Warn("sync audit write failed", zap.Error(auditErr))
	}

	e.logger.Info("sync plan executed",
		zap.String("budget_id", plan.BudgetID),
		zap.String("plan_id", plan.ID),
		zap.Int("changes_applied", applied))
	return &ExecResult{Success: true, ChangesApplied: applied}, nil
}

func (e *Executor) fail(ctx context.Context, plan *Plan, jobID string, applied int, transactionID string, cause error) (*ExecResult, error) {
	detail := map[string]any{
		"planId":         plan.ID,
		"changesApplied": applied,
		"error":          cause.Error(),
	}
	if transactionID != "" {
		detail["failedTransactionId"] = transactionID
	}
	if auditErr := e.recorder.Write(ctx, plan.BudgetID, jobID, audit.EventSyncFailed, detail); auditErr != nil {
		e.logger.Warn("sync failure audit write failed", zap.Error(auditErr))
	}

	e.logger.Error("sync plan execution failed",
		zap.String("budget_id", plan.BudgetID),
		zap.String("plan_id", plan.ID),
		zap.Int("changes_applied", applied),
		zap.Error(cause))
	return &ExecResult{Success: false, ChangesApplied: applied},
		fmt.Errorf("plan %s failed after %d change(s): %w", plan.ID, applied, cause)
}
