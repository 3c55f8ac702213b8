// Package orchestrator drives multi-step job workflows.
//
// Each job type maps to a fixed, ordered list of step types. Steps run
// sequentially and fail fast: a failing step fails the job and nothing after
// it executes. All state moves go through the job service so events and the
// audit trail stay consistent even if the orchestrator dies between steps.
package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/audit"
	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
	"github.com/mathewab/actual-assist-sub002/pkg/payeemerge"
	"github.com/mathewab/actual-assist-sub002/pkg/snapshot"
	"github.com/mathewab/actual-assist-sub002/pkg/suggest"
	"github.com/mathewab/actual-assist-sub002/pkg/syncer"
)

// Step types.
const (
	StepSnapshot            = "snapshot"
	StepGenerateSuggestions = "generate_suggestions"
	StepApplyChanges        = "apply_changes"
	StepMergePayees         = "merge_payees"
)

// Metadata keys a payees_merge job carries.
const (
	MetaTargetPayeeID  = "targetPayeeId"
	MetaSourcePayeeIDs = "sourcePayeeIds"
)

// workflows maps each job type to its ordered step list.
var workflows = map[jobs.Type][]string{
	jobs.TypeSuggestions:     {StepSnapshot, StepGenerateSuggestions},
	jobs.TypeSync:            {StepApplyChanges},
	jobs.TypeSyncAndGenerate: {StepSnapshot, StepGenerateSuggestions, StepApplyChanges},
	jobs.TypePayeesMerge:     {StepMergePayees},
}

// Archiver exports a finished job's trail to long-term storage. Archival is
// best effort and never affects the job's outcome.
type Archiver interface {
	ArchiveJob(ctx context.Context, detail *jobs.Detail, records []audit.Record) error
}

// Orchestrator composes the pipeline services into workflows.
type Orchestrator struct {
	jobs        *jobs.Service
	snapshots   *snapshot.Service
	suggestions *suggest.Service
	planner     *syncer.Planner
	executor    *syncer.Executor
	merger      *payeemerge.Engine
	recorder    *audit.Recorder
	archiver    Archiver
	logger      *zap.Logger
}

// Config collects the orchestrator's collaborators. Archiver is optional.
type Config struct {
	Jobs        *jobs.Service
	Snapshots   *snapshot.Service
	Suggestions *suggest.Service
	Planner     *syncer.Planner
	Executor    *syncer.Executor
	Merger      *payeemerge.Engine
	Recorder    *audit.Recorder
	Archiver    Archiver
	Logger      *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:        cfg.Jobs,
		snapshots:   cfg.Snapshots,
		suggestions: cfg.Suggestions,
		planner:     cfg.Planner,
		executor:    cfg.Executor,
		merger:      cfg.Merger,
		recorder:    cfg.Recorder,
		archiver:    cfg.Archiver,
		logger:      logger,
	}
}

// NewJob creates a queued job with the steps of its type's workflow.
func (o *Orchestrator) NewJob(ctx context.Context, budgetID string, jobType jobs.Type, metadata map[string]string) (*jobs.Job, error) {
	steps, ok := workflows[jobType]
	if !ok {
		return nil, apperrors.Validationf("no workflow for job type %q", jobType)
	}
	if jobType == jobs.TypePayeesMerge {
		if strings.TrimSpace(metadata[MetaTargetPayeeID]) == "" {
			return nil, apperrors.Validationf("payees_merge jobs require %s metadata", MetaTargetPayeeID)
		}
		if len(splitIDs(metadata[MetaSourcePayeeIDs])) == 0 {
			return nil, apperrors.Validationf("payees_merge jobs require %s metadata", MetaSourcePayeeIDs)
		}
	}

	job, err := o.jobs.CreateJob(ctx, budgetID, jobType, metadata)
	if err != nil {
		return nil, err
	}
	for i, stepType := range steps {
		if _, err := o.jobs.CreateStep(ctx, job.ID, stepType, i); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// Launch runs a job asynchronously. The caller is never blocked on the
// workflow itself.
func (o *Orchestrator) Launch(jobID string) {
	go func() {
		if err := o.Run(context.Background(), jobID); err != nil {
			o.logger.Error("job run finished with error",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}()
}

// Run executes a job's steps in position order, fail-fast.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.jobs.TransitionJob(ctx, jobID, jobs.StatusRunning, ""); err != nil {
		// A cancellation that won the race is not a failure.
		if apperrors.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	steps, err := o.jobs.Steps(ctx, jobID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		// Cancellation checkpoint: a job canceled mid-workflow stops
		// before its next step.
		current, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if current.Status != jobs.StatusRunning {
			o.logger.Info("job no longer running, stopping workflow",
				zap.String("job_id", jobID),
				zap.String("status", string(current.Status)))
			return nil
		}

		if err := o.jobs.TransitionStep(ctx, step.ID, jobs.StatusRunning, ""); err != nil {
			if apperrors.IsInvalidTransition(err) {
				return nil
			}
			return err
		}

		if stepErr := o.runStep(ctx, job, step.StepType); stepErr != nil {
			reason := stepErr.Error()
			o.transitionQuietly(ctx, step.ID, true, jobs.StatusFailed, reason)
			o.transitionQuietly(ctx, jobID, false, jobs.StatusFailed, reason)
			o.archive(ctx, jobID)
			return stepErr
		}
		if err := o.jobs.TransitionStep(ctx, step.ID, jobs.StatusSucceeded, ""); err != nil {
			if apperrors.IsInvalidTransition(err) {
				return nil
			}
			return err
		}
	}

	o.transitionQuietly(ctx, jobID, false, jobs.StatusSucceeded, "")
	o.archive(ctx, jobID)
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, job *jobs.Job, stepType string) error {
	switch stepType {
	case StepSnapshot:
		res, err := o.snapshots.Refresh(ctx, job.BudgetID)
		if err != nil {
			return err
		}
		n, err := o.suggestions.CleanupOrphans(ctx, job.BudgetID, res.ValidTransactionIDs)
		if err != nil {
			return err
		}
		if n > 0 && o.recorder != nil {
			if auditErr := o.recorder.Write(ctx, job.BudgetID, job.ID, audit.EventOrphansCleaned, map[string]any{
				"deleted": n,
			}); auditErr != nil {
				o.logger.Warn("orphan cleanup audit write failed", zap.Error(auditErr))
			}
		}
		return nil

	case StepGenerateSuggestions:
		_, err := o.suggestions.Generate(ctx, job.BudgetID)
		return err

	case StepApplyChanges:
		plan, err := o.planner.CreatePlan(ctx, job.BudgetID)
		if err != nil {
			return err
		}
		_, err = o.executor.Execute(ctx, plan, job.ID)
		return err

	case StepMergePayees:
		targetID := job.Metadata[MetaTargetPayeeID]
		sourceIDs := splitIDs(job.Metadata[MetaSourcePayeeIDs])
		if err := o.merger.MergePayees(ctx, job.BudgetID, targetID, sourceIDs); err != nil {
			return err
		}
		if o.recorder != nil {
			if auditErr := o.recorder.Write(ctx, job.BudgetID, job.ID, audit.EventPayeesMerged, map[string]any{
				"targetPayeeId":  targetID,
				"sourcePayeeIds": sourceIDs,
			}); auditErr != nil {
				o.logger.Warn("merge audit write failed", zap.Error(auditErr))
			}
		}
		return nil

	default:
		return apperrors.Validationf("unknown step type %q", stepType)
	}
}

// transitionQuietly applies a transition, treating a lost race against
// cancellation or the sweeper as a no-op.
func (o *Orchestrator) transitionQuietly(ctx context.Context, id string, isStep bool, status jobs.Status, reason string) {
	var err error
	if isStep {
		err = o.jobs.TransitionStep(ctx, id, status, reason)
	} else {
		err = o.jobs.TransitionJob(ctx, id, status, reason)
	}
	if err != nil && !apperrors.IsInvalidTransition(err) {
		o.logger.Error("transition failed",
			zap.String("id", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// archive exports a finished job's detail and audit trail. Best effort.
func (o *Orchestrator) archive(ctx context.Context, jobID string) {
	if o.archiver == nil {
		return
	}
	detail, err := o.jobs.GetDetail(ctx, jobID)
	if err != nil {
		o.logger.Warn("archive skipped, job detail unavailable", zap.Error(err))
		return
	}
	var records []audit.Record
	if o.recorder != nil {
		if records, err = o.recorder.ForJob(ctx, jobID); err != nil {
			o.logger.Warn("archive proceeding without audit records", zap.Error(err))
		}
	}
	if err := o.archiver.ArchiveJob(ctx, detail, records); err != nil {
		o.logger.Warn("job archive failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if o.recorder != nil {
		err := o.recorder.Write(ctx, detail.Job.BudgetID, jobID, audit.EventJobArchived, map[string]any{
			"events":       len(detail.Events),
			"auditRecords": len(records),
		})
		if err != nil {
			o.logger.Warn("archive audit write failed", zap.Error(err))
		}
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
