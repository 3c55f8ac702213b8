package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/observability"
	"github.com/mathewab/actual-assist-sub002/internal/store"
)

// Service is the single writer of job state.
type Service struct {
	db     *sql.DB
	bus    *Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a job Service over the given store and event bus.
func NewService(db *sql.DB, bus *Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

var knownTypes = map[Type]struct{}{
	TypeSync:            {},
	TypeSuggestions:     {},
	TypeSyncAndGenerate: {},
	TypePayeesMerge:     {},
}

// CreateJob creates a job in queued state and records its first event.
func (s *Service) CreateJob(ctx context.Context, budgetID string, jobType Type, metadata map[string]string) (*Job, error) {
	if strings.TrimSpace(budgetID) == "" {
		return nil, apperrors.Validationf("budget id is required")
	}
	if _, ok := knownTypes[jobType]; !ok {
		return nil, apperrors.Validationf("unknown job type %q", jobType)
	}

	job := Job{
		ID:        uuid.New().String(),
		BudgetID:  budgetID,
		Type:      jobType,
		Status:    StatusQueued,
		Metadata:  observability.RedactStringMap(metadata),
		CreatedAt: s.now().UTC(),
	}

	if err := store.InsertJob(ctx, s.db, jobToRow(job)); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, job.ID, "", StatusQueued, ""); err != nil {
		return nil, err
	}

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("budget_id", budgetID),
		zap.String("type", string(jobType)))
	return &job, nil
}

// CreateStep adds a step to a job at the given position, in queued state.
func (s *Service) CreateStep(ctx context.Context, jobID, stepType string, position int) (*Step, error) {
	if strings.TrimSpace(stepType) == "" {
		return nil, apperrors.Validationf("step type is required")
	}
	if position < 0 {
		return nil, apperrors.Validationf("step position must be >= 0")
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}

	step := Step{
		ID:        uuid.New().String(),
		JobID:     jobID,
		StepType:  stepType,
		Status:    StatusQueued,
		Position:  position,
		CreatedAt: s.now().UTC(),
	}
	if err := store.InsertStep(ctx, s.db, stepToRow(step)); err != nil {
		return nil, err
	}
	return &step, nil
}

// TransitionJob moves a job to a new status, recording and publishing the
// event. Illegal moves fail with InvalidTransition and leave state unchanged.
func (s *Service) TransitionJob(ctx context.Context, jobID string, status Status, failureReason string) error {
	row, err := store.GetJob(ctx, s.db, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("job", jobID)
		}
		return err
	}

	from := Status(row.Status)
	if !CanTransition(from, status) {
		return apperrors.InvalidTransition("job", jobID, string(from), string(status))
	}

	now := s.now().UTC()
	job := jobFromRow(*row)
	job.Status = status
	job.FailureReason = failureReason
	if status == StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.IsTerminal() {
		job.CompletedAt = &now
	}

	if err := store.UpdateJobStatus(ctx, s.db, jobToRow(job), string(from)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("job", jobID)
		}
		if errors.Is(err, store.ErrStaleStatus) {
			return apperrors.InvalidTransition("job", jobID, string(from), string(status))
		}
		return err
	}
	if err := s.appendEvent(ctx, jobID, "", status, failureReason); err != nil {
		return err
	}

	s.logger.Info("job transitioned",
		zap.String("job_id", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return nil
}

// TransitionStep moves a step to a new status. A step can only start running
// once every lower-position step in its job has succeeded.
func (s *Service) TransitionStep(ctx context.Context, stepID string, status Status, failureReason string) error {
	row, err := store.GetStep(ctx, s.db, stepID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("step", stepID)
		}
		return err
	}

	from := Status(row.Status)
	if !CanTransition(from, status) {
		return apperrors.InvalidTransition("step", stepID, string(from), string(status))
	}

	if status == StatusRunning {
		if err := s.checkPredecessors(ctx, row.JobID, row.Position, stepID); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	step := stepFromRow(*row)
	step.Status = status
	step.FailureReason = failureReason
	if status == StatusRunning && step.StartedAt == nil {
		step.StartedAt = &now
	}
	if status.IsTerminal() {
		step.CompletedAt = &now
	}

	if err := store.UpdateStepStatus(ctx, s.db, stepToRow(step), string(from)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("step", stepID)
		}
		if errors.Is(err, store.ErrStaleStatus) {
			return apperrors.InvalidTransition("step", stepID, string(from), string(status))
		}
		return err
	}
	if err := s.appendEvent(ctx, row.JobID, stepID, status, failureReason); err != nil {
		return err
	}
	return nil
}

func (s *Service) checkPredecessors(ctx context.Context, jobID string, position int, stepID string) error {
	steps, err := store.ListSteps(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	for _, prior := range steps {
		if prior.Position >= position {
			break
		}
		if Status(prior.Status) != StatusSucceeded {
			return apperrors.InvalidTransition("step", stepID, prior.Status, string(StatusRunning))
		}
	}
	return nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	row, err := store.GetJob(ctx, s.db, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, err
	}
	job := jobFromRow(*row)
	return &job, nil
}

// GetDetail returns a job with its steps (position order) and events (oldest
// first, for stream replay).
func (s *Service) GetDetail(ctx context.Context, jobID string) (*Detail, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	stepRows, err := store.ListSteps(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	eventRows, err := store.ListEvents(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}

	detail := Detail{Job: *job}
	for _, r := range stepRows {
		detail.Steps = append(detail.Steps, stepFromRow(r))
	}
	for _, r := range eventRows {
		detail.Events = append(detail.Events, eventFromRow(r))
	}
	return &detail, nil
}

// Steps returns a job's steps in position order.
func (s *Service) Steps(ctx context.Context, jobID string) ([]Step, error) {
	rows, err := store.ListSteps(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]Step, 0, len(rows))
	for _, r := range rows {
		out = append(out, stepFromRow(r))
	}
	return out, nil
}

// List returns jobs for a budget, newest first.
func (s *Service) List(ctx context.Context, budgetID string) ([]Job, error) {
	rows, err := store.ListJobs(ctx, s.db, budgetID)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, jobFromRow(r))
	}
	return out, nil
}

// ListByStatus returns jobs in any of the given statuses.
func (s *Service) ListByStatus(ctx context.Context, statuses ...Status) ([]Job, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	rows, err := store.ListJobsByStatus(ctx, s.db, names...)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, jobFromRow(r))
	}
	return out, nil
}

// Delete removes a terminal job along with its steps and events.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return apperrors.Validationf("job %s is %s; only terminal jobs can be deleted", jobID, job.Status)
	}
	if err := store.DeleteJob(ctx, s.db, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("job", jobID)
		}
		return err
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, jobID, stepID string, status Status, message string) error {
	event := Event{
		ID:        uuid.New().String(),
		JobID:     jobID,
		StepID:    stepID,
		Status:    status,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if err := store.InsertEvent(ctx, s.db, eventToRow(event)); err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(event)
	}
	return nil
}

// Row mapping. One pure function per direction, applied only at this
// boundary.

func jobToRow(j Job) store.JobRow {
	return store.JobRow{
		JobID:         j.ID,
		BudgetID:      j.BudgetID,
		JobType:       string(j.Type),
		Status:        string(j.Status),
		FailureReason: j.FailureReason,
		ParentJobID:   j.ParentJobID,
		Metadata:      j.Metadata,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func jobFromRow(r store.JobRow) Job {
	return Job{
		ID:            r.JobID,
		BudgetID:      r.BudgetID,
		Type:          Type(r.JobType),
		Status:        Status(r.Status),
		FailureReason: r.FailureReason,
		ParentJobID:   r.ParentJobID,
		Metadata:      r.Metadata,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func stepToRow(s Step) store.StepRow {
	return store.StepRow{
		StepID:        s.ID,
		JobID:         s.JobID,
		StepType:      s.StepType,
		Status:        string(s.Status),
		Position:      s.Position,
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
	}
}

func stepFromRow(r store.StepRow) Step {
	return Step{
		ID:            r.StepID,
		JobID:         r.JobID,
		StepType:      r.StepType,
		Status:        Status(r.Status),
		Position:      r.Position,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func eventToRow(e Event) store.EventRow {
	return store.EventRow{
		EventID:   e.ID,
		JobID:     e.JobID,
		StepID:    e.StepID,
		Status:    string(e.Status),
		Message:   e.Message,
		CreatedAt: e.CreatedAt,
	}
}

func eventFromRow(r store.EventRow) Event {
	return Event{
		ID:        r.EventID,
		JobID:     r.JobID,
		StepID:    r.StepID,
		Status:    Status(r.Status),
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
	}
}
