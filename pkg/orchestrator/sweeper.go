package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
)

// TimeoutReason is the failure reason the sweeper writes.
const TimeoutReason = "timeout"

// Sweeper fails jobs stuck past a deadline.
//
// A running job whose startedAt is older than the timeout, or a queued job
// stuck in scheduling for as long, is failed along with its non-terminal
// steps. The sweep is idempotent: terminal jobs have no legal transition to
// failed, so a second pass is a no-op.
type Sweeper struct {
	jobs     *jobs.Service
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a Sweeper. interval controls how often Start sweeps.
func NewSweeper(jobSvc *jobs.Service, timeout, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		jobs:     jobSvc,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins periodic sweeping. A second Start without a Stop is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.Sweep(context.Background()); err != nil {
					s.logger.Error("timeout sweep failed", zap.Error(err))
				}
			}
		}
	}(s.stop, s.done)
}

// Stop halts periodic sweeping and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Sweep fails every queued or running job older than the timeout, along with
// its non-terminal steps, and returns how many jobs it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	candidates, err := s.jobs.ListByStatus(ctx, jobs.StatusQueued, jobs.StatusRunning)
	if err != nil {
		return 0, err
	}

	deadline := s.now().UTC().Add(-s.timeout)
	failed := 0
	for _, job := range candidates {
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if !ref.Before(deadline) {
			continue
		}

		if err := s.jobs.TransitionJob(ctx, job.ID, jobs.StatusFailed, TimeoutReason); err != nil {
			// Lost a race against normal completion. Leave it alone.
			if apperrors.IsInvalidTransition(err) || apperrors.IsNotFound(err) {
				continue
			}
			return failed, err
		}
		failed++

		steps, err := s.jobs.Steps(ctx, job.ID)
		if err != nil {
			return failed, err
		}
		for _, step := range steps {
			if step.Status.IsTerminal() {
				continue
			}
			if err := s.jobs.TransitionStep(ctx, step.ID, jobs.StatusFailed, TimeoutReason); err != nil {
				if apperrors.IsInvalidTransition(err) {
					continue
				}
				return failed, err
			}
		}

		s.logger.Warn("job timed out",
			zap.String("job_id", job.ID),
			zap.String("budget_id", job.BudgetID),
			zap.Duration("timeout", s.timeout))
	}
	return failed, nil
}
