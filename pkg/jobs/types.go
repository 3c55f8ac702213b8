// Package jobs owns the durable job/step/event model and its state machine.
//
// The Service here is the only writer of job state: every transition is
// validated, timestamped, recorded as a JobEvent, and published on the Bus in
// one place, so the audit trail and live stream can never drift apart.
package jobs

import "time"

// Status is the lifecycle state of a job or step.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// legalTransitions is the full edge set of the state machine. Terminal states
// have no outgoing edges; monotonicity falls out of the table. queued ->
// failed exists for the timeout sweeper, which fails work stuck in
// scheduling without ever starting it.
var legalTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCanceled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing edges.
func (s Status) IsTerminal() bool {
	return len(legalTransitions[s]) == 0
}

// Type names a workflow a job executes.
type Type string

const (
	TypeSync            Type = "sync"
	TypeSuggestions     Type = "suggestions"
	TypeSyncAndGenerate Type = "sync_and_generate"
	TypePayeesMerge     Type = "payees_merge"
)

// Job is a tracked unit of asynchronous work composed of ordered steps.
type Job struct {
	ID            string            `json:"id"`
	BudgetID      string            `json:"budgetId"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failureReason,omitempty"`
	ParentJobID   string            `json:"parentJobId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// Step is one stage of a job's workflow, executed in position order.
type Step struct {
	ID            string     `json:"id"`
	JobID         string     `json:"jobId"`
	StepType      string     `json:"stepType"`
	Status        Status     `json:"status"`
	Position      int        `json:"position"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Event is an append-only record of one status transition on a job or step.
type Event struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	StepID    string    `json:"stepId,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Detail bundles a job with its steps and events for status polling.
type Detail struct {
	Job    Job     `json:"job"`
	Steps  []Step  `json:"steps"`
	Events []Event `json:"events"`
}
