package model

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a TestRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ErrInvalidTransition is returned when a status change would move a run
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid run status transition")

// allowedTransitions lists the forward edges of the run state machine.
var allowedTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed},
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TestRun is one execution of the query matrix.
type TestRun struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	RunKey          string     `gorm:"not null;uniqueIndex" json:"run_key"`
	Name            string     `json:"name"`
	Status          RunStatus  `gorm:"not null;index" json:"status"`
	ParallelWorkers int        `json:"parallel_workers"`
	RepeatCount     int        `json:"repeat_count"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	QueriesExecuted int        `json:"queries_executed"`
	TasksTotal      int        `json:"tasks_total"`
	TasksSkipped    int        `json:"tasks_skipped"`
	FailureReason   string     `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	ExecutionRecords  []ExecutionRecord  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ComparisonResults []ComparisonResult `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Transition moves the run to the given status, stamping StartedAt and
// EndedAt. Backwards moves and moves out of a terminal state fail.
func (r *TestRun) Transition(to RunStatus, at time.Time) error {
	from := r.Status
	if from == "" {
		from = RunStatusPending
	}

	allowed := false

	for _, next := range allowedTransitions[from] {
		if next == to {
			allowed = true

			break
		}
	}

	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.Status = to

	switch to {
	case RunStatusRunning:
		r.StartedAt = &at
	case RunStatusCompleted, RunStatusFailed:
		r.EndedAt = &at
	}

	return nil
}

// Fail moves the run to failed and records why.
func (r *TestRun) Fail(reason string, at time.Time) error {
	if err := r.Transition(RunStatusFailed, at); err != nil {
		return err
	}

	r.FailureReason = reason

	return nil
}

// Duration returns the wall time between start and end, or zero while
// the run has not finished.
func (r *TestRun) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}

	return r.EndedAt.Sub(*r.StartedAt)
}
