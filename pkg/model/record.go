package model

import (
	"fmt"
	"time"
)

// Platform identifies one side of the comparison.
type Platform string

const (
	PlatformA Platform = "platform_a"
	PlatformB Platform = "platform_b"
)

// Platforms lists both sides in scheduling order.
var Platforms = []Platform{PlatformA, PlatformB}

// Valid reports whether p is one of the two compared platforms.
func (p Platform) Valid() bool {
	return p == PlatformA || p == PlatformB
}

// ExecutionStatus is the terminal state of a single execution.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ErrorKind classifies failed executions.
type ErrorKind string

const (
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindRuntime    ErrorKind = "runtime"
	ErrorKindSyntax     ErrorKind = "syntax"
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindCancelled  ErrorKind = "cancelled"
)

// ExecutionRecord is the outcome of one (query, platform, iteration) task.
type ExecutionRecord struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	TestRunID uint     `gorm:"not null;uniqueIndex:idx_exec_identity" json:"test_run_id"`
	QueryID   uint     `gorm:"not null;uniqueIndex:idx_exec_identity" json:"query_id"`
	Platform  Platform `gorm:"not null;uniqueIndex:idx_exec_identity" json:"platform"`
	Iteration int      `gorm:"not null;uniqueIndex:idx_exec_identity" json:"iteration"`

	// DurationMS spans query submission on an acquired handle to result;
	// BackendDurationMS is what the backend call itself reported.
	DurationMS        float64 `json:"duration_ms"`
	BackendDurationMS float64 `json:"backend_duration_ms"`

	RowCount     int64           `json:"row_count"`
	Status       ExecutionStatus `gorm:"not null" json:"status"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `gorm:"type:text" json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Key returns the identity of the record within its run.
func (r *ExecutionRecord) Key() RecordKey {
	return RecordKey{
		QueryID:   r.QueryID,
		Platform:  r.Platform,
		Iteration: r.Iteration,
	}
}

// Succeeded reports whether the execution completed without error.
func (r *ExecutionRecord) Succeeded() bool {
	return r.Status == ExecutionSuccess
}

// RecordKey is the in-run identity of an execution.
type RecordKey struct {
	QueryID   uint
	Platform  Platform
	Iteration int
}

func (k RecordKey) String() string {
	return fmt.Sprintf("query=%d platform=%s iteration=%d", k.QueryID, k.Platform, k.Iteration)
}
