package model

// Winner names the faster platform of a comparison.
type Winner string

const (
	WinnerPlatformA Winner = "platform_a"
	WinnerPlatformB Winner = "platform_b"
	WinnerTie       Winner = "tie"
	// WinnerUndefined is used when neither platform had a success.
	WinnerUndefined Winner = ""
)

// WinnerFor maps a platform to its winner tag.
func WinnerFor(p Platform) Winner {
	if p == PlatformA {
		return WinnerPlatformA
	}

	return WinnerPlatformB
}

// PlatformStats aggregates the executions of one query on one platform.
// Timing fields are nil when there were no successful executions.
type PlatformStats struct {
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
	AvgMS     *float64 `json:"avg_ms,omitempty"`
	MedianMS  *float64 `json:"median_ms,omitempty"`
	MinMS     *float64 `json:"min_ms,omitempty"`
	MaxMS     *float64 `json:"max_ms,omitempty"`
	P95MS     *float64 `json:"p95_ms,omitempty"`
	StdDevMS  *float64 `json:"stddev_ms,omitempty"`
	RowCount  *int64   `json:"row_count,omitempty"`
}

// ComparisonResult is the per-query verdict for one run.
type ComparisonResult struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	TestRunID uint `gorm:"not null;uniqueIndex:idx_cmp_run_query" json:"test_run_id"`
	QueryID   uint `gorm:"not null;uniqueIndex:idx_cmp_run_query" json:"query_id"`

	A PlatformStats `gorm:"embedded;embeddedPrefix:a_" json:"platform_a"`
	B PlatformStats `gorm:"embedded;embeddedPrefix:b_" json:"platform_b"`

	// DifferenceMS is avg(B) - avg(A); PercentDifference is relative to
	// avg(A) and nil when avg(A) is zero or absent.
	DifferenceMS      *float64 `json:"difference_ms,omitempty"`
	PercentDifference *float64 `json:"percent_difference,omitempty"`
	RowCountMatch     bool     `json:"row_count_match"`
	Winner            Winner   `json:"winner"`
}

// Stats returns the stats block for a platform.
func (c *ComparisonResult) Stats(p Platform) *PlatformStats {
	if p == PlatformA {
		return &c.A
	}

	return &c.B
}
