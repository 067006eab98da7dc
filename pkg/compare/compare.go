// Package compare turns execution records into per-query comparison
// results with a performance winner.
package compare

import (
	"fmt"
	"math"
	"sort"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// DefaultTieThresholdPercent is the relative average difference at or
// below which two platforms tie.
const DefaultTieThresholdPercent = 5.0

// Config holds comparison options.
type Config struct {
	TieThresholdPercent float64
}

// Comparator computes comparison results for a run.
type Comparator interface {
	// Compare returns one result per distinct query in records, ordered
	// by query ID. Queries with missing or inconsistent records are
	// omitted and reported as errors. The output does not depend on the
	// order of records.
	Compare(run *model.TestRun, records []model.ExecutionRecord) ([]model.ComparisonResult, []*ComparisonError)
}

// ComparisonError explains why a query has no result.
type ComparisonError struct {
	QueryID uint
	Reason  string
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("query %d: %s", e.QueryID, e.Reason)
}

type comparator struct {
	log logrus.FieldLogger
	cfg *Config
}

var _ Comparator = (*comparator)(nil)

// NewComparator creates a comparator.
func NewComparator(log logrus.FieldLogger, cfg *Config) Comparator {
	return &comparator{
		log: log.WithField("component", "comparator"),
		cfg: cfg,
	}
}

func (c *comparator) Compare(
	run *model.TestRun,
	records []model.ExecutionRecord,
) ([]model.ComparisonResult, []*ComparisonError) {
	sorted := make([]model.ExecutionRecord, len(records))
	copy(sorted, records)
	sortRecords(sorted)

	var (
		results []model.ComparisonResult
		errs    []*ComparisonError
	)

	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].QueryID == sorted[start].QueryID {
			end++
		}

		group := sorted[start:end]
		start = end

		if err := checkGroup(run, group); err != nil {
			c.log.WithField("query_id", err.QueryID).
				WithField("reason", err.Reason).
				Warn("Omitting comparison result")

			errs = append(errs, err)

			continue
		}

		results = append(results, c.compareQuery(run, group))
	}

	return results, errs
}

func (c *comparator) compareQuery(run *model.TestRun, group []model.ExecutionRecord) model.ComparisonResult {
	split := 0
	for split < len(group) && group[split].Platform == model.PlatformA {
		split++
	}

	res := model.ComparisonResult{
		QueryID: group[0].QueryID,
		A:       platformStats(group[:split]),
		B:       platformStats(group[split:]),
	}

	if run != nil {
		res.TestRunID = run.ID
	}

	if res.A.AvgMS != nil && res.B.AvgMS != nil {
		diff := *res.B.AvgMS - *res.A.AvgMS
		res.DifferenceMS = &diff

		if *res.A.AvgMS != 0 {
			pct := diff * 100 / *res.A.AvgMS
			res.PercentDifference = &pct
		}
	}

	res.RowCountMatch = rowCountsMatch(group)
	res.Winner = decideWinner(&res, c.cfg.TieThresholdPercent)

	return res
}

// decideWinner applies the winner rules: a platform without successes
// loses, a relative difference within threshold ties, otherwise the lower
// average wins.
func decideWinner(res *model.ComparisonResult, threshold float64) model.Winner {
	switch {
	case res.A.Successes == 0 && res.B.Successes == 0:
		return model.WinnerUndefined
	case res.A.Successes == 0:
		return model.WinnerPlatformB
	case res.B.Successes == 0:
		return model.WinnerPlatformA
	}

	if res.PercentDifference != nil && math.Abs(*res.PercentDifference) <= threshold {
		return model.WinnerTie
	}

	avgA, avgB := *res.A.AvgMS, *res.B.AvgMS

	switch {
	case avgA < avgB:
		return model.WinnerPlatformA
	case avgB < avgA:
		return model.WinnerPlatformB
	default:
		return model.WinnerTie
	}
}

// rowCountsMatch is true when both platforms have successes and every
// success reports the same row count.
func rowCountsMatch(group []model.ExecutionRecord) bool {
	var (
		first   *int64
		perSide = map[model.Platform]int{}
	)

	for i := range group {
		if !group[i].Succeeded() {
			continue
		}

		perSide[group[i].Platform]++

		if first == nil {
			first = &group[i].RowCount

			continue
		}

		if group[i].RowCount != *first {
			return false
		}
	}

	return perSide[model.PlatformA] > 0 && perSide[model.PlatformB] > 0
}

// checkGroup verifies that every iteration of both platforms terminated
// exactly once within run.
func checkGroup(run *model.TestRun, group []model.ExecutionRecord) *ComparisonError {
	queryID := group[0].QueryID
	counts := make(map[model.Platform]int, len(model.Platforms))

	for i := range group {
		rec := &group[i]

		if run != nil && rec.TestRunID != run.ID {
			return &ComparisonError{
				QueryID: queryID,
				Reason:  fmt.Sprintf("record belongs to run %d, not %d", rec.TestRunID, run.ID),
			}
		}

		if !rec.Platform.Valid() {
			return &ComparisonError{QueryID: queryID, Reason: fmt.Sprintf("unknown platform %q", rec.Platform)}
		}

		if i > 0 && group[i-1].Key() == rec.Key() {
			return &ComparisonError{QueryID: queryID, Reason: "duplicate record " + rec.Key().String()}
		}

		if rec.Iteration < 1 || (run != nil && run.RepeatCount > 0 && rec.Iteration > run.RepeatCount) {
			return &ComparisonError{QueryID: queryID, Reason: fmt.Sprintf("iteration %d out of range", rec.Iteration)}
		}

		counts[rec.Platform]++
	}

	if run == nil || run.RepeatCount == 0 {
		return nil
	}

	for _, platform := range model.Platforms {
		if counts[platform] != run.RepeatCount {
			return &ComparisonError{
				QueryID: queryID,
				Reason: fmt.Sprintf("%s has %d of %d iterations",
					platform, counts[platform], run.RepeatCount),
			}
		}
	}

	return nil
}

func sortRecords(records []model.ExecutionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.QueryID != b.QueryID {
			return a.QueryID < b.QueryID
		}

		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}

		if a.Iteration != b.Iteration {
			return a.Iteration < b.Iteration
		}

		return a.TestRunID < b.TestRunID
	})
}

// Summary counts verdicts across a run.
type Summary struct {
	Queries            int `json:"queries"`
	WinsA              int `json:"wins_platform_a"`
	WinsB              int `json:"wins_platform_b"`
	Ties               int `json:"ties"`
	Undefined          int `json:"undefined"`
	RowCountMismatches int `json:"row_count_mismatches"`
}

// Summarize counts the verdicts in results.
func Summarize(results []model.ComparisonResult) Summary {
	s := Summary{Queries: len(results)}

	for i := range results {
		switch results[i].Winner {
		case model.WinnerPlatformA:
			s.WinsA++
		case model.WinnerPlatformB:
			s.WinsB++
		case model.WinnerTie:
			s.Ties++
		default:
			s.Undefined++
		}

		if !results[i].RowCountMatch {
			s.RowCountMismatches++
		}
	}

	return s
}
