package compare

import (
	"math"
	"slices"

	"github.com/ethpandaops/querybenchoor/pkg/model"
)

// platformStats aggregates the records of one query on one platform.
// records must be sorted by iteration.
func platformStats(records []model.ExecutionRecord) model.PlatformStats {
	var (
		stats     model.PlatformStats
		durations = make([]float64, 0, len(records))
	)

	for i := range records {
		if !records[i].Succeeded() {
			stats.Failures++

			continue
		}

		stats.Successes++
		durations = append(durations, records[i].DurationMS)

		if stats.RowCount == nil {
			rows := records[i].RowCount
			stats.RowCount = &rows
		}
	}

	if len(durations) == 0 {
		return stats
	}

	// Sort for percentile calculation.
	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	slices.Sort(sorted)

	var sum float64
	for _, d := range sorted {
		sum += d
	}

	mean := sum / float64(len(sorted))

	var sq float64
	for _, d := range sorted {
		sq += (d - mean) * (d - mean)
	}

	stats.AvgMS = ptr(mean)
	stats.MinMS = ptr(sorted[0])
	stats.MaxMS = ptr(sorted[len(sorted)-1])
	stats.MedianMS = ptr(percentile(sorted, 50))
	stats.P95MS = ptr(percentile(sorted, 95))
	stats.StdDevMS = ptr(math.Sqrt(sq / float64(len(sorted))))

	return stats
}

// percentile calculates the p-th percentile from sorted values.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}

	if len(sorted) == 1 {
		return sorted[0]
	}

	// Use nearest-rank method.
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

func ptr[T any](v T) *T {
	return &v
}
