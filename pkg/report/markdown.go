package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/querybenchoor/pkg/compare"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/sysinfo"
)

// GenerateSummaryMarkdown renders a human readable summary of a run.
func GenerateSummaryMarkdown(r *Report) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, r.Run)
	writeOverview(&sb, r)
	writeVerdicts(&sb, compare.Summarize(r.Results))
	writeResults(&sb, r)
	writeOmitted(&sb, r)
	writeSystem(&sb, r.System)

	return sb.String()
}

func writeTitle(sb *strings.Builder, run *model.TestRun) {
	title := run.Name
	if title == "" {
		title = run.RunKey
	}

	fmt.Fprintf(sb, "# Query Benchmark Run: %s\n\n", title)
}

func writeOverview(sb *strings.Builder, r *Report) {
	run := r.Run

	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Run Key | `%s` |\n", run.RunKey)
	fmt.Fprintf(sb, "| Status | %s |\n", run.Status)

	if run.FailureReason != "" {
		fmt.Fprintf(sb, "| Failure Reason | %s |\n", run.FailureReason)
	}

	fmt.Fprintf(sb, "| Platform A | %s |\n", platformLabel(r.Config.PlatformA))
	fmt.Fprintf(sb, "| Platform B | %s |\n", platformLabel(r.Config.PlatformB))

	if run.StartedAt != nil {
		fmt.Fprintf(sb, "| Started | %s |\n",
			run.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if d := run.Duration(); d > 0 {
		fmt.Fprintf(sb, "| Duration | %s (%s) |\n", units.HumanDuration(d), d.Round(time.Millisecond))
	}

	fmt.Fprintf(sb, "| Parallel Workers | %d |\n", run.ParallelWorkers)
	fmt.Fprintf(sb, "| Repeat Count | %d |\n", run.RepeatCount)
	fmt.Fprintf(sb, "| Queries | %d |\n", run.QueriesExecuted)
	fmt.Fprintf(sb, "| Tasks | %d |\n", run.TasksTotal)

	if run.TasksSkipped > 0 {
		fmt.Fprintf(sb, "| Tasks Skipped | %d |\n", run.TasksSkipped)
	}

	fmt.Fprintf(sb, "| Tie Threshold | %.1f%% |\n", r.Config.TieThresholdPercent)

	sb.WriteByte('\n')
}

func platformLabel(p PlatformInfo) string {
	if p.Dialect == "" {
		return p.Name
	}

	return fmt.Sprintf("%s (%s)", p.Name, p.Dialect)
}

func writeVerdicts(sb *strings.Builder, s compare.Summary) {
	sb.WriteString("## Verdicts\n\n")
	sb.WriteString("| Verdict | Queries |\n")
	sb.WriteString("|---|---|\n")
	fmt.Fprintf(sb, "| Platform A faster | %d |\n", s.WinsA)
	fmt.Fprintf(sb, "| Platform B faster | %d |\n", s.WinsB)
	fmt.Fprintf(sb, "| Tie | %d |\n", s.Ties)

	if s.Undefined > 0 {
		fmt.Fprintf(sb, "| No successful executions | %d |\n", s.Undefined)
	}

	if s.RowCountMismatches > 0 {
		fmt.Fprintf(sb, "| Row count mismatch | %d |\n", s.RowCountMismatches)
	}

	sb.WriteByte('\n')
}

func writeResults(sb *strings.Builder, r *Report) {
	if len(r.Results) == 0 {
		return
	}

	sb.WriteString("## Queries\n\n")
	sb.WriteString("| Query | A avg (ms) | B avg (ms) | Diff | Winner | Rows |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")

	for i := range r.Results {
		res := &r.Results[i]

		rows := "match"
		if !res.RowCountMatch {
			rows = "**mismatch**"
		}

		fmt.Fprintf(sb, "| %s | %s | %s | %s | %s | %s |\n",
			r.queryName(res.QueryID),
			FormatMS(res.A.AvgMS),
			FormatMS(res.B.AvgMS),
			FormatPercent(res.PercentDifference),
			WinnerLabel(res.Winner),
			rows,
		)
	}

	sb.WriteByte('\n')
}

func writeOmitted(sb *strings.Builder, r *Report) {
	if len(r.Omitted) == 0 {
		return
	}

	sb.WriteString("## Omitted Queries\n\n")

	for _, o := range r.Omitted {
		fmt.Fprintf(sb, "- %s: %s\n", r.queryName(o.QueryID), o.Reason)
	}

	sb.WriteByte('\n')
}

func writeSystem(sb *strings.Builder, sys *sysinfo.SystemInfo) {
	if sys == nil {
		return
	}

	sb.WriteString("## System\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if sys.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", sys.Hostname)
	}

	if sys.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", sys.CPUModel)
	}

	if sys.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", sys.CPUCores)
	}

	if sys.MemoryTotalBytes > 0 {
		fmt.Fprintf(sb, "| Memory | %s |\n", units.BytesSize(float64(sys.MemoryTotalBytes)))
	}

	if sys.Platform != "" {
		platform := sys.Platform
		if sys.PlatformVersion != "" {
			platform += " " + sys.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if sys.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", sys.Arch)
	}

	sb.WriteByte('\n')
}

// WinnerLabel is the display form of a winner.
func WinnerLabel(w model.Winner) string {
	switch w {
	case model.WinnerPlatformA:
		return "A"
	case model.WinnerPlatformB:
		return "B"
	case model.WinnerTie:
		return "tie"
	default:
		return "n/a"
	}
}

// FormatMS renders an optional millisecond value.
func FormatMS(v *float64) string {
	if v == nil {
		return "-"
	}

	return fmt.Sprintf("%.2f", *v)
}

// FormatPercent renders an optional signed percentage.
func FormatPercent(v *float64) string {
	if v == nil {
		return "-"
	}

	return fmt.Sprintf("%+.1f%%", *v)
}
