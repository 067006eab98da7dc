// Package report writes the artifacts of a finished run to a results
// directory.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/ethpandaops/querybenchoor/pkg/compare"
	"github.com/ethpandaops/querybenchoor/pkg/fsutil"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/sysinfo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Artifact file names inside a run directory.
const (
	ConfigFile     = "config.json"
	RecordsFile    = "records.json"
	ComparisonFile = "comparison.json"
	SummaryFile    = "summary.md"
)

// Artifacts lists the files of a run directory in write order.
var Artifacts = []string{ConfigFile, RecordsFile, ComparisonFile, SummaryFile}

// IsArtifact reports whether name is one of the files a run directory holds.
func IsArtifact(name string) bool {
	return slices.Contains(Artifacts, name)
}

// ContentType returns the media type an artifact is stored and served with.
func ContentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// Written describes a run directory on disk.
type Written struct {
	// Dir is the directory path, Name its base name (RunDirName).
	Dir  string
	Name string

	RunID  uint
	RunKey string

	// Files holds the artifact names written, in order.
	Files []string
}

// PlatformInfo identifies a platform without its credentials.
type PlatformInfo struct {
	Name    string `json:"name"`
	Dialect string `json:"dialect"`
	Driver  string `json:"driver"`
}

// RunConfig is the effective configuration a run executed with.
type RunConfig struct {
	PlatformA           PlatformInfo `json:"platform_a"`
	PlatformB           PlatformInfo `json:"platform_b"`
	ParallelWorkers     int          `json:"parallel_workers"`
	RepeatCount         int          `json:"repeat_count"`
	TaskTimeout         string       `json:"task_timeout"`
	RunTimeout          string       `json:"run_timeout,omitempty"`
	SubmissionRate      float64      `json:"submission_rate,omitempty"`
	RetryMaxAttempts    int          `json:"retry_max_attempts,omitempty"`
	TieThresholdPercent float64      `json:"tie_threshold_percent"`
}

// Report collects everything written for a run.
type Report struct {
	Run     *model.TestRun
	Config  RunConfig
	System  *sysinfo.SystemInfo
	Queries []model.Query
	Records []model.ExecutionRecord
	Results []model.ComparisonResult
	Omitted []*compare.ComparisonError
}

// queryName returns the name of a query in the report, or its ID.
func (r *Report) queryName(id uint) string {
	for i := range r.Queries {
		if r.Queries[i].ID == id {
			return r.Queries[i].Name
		}
	}

	return fmt.Sprintf("#%d", id)
}

type queryRef struct {
	ID         uint             `json:"id"`
	Name       string           `json:"name"`
	Complexity model.Complexity `json:"complexity,omitempty"`
	Native     bool             `json:"native,omitempty"`
}

type configDoc struct {
	Run     *model.TestRun      `json:"run"`
	Config  RunConfig           `json:"config"`
	System  *sysinfo.SystemInfo `json:"system,omitempty"`
	Queries []queryRef          `json:"queries"`
}

type omittedDoc struct {
	QueryID uint   `json:"query_id"`
	Reason  string `json:"reason"`
}

type comparisonDoc struct {
	Summary compare.Summary          `json:"summary"`
	Results []model.ComparisonResult `json:"results"`
	Omitted []omittedDoc             `json:"omitted,omitempty"`
}

// Writer writes run reports.
type Writer interface {
	// Write creates the run directory under the results directory and
	// describes what it wrote.
	Write(r *Report) (*Written, error)
}

type writer struct {
	log        logrus.FieldLogger
	fs         afero.Fs
	resultsDir string
	owner      *fsutil.OwnerConfig
}

// Ensure interface compliance.
var _ Writer = (*writer)(nil)

// NewWriter creates a report writer rooted at resultsDir on fs. Written
// directories and files are chowned to owner when it is not nil.
func NewWriter(
	log logrus.FieldLogger,
	fs afero.Fs,
	resultsDir string,
	owner *fsutil.OwnerConfig,
) Writer {
	return &writer{
		log:        log.WithField("component", "report"),
		fs:         fs,
		resultsDir: resultsDir,
		owner:      owner,
	}
}

// RunDirName names the directory of a run: creation time and a short key.
func RunDirName(run *model.TestRun) string {
	key := run.RunKey
	if len(key) > 8 {
		key = key[:8]
	}

	return fmt.Sprintf("%d_%s", run.CreatedAt.Unix(), key)
}

func (w *writer) Write(r *Report) (*Written, error) {
	if r.Run == nil {
		return nil, fmt.Errorf("report has no run")
	}

	out := &Written{
		Name:   RunDirName(r.Run),
		RunID:  r.Run.ID,
		RunKey: r.Run.RunKey,
		Files:  make([]string, 0, len(Artifacts)),
	}
	out.Dir = filepath.Join(w.resultsDir, out.Name)

	if err := fsutil.MkdirAll(w.fs, out.Dir, 0o755, w.owner); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	queries := make([]queryRef, 0, len(r.Queries))
	for _, q := range r.Queries {
		queries = append(queries, queryRef{
			ID:         q.ID,
			Name:       q.Name,
			Complexity: q.Complexity,
			Native:     q.Native,
		})
	}

	omitted := make([]omittedDoc, 0, len(r.Omitted))
	for _, o := range r.Omitted {
		omitted = append(omitted, omittedDoc{QueryID: o.QueryID, Reason: o.Reason})
	}

	records := r.Records
	if records == nil {
		records = []model.ExecutionRecord{}
	}

	results := r.Results
	if results == nil {
		results = []model.ComparisonResult{}
	}

	docs := []struct {
		name string
		v    any
	}{
		{name: ConfigFile, v: &configDoc{Run: r.Run, Config: r.Config, System: r.System, Queries: queries}},
		{name: RecordsFile, v: records},
		{name: ComparisonFile, v: &comparisonDoc{
			Summary: compare.Summarize(r.Results),
			Results: results,
			Omitted: omitted,
		}},
	}

	for _, doc := range docs {
		if err := w.writeJSON(filepath.Join(out.Dir, doc.name), doc.v); err != nil {
			return nil, err
		}

		out.Files = append(out.Files, doc.name)
	}

	summary := GenerateSummaryMarkdown(r)
	if err := fsutil.WriteFile(w.fs, filepath.Join(out.Dir, SummaryFile), []byte(summary), 0o644, w.owner); err != nil {
		return nil, fmt.Errorf("writing %s: %w", SummaryFile, err)
	}

	out.Files = append(out.Files, SummaryFile)

	w.log.WithFields(logrus.Fields{
		"dir":     out.Dir,
		"records": len(r.Records),
		"results": len(r.Results),
	}).Info("Run report written")

	return out, nil
}

func (w *writer) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	if err := fsutil.WriteFile(w.fs, path, data, 0o644, w.owner); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}

	return nil
}
