// Package runner drives a benchmark run end to end: it prepares the
// query translations, executes the matrix on both platforms, persists
// the records and comparison results, and writes the run report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/backend"
	"github.com/ethpandaops/querybenchoor/pkg/compare"
	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/events"
	"github.com/ethpandaops/querybenchoor/pkg/fsutil"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/ethpandaops/querybenchoor/pkg/scheduler"
	"github.com/ethpandaops/querybenchoor/pkg/store"
	"github.com/ethpandaops/querybenchoor/pkg/sysinfo"
	"github.com/ethpandaops/querybenchoor/pkg/translate"
	"github.com/ethpandaops/querybenchoor/pkg/upload"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrNoQueries is returned when a run has nothing to execute.
var ErrNoQueries = errors.New("no schedulable queries")

// Runner orchestrates benchmark runs.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Run executes the active queries on both platforms. A run that was
	// created is returned even when it failed.
	Run(ctx context.Context, opts *RunOptions) (*Result, error)

	// Recompare recomputes and replaces the comparison results of a
	// stored run with the current comparison settings.
	Recompare(ctx context.Context, runID uint) (*Result, error)
}

// RunOptions narrows a run.
type RunOptions struct {
	Name string
	// Queries limits the run to the named queries. Empty means all
	// active queries.
	Queries []string
}

// Result summarizes a finished run.
type Result struct {
	Run       *model.TestRun
	Results   []model.ComparisonResult
	Omitted   []*compare.ComparisonError
	Summary   compare.Summary
	Skipped   []string
	ReportDir string
}

// BackendFactory opens the backend of one platform.
type BackendFactory func(log logrus.FieldLogger, cfg *backend.Config) (backend.Backend, error)

// Options carries the optional collaborators of the runner.
type Options struct {
	// Backends defaults to backend.NewSQLBackend.
	Backends BackendFactory
	// Engine defaults to the built-in rule set.
	Engine translate.Engine
	// Publisher receives progress events. Optional.
	Publisher events.Publisher
	// Uploader publishes each written report. Optional.
	Uploader upload.Uploader
	// Fs backs the results directory. Defaults to the OS filesystem.
	Fs afero.Fs
	// SkipSystemInfo disables host metadata collection.
	SkipSystemInfo bool
}

// NewRunner creates a new runner instance.
func NewRunner(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	opts Options,
) Runner {
	log = log.WithField("component", "runner")

	if opts.Backends == nil {
		opts.Backends = backend.NewSQLBackend
	}

	if opts.Engine == nil {
		opts.Engine = translate.NewEngine(log)
	}

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	// Validated by config.Validate; a malformed owner only loses chown.
	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		log.WithError(err).Warn("Ignoring results owner")
	}

	return &runner{
		log:        log,
		cfg:        cfg,
		store:      st,
		opts:       opts,
		translator: translate.NewService(log, opts.Engine, st),
		writer:     report.NewWriter(log, opts.Fs, cfg.Global.ResultsDir, owner),
	}
}

type runner struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	opts       Options
	translator *translate.Service
	writer     report.Writer
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Start prepares the results directory and checks the upload target.
func (r *runner) Start(ctx context.Context) error {
	if err := r.opts.Fs.MkdirAll(r.cfg.Global.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	if r.opts.Uploader != nil {
		// Fail fast: verify the bucket is writable before running anything.
		if err := r.opts.Uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight check failed: %w", err)
		}

		r.log.Info("Upload preflight check passed")
	}

	r.log.Debug("Runner started")

	return nil
}

// Stop releases the runner. Runs hold no state between calls.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

func (r *runner) Run(ctx context.Context, opts *RunOptions) (*Result, error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	cfg, err := r.effectiveConfig(ctx)
	if err != nil {
		return nil, err
	}

	queries, err := r.selectQueries(ctx, opts.Queries)
	if err != nil {
		return nil, err
	}

	ready, err := r.translator.Prepare(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("preparing translations: %w", err)
	}

	skipped := skippedNames(queries, ready)
	for _, name := range skipped {
		r.log.WithField("query", name).Warn("Query skipped: no valid translation")
	}

	if len(ready) == 0 {
		return nil, ErrNoQueries
	}

	run := &model.TestRun{
		RunKey: uuid.NewString(),
		Name:   opts.Name,
		Status: model.RunStatusPending,
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	log := r.log.WithFields(logrus.Fields{
		"run":     run.RunKey,
		"run_id":  run.ID,
		"queries": len(ready),
	})
	log.Info("Starting run")

	// Persistence must outlive a cancelled run so the terminal state lands.
	persistCtx := context.WithoutCancel(ctx)

	outcome, err := r.execute(ctx, persistCtx, cfg, run, ready)
	if err != nil {
		r.failRun(persistCtx, run, err)

		return &Result{Run: run, Skipped: skipped}, err
	}

	*run = outcome.Run

	if err := r.store.BulkCreateExecutionRecords(persistCtx, outcome.Records); err != nil {
		return &Result{Run: run, Skipped: skipped}, fmt.Errorf("saving execution records: %w", err)
	}

	if outcome.Duplicates > 0 {
		log.WithField("duplicates", outcome.Duplicates).
			Warn("Dropped duplicate execution records")
	}

	res, err := r.finish(persistCtx, cfg, run, ready, outcome.Records)
	if res != nil {
		res.Skipped = skipped
	}

	if err != nil {
		return res, err
	}

	log.WithFields(logrus.Fields{
		"status":   run.Status,
		"wins_a":   res.Summary.WinsA,
		"wins_b":   res.Summary.WinsB,
		"ties":     res.Summary.Ties,
		"duration": run.Duration(),
	}).Info("Run finished")

	return res, nil
}

func (r *runner) Recompare(ctx context.Context, runID uint) (*Result, error) {
	cfg, err := r.effectiveConfig(ctx)
	if err != nil {
		return nil, err
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %d: %w", runID, err)
	}

	if !run.Status.Terminal() {
		return nil, fmt.Errorf("run %d is %s and cannot be compared yet", runID, run.Status)
	}

	records, err := r.store.ListExecutionRecords(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading execution records: %w", err)
	}

	all, err := r.store.ListQueries(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}

	return r.finish(ctx, cfg, run, referencedQueries(all, records), records)
}

// execute runs the scheduler, persisting transitions and forwarding
// records as they complete.
func (r *runner) execute(
	ctx, persistCtx context.Context,
	cfg *config.Config,
	run *model.TestRun,
	queries []model.Query,
) (*scheduler.Outcome, error) {
	platformA, err := r.openBackend(model.PlatformA, &cfg.Platforms.A)
	if err != nil {
		return nil, err
	}

	defer r.closeBackend(platformA)

	platformB, err := r.openBackend(model.PlatformB, &cfg.Platforms.B)
	if err != nil {
		return nil, err
	}

	defer r.closeBackend(platformB)

	sched := scheduler.NewScheduler(r.log, schedulerConfig(cfg), platformA, platformB)

	exec, err := sched.Start(ctx, &scheduler.Request{
		Run:     run,
		Queries: queries,
		OnTransition: func(snapshot model.TestRun) {
			if err := r.store.UpdateRun(persistCtx, &snapshot); err != nil {
				r.log.WithError(err).
					WithField("status", snapshot.Status).
					Error("Failed to persist run status")
			}

			r.publish(events.Event{Type: events.TypeRun, RunID: snapshot.ID, Run: &snapshot})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting scheduler: %w", err)
	}

	for rec := range exec.Events() {
		r.log.WithFields(logrus.Fields{
			"query_id":    rec.QueryID,
			"platform":    rec.Platform,
			"iteration":   rec.Iteration,
			"status":      rec.Status,
			"duration_ms": rec.DurationMS,
		}).Debug("Execution finished")

		r.publish(events.Event{Type: events.TypeRecord, RunID: rec.TestRunID, Record: &rec})
	}

	return exec.Wait(), nil
}

// finish compares the records, stores the results and writes the report.
func (r *runner) finish(
	ctx context.Context,
	cfg *config.Config,
	run *model.TestRun,
	queries []model.Query,
	records []model.ExecutionRecord,
) (*Result, error) {
	comparator := compare.NewComparator(r.log, &compare.Config{
		TieThresholdPercent: cfg.Comparison.TieThresholdPercent,
	})

	results, omitted := comparator.Compare(run, records)

	if err := r.store.ReplaceComparisonResults(ctx, run.ID, results); err != nil {
		return &Result{Run: run}, fmt.Errorf("saving comparison results: %w", err)
	}

	r.publish(events.Event{Type: events.TypeComparison, RunID: run.ID, Run: run})

	res := &Result{
		Run:     run,
		Results: results,
		Omitted: omitted,
		Summary: compare.Summarize(results),
	}

	rep := &report.Report{
		Run:     run,
		Config:  runConfig(cfg),
		Queries: queries,
		Records: records,
		Results: results,
		Omitted: omitted,
	}

	if !r.opts.SkipSystemInfo {
		rep.System = sysinfo.Collect(ctx, r.log)
	}

	written, err := r.writer.Write(rep)
	if err != nil {
		return res, fmt.Errorf("writing report: %w", err)
	}

	res.ReportDir = written.Dir

	if r.opts.Uploader != nil {
		if err := r.opts.Uploader.Upload(ctx, written); err != nil {
			// The run is already stored locally.
			r.log.WithError(err).WithField("dir", written.Dir).Warn("Failed to upload run report")
		}
	}

	return res, nil
}

// effectiveConfig applies stored settings over the loaded configuration.
func (r *runner) effectiveConfig(ctx context.Context) (*config.Config, error) {
	settings, err := r.store.SettingsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	cfg := *r.cfg

	if err := cfg.ApplySettings(settings); err != nil {
		return nil, fmt.Errorf("applying stored settings: %w", err)
	}

	return &cfg, nil
}

func (r *runner) selectQueries(ctx context.Context, names []string) ([]model.Query, error) {
	if len(names) == 0 {
		queries, err := r.store.ListQueries(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("listing active queries: %w", err)
		}

		if len(queries) == 0 {
			return nil, ErrNoQueries
		}

		return queries, nil
	}

	queries := make([]model.Query, 0, len(names))

	for _, name := range names {
		q, err := r.store.GetQueryByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("loading query %q: %w", name, err)
		}

		queries = append(queries, *q)
	}

	return queries, nil
}

func (r *runner) openBackend(platform model.Platform, cfg *config.PlatformConfig) (backend.Backend, error) {
	b, err := r.opts.Backends(r.log, &backend.Config{
		Platform:     platform,
		Name:         cfg.Name,
		Driver:       cfg.Driver,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		PingTimeout:  cfg.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", platform, err)
	}

	return b, nil
}

func (r *runner) closeBackend(b backend.Backend) {
	if err := b.Close(); err != nil {
		r.log.WithError(err).WithField("platform", b.Platform()).Warn("Failed to close backend")
	}
}

// failRun marks a run that could not execute as failed.
func (r *runner) failRun(ctx context.Context, run *model.TestRun, cause error) {
	if run.Status.Terminal() {
		return
	}

	if err := run.Fail(cause.Error(), time.Now().UTC()); err != nil {
		r.log.WithError(err).Error("Rejected run status transition")

		return
	}

	if err := r.store.UpdateRun(ctx, run); err != nil {
		r.log.WithError(err).Error("Failed to persist failed run")
	}

	r.publish(events.Event{Type: events.TypeRun, RunID: run.ID, Run: run})
}

func (r *runner) publish(ev events.Event) {
	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(ev)
	}
}

func schedulerConfig(cfg *config.Config) *scheduler.Config {
	sc := &scheduler.Config{
		ParallelWorkers: cfg.Execution.ParallelWorkers,
		RepeatCount:     cfg.Execution.RepeatCount,
		TaskTimeout:     cfg.Execution.TaskTimeout,
		RunTimeout:      cfg.Execution.RunTimeout,
		SubmissionRate:  cfg.Execution.SubmissionRate,
		EventBuffer:     cfg.Execution.EventBuffer,
	}

	if cfg.Execution.Retry.MaxAttempts > 1 {
		sc.Retry = &scheduler.FixedRetry{
			MaxAttempts: cfg.Execution.Retry.MaxAttempts,
			Backoff:     cfg.Execution.Retry.Backoff,
		}
	}

	return sc
}

func runConfig(cfg *config.Config) report.RunConfig {
	rc := report.RunConfig{
		PlatformA: report.PlatformInfo{
			Name:    cfg.Platforms.A.Name,
			Dialect: cfg.Platforms.A.Dialect,
			Driver:  cfg.Platforms.A.Driver,
		},
		PlatformB: report.PlatformInfo{
			Name:    cfg.Platforms.B.Name,
			Dialect: cfg.Platforms.B.Dialect,
			Driver:  cfg.Platforms.B.Driver,
		},
		ParallelWorkers:     cfg.Execution.ParallelWorkers,
		RepeatCount:         cfg.Execution.RepeatCount,
		TaskTimeout:         cfg.Execution.TaskTimeout.String(),
		SubmissionRate:      cfg.Execution.SubmissionRate,
		RetryMaxAttempts:    cfg.Execution.Retry.MaxAttempts,
		TieThresholdPercent: cfg.Comparison.TieThresholdPercent,
	}

	if cfg.Execution.RunTimeout > 0 {
		rc.RunTimeout = cfg.Execution.RunTimeout.String()
	}

	return rc
}

func skippedNames(all, ready []model.Query) []string {
	ok := make(map[uint]struct{}, len(ready))
	for i := range ready {
		ok[ready[i].ID] = struct{}{}
	}

	var skipped []string

	for i := range all {
		if _, found := ok[all[i].ID]; !found {
			skipped = append(skipped, all[i].Name)
		}
	}

	return skipped
}

// referencedQueries returns the queries that have records in the run.
func referencedQueries(all []model.Query, records []model.ExecutionRecord) []model.Query {
	ids := make(map[uint]struct{}, len(all))
	for i := range records {
		ids[records[i].QueryID] = struct{}{}
	}

	out := make([]model.Query, 0, len(ids))

	for i := range all {
		if _, ok := ids[all[i].ID]; ok {
			out = append(out, all[i])
		}
	}

	return out
}
