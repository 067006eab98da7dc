// Package scheduler runs the query x platform x iteration matrix of a test
// run under bounded concurrency.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/backend"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// MaxParallelWorkers is the upper bound for Config.ParallelWorkers.
	MaxParallelWorkers = 50

	// DefaultParallelWorkers is used by callers that have no configuration.
	DefaultParallelWorkers = 10

	// DefaultTaskTimeout bounds a single execution.
	DefaultTaskTimeout = 300 * time.Second
)

// Scheduler executes test runs.
type Scheduler interface {
	// Start validates the request and begins execution in the background.
	// The returned Execution's Events must be drained until closed.
	Start(ctx context.Context, req *Request) (*Execution, error)

	// Run is Start followed by draining events and waiting.
	Run(ctx context.Context, req *Request) (*Outcome, error)
}

// Config holds the execution options of a run.
type Config struct {
	ParallelWorkers int
	RepeatCount     int

	// TaskTimeout bounds each execution; zero means none.
	TaskTimeout time.Duration

	// RunTimeout stops submission of new tasks once elapsed; zero means none.
	RunTimeout time.Duration

	// SubmissionRate throttles task starts per second; zero means unlimited.
	SubmissionRate float64

	EventBuffer int

	// Retry is optional. Without it failed tasks are recorded as-is.
	Retry RetryPolicy
}

// Validate checks the configuration bounds.
func (c *Config) Validate() error {
	if c.ParallelWorkers < 1 || c.ParallelWorkers > MaxParallelWorkers {
		return fmt.Errorf("parallel workers must be between 1 and %d, got %d",
			MaxParallelWorkers, c.ParallelWorkers)
	}

	if c.RepeatCount < 1 {
		return fmt.Errorf("repeat count must be positive, got %d", c.RepeatCount)
	}

	if c.TaskTimeout < 0 || c.RunTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.SubmissionRate < 0 {
		return fmt.Errorf("submission rate must not be negative")
	}

	return nil
}

// Request describes one run. The scheduler owns Run until Wait returns.
type Request struct {
	Run     *model.TestRun
	Queries []model.Query

	// OnTransition is called synchronously after every status change.
	OnTransition func(run model.TestRun)
}

// Outcome is the terminal state of a run. Duplicates counts records the
// collector rejected because their identity was already recorded.
type Outcome struct {
	Run        model.TestRun
	Records    []model.ExecutionRecord
	Submitted  int
	Skipped    int
	Duplicates int
}

// Execution is a run in progress.
type Execution struct {
	collector *Collector
	done      chan struct{}
	outcome   *Outcome
}

// Events streams execution records as tasks finish.
func (e *Execution) Events() <-chan model.ExecutionRecord {
	return e.collector.Events()
}

// Wait blocks until every submitted task is terminal.
func (e *Execution) Wait() *Outcome {
	<-e.done

	return e.outcome
}

// Done is closed when the run is terminal.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// task is one cell of the execution matrix.
type task struct {
	query     *model.Query
	platform  model.Platform
	iteration int
	text      string
}

type scheduler struct {
	log      logrus.FieldLogger
	cfg      *Config
	backends map[model.Platform]backend.Backend
}

var _ Scheduler = (*scheduler)(nil)

// NewScheduler creates a scheduler over the two platform backends.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *Config,
	platformA, platformB backend.Backend,
) Scheduler {
	return &scheduler{
		log: log.WithField("component", "scheduler"),
		cfg: cfg,
		backends: map[model.Platform]backend.Backend{
			model.PlatformA: platformA,
			model.PlatformB: platformB,
		},
	}
}

func (s *scheduler) Run(ctx context.Context, req *Request) (*Outcome, error) {
	exec, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	for range exec.Events() {
	}

	return exec.Wait(), nil
}

func (s *scheduler) Start(ctx context.Context, req *Request) (*Execution, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	if req.Run == nil {
		return nil, fmt.Errorf("request has no test run")
	}

	if req.Run.Status != "" && req.Run.Status != model.RunStatusPending {
		return nil, fmt.Errorf("test run %d is %s, expected pending", req.Run.ID, req.Run.Status)
	}

	tasks, err := s.buildTasks(req.Queries)
	if err != nil {
		return nil, err
	}

	req.Run.Status = model.RunStatusPending
	req.Run.ParallelWorkers = s.cfg.ParallelWorkers
	req.Run.RepeatCount = s.cfg.RepeatCount
	req.Run.TasksTotal = len(tasks)

	exec := &Execution{
		collector: NewCollector(s.log, s.cfg.EventBuffer),
		done:      make(chan struct{}),
	}

	go s.execute(ctx, req, tasks, exec)

	return exec, nil
}

// buildTasks expands queries into the matrix, iteration-major so both
// platforms progress together.
func (s *scheduler) buildTasks(queries []model.Query) ([]task, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries to schedule")
	}

	for i := range queries {
		if !queries[i].Schedulable() {
			return nil, fmt.Errorf("query %q has no current translation", queries[i].Name)
		}
	}

	tasks := make([]task, 0, len(queries)*len(model.Platforms)*s.cfg.RepeatCount)

	for iteration := 1; iteration <= s.cfg.RepeatCount; iteration++ {
		for i := range queries {
			q := &queries[i]

			for _, platform := range model.Platforms {
				text := q.SourceSQL
				if platform == model.PlatformB {
					text = *q.TargetSQL
				}

				tasks = append(tasks, task{
					query:     q,
					platform:  platform,
					iteration: iteration,
					text:      text,
				})
			}
		}
	}

	return tasks, nil
}

func (s *scheduler) execute(ctx context.Context, req *Request, tasks []task, exec *Execution) {
	defer close(exec.done)

	run := req.Run
	log := s.log.WithFields(logrus.Fields{
		"run":   run.RunKey,
		"tasks": len(tasks),
	})

	transition := func(to model.RunStatus, reason string) {
		now := time.Now().UTC()

		var err error
		if to == model.RunStatusFailed {
			err = run.Fail(reason, now)
		} else {
			err = run.Transition(to, now)
		}

		if err != nil {
			log.WithError(err).Error("Rejected run status transition")

			return
		}

		log.WithField("status", to).Info("Run status changed")

		if req.OnTransition != nil {
			req.OnTransition(*run)
		}
	}

	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	if err := s.preflight(runCtx); err != nil {
		exec.collector.Close()
		transition(model.RunStatusFailed, err.Error())

		exec.outcome = &Outcome{
			Run:     *run,
			Records: exec.collector.Drain(),
			Skipped: len(tasks),
		}

		return
	}

	var limiter *rate.Limiter
	if s.cfg.SubmissionRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.SubmissionRate), 1)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.ParallelWorkers)

	submitted := 0

	for _, t := range tasks {
		if runCtx.Err() != nil {
			break
		}

		if submitted == 0 {
			transition(model.RunStatusRunning, "")
		}

		g.Go(func() error {
			exec.collector.Append(s.runTask(runCtx, run.ID, t, limiter))

			return nil
		})

		submitted++
	}

	_ = g.Wait()

	exec.collector.Close()
	records := exec.collector.Drain()

	run.QueriesExecuted = countQueries(records)
	run.TasksSkipped = len(tasks) - submitted

	switch {
	case run.TasksSkipped > 0:
		cause := runCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("run timeout of %s exceeded", s.cfg.RunTimeout)
		}

		transition(model.RunStatusFailed, fmt.Sprintf(
			"submission stopped after %d of %d tasks: %v", submitted, len(tasks), cause,
		))
	case allConnectionErrors(records):
		transition(model.RunStatusFailed, "every task failed to connect to its platform")
	default:
		transition(model.RunStatusCompleted, "")
	}

	exec.outcome = &Outcome{
		Run:        *run,
		Records:    records,
		Submitted:  submitted,
		Skipped:    run.TasksSkipped,
		Duplicates: exec.collector.Dropped(),
	}

	log.WithFields(logrus.Fields{
		"status":    run.Status,
		"submitted": submitted,
		"records":   len(records),
	}).Info("Run finished")
}

// preflight fails only when neither platform answers.
func (s *scheduler) preflight(ctx context.Context) error {
	var errs []error

	for _, platform := range model.Platforms {
		if err := s.backends[platform].Ping(ctx); err != nil {
			s.log.WithError(err).WithField("platform", platform).Warn("Platform unreachable")

			errs = append(errs, err)
		}
	}

	if len(errs) == len(model.Platforms) {
		return fmt.Errorf("no platform reachable: %w", errors.Join(errs...))
	}

	return nil
}

// runTask executes one matrix cell and always returns a terminal record.
func (s *scheduler) runTask(
	runCtx context.Context,
	runID uint,
	t task,
	limiter *rate.Limiter,
) model.ExecutionRecord {
	rec := model.ExecutionRecord{
		TestRunID: runID,
		QueryID:   t.query.ID,
		Platform:  t.platform,
		Iteration: t.iteration,
	}

	if err := runCtx.Err(); err != nil {
		return cancelled(rec, err)
	}

	if limiter != nil {
		if err := limiter.Wait(runCtx); err != nil {
			return cancelled(rec, err)
		}
	}

	for attempt := 1; ; attempt++ {
		rec.Attempts = attempt

		rows, elapsed, backendElapsed, err := s.attempt(runCtx, t)

		rec.DurationMS = toMillis(elapsed)
		rec.BackendDurationMS = toMillis(backendElapsed)
		rec.ExecutedAt = time.Now().UTC()

		if err == nil {
			rec.Status = model.ExecutionSuccess
			rec.RowCount = rows

			return rec
		}

		rec.Status = model.ExecutionError
		rec.ErrorKind = backend.ErrorKind(err)
		rec.ErrorMessage = err.Error()

		if s.cfg.Retry == nil {
			return rec
		}

		retry, wait := s.cfg.Retry.ShouldRetry(attempt, err)
		if !retry {
			return rec
		}

		s.log.WithError(err).WithFields(logrus.Fields{
			"query":     t.query.Name,
			"platform":  t.platform,
			"iteration": t.iteration,
			"attempt":   attempt,
		}).Debug("Retrying task")

		select {
		case <-runCtx.Done():
			return rec
		case <-time.After(wait):
		}
	}
}

// attempt acquires a dedicated handle and executes once. Acquisition
// honours run cancellation; the execution itself only its own timeout.
// The returned duration starts after the handle is acquired, so pool waits
// are not measured.
func (s *scheduler) attempt(runCtx context.Context, t task) (int64, time.Duration, time.Duration, error) {
	start := time.Now()

	h, err := s.backends[t.platform].Acquire(runCtx)
	if err != nil {
		if runCtx.Err() != nil {
			return 0, time.Since(start), 0, runCtx.Err()
		}

		return 0, time.Since(start), 0, err
	}

	defer func() {
		if cerr := h.Close(); cerr != nil {
			s.log.WithError(cerr).Debug("Closing handle")
		}
	}()

	execCtx := context.WithoutCancel(runCtx)
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc

		execCtx, cancel = context.WithTimeout(execCtx, s.cfg.TaskTimeout)
		defer cancel()
	}

	submitted := time.Now()
	rows, backendElapsed, err := h.Execute(execCtx, t.text, s.cfg.TaskTimeout)

	return rows, time.Since(submitted), backendElapsed, err
}

func cancelled(rec model.ExecutionRecord, err error) model.ExecutionRecord {
	rec.Status = model.ExecutionError
	rec.ErrorKind = model.ErrorKindCancelled
	rec.ErrorMessage = err.Error()
	rec.Attempts = 1
	rec.ExecutedAt = time.Now().UTC()

	return rec
}

func allConnectionErrors(records []model.ExecutionRecord) bool {
	if len(records) == 0 {
		return false
	}

	for i := range records {
		if records[i].ErrorKind != model.ErrorKindConnection {
			return false
		}
	}

	return true
}

func countQueries(records []model.ExecutionRecord) int {
	seen := make(map[uint]struct{}, len(records))
	for i := range records {
		seen[records[i].QueryID] = struct{}{}
	}

	return len(seen)
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
