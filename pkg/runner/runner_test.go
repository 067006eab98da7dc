package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/querybenchoor/pkg/backend"
	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/events"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/ethpandaops/querybenchoor/pkg/store"
)

type fakeBackend struct {
	platform model.Platform
	pingErr  error

	mu      sync.Mutex
	queries []string
	closed  bool
}

func (f *fakeBackend) Platform() model.Platform { return f.platform }

func (f *fakeBackend) Name() string { return string(f.platform) }

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) Acquire(context.Context) (backend.Handle, error) {
	return &fakeHandle{backend: f}, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

type fakeHandle struct {
	backend *fakeBackend
}

func (h *fakeHandle) Execute(_ context.Context, query string, _ time.Duration) (int64, time.Duration, error) {
	h.backend.mu.Lock()
	h.backend.queries = append(h.backend.queries, query)
	h.backend.mu.Unlock()

	if h.backend.pingErr != nil {
		return 0, 0, &backend.ConnectionError{Platform: h.backend.platform, Err: h.backend.pingErr}
	}

	return 10, time.Millisecond, nil
}

func (h *fakeHandle) Close() error { return nil }

type fakeUploader struct {
	preflightErr error
	uploaded     []string
	files        []string
}

func (f *fakeUploader) Preflight(context.Context) error { return f.preflightErr }

func (f *fakeUploader) Upload(_ context.Context, out *report.Written) error {
	f.uploaded = append(f.uploaded, out.Dir)
	f.files = out.Files

	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}

	return n
}

type harness struct {
	runner    Runner
	store     store.Store
	fs        afero.Fs
	platforms map[model.Platform]*fakeBackend
	uploader  *fakeUploader
	publisher *recordingPublisher
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	cfg := config.Default()
	cfg.Global.ResultsDir = "/results"
	cfg.Execution.ParallelWorkers = 4
	cfg.Execution.RepeatCount = 2

	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		store: st,
		fs:    afero.NewMemMapFs(),
		platforms: map[model.Platform]*fakeBackend{
			model.PlatformA: {platform: model.PlatformA},
			model.PlatformB: {platform: model.PlatformB},
		},
		uploader:  &fakeUploader{},
		publisher: &recordingPublisher{},
	}

	h.runner = NewRunner(log, cfg, st, Options{
		Backends: func(_ logrus.FieldLogger, c *backend.Config) (backend.Backend, error) {
			return h.platforms[c.Platform], nil
		},
		Publisher:      h.publisher,
		Uploader:       h.uploader,
		Fs:             h.fs,
		SkipSystemInfo: true,
	})

	require.NoError(t, h.runner.Start(context.Background()))
	t.Cleanup(func() { _ = h.runner.Stop() })

	return h
}

func (h *harness) addQuery(t *testing.T, name, sql string, active bool) *model.Query {
	t.Helper()

	q := &model.Query{Name: name, SourceSQL: sql, Active: active}
	require.NoError(t, h.store.UpsertQuery(context.Background(), q))

	return q
}

func TestRunner_Run(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.addQuery(t, "latest_orders", "SELECT TOP 10 * FROM orders", true)
	h.addQuery(t, "name_lengths", "SELECT LEN(name) FROM customers", true)
	h.addQuery(t, "percent", "SELECT TOP 10 PERCENT * FROM orders", true)
	h.addQuery(t, "retired", "SELECT 1", false)

	res, err := h.runner.Run(ctx, &RunOptions{Name: "nightly"})
	require.NoError(t, err)
	require.NotNil(t, res.Run)

	assert.Equal(t, model.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, []string{"percent"}, res.Skipped)
	assert.Equal(t, 2*2*2, res.Run.TasksTotal)
	assert.Equal(t, 2, res.Run.QueriesExecuted)
	assert.Len(t, res.Results, 2)
	assert.Empty(t, res.Omitted)
	assert.Equal(t, 2, res.Summary.Queries)

	t.Run("platforms receive their dialect", func(t *testing.T) {
		assert.Contains(t, h.platforms[model.PlatformA].queries, "SELECT TOP 10 * FROM orders")
		assert.Contains(t, h.platforms[model.PlatformB].queries, "SELECT * FROM orders LIMIT 10")
		assert.Contains(t, h.platforms[model.PlatformB].queries, "SELECT LENGTH(name) FROM customers")
		assert.True(t, h.platforms[model.PlatformA].closed)
		assert.True(t, h.platforms[model.PlatformB].closed)
	})

	t.Run("state is persisted", func(t *testing.T) {
		stored, err := h.store.GetRun(ctx, res.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, stored.Status)
		assert.Equal(t, "nightly", stored.Name)
		assert.NotNil(t, stored.StartedAt)
		assert.NotNil(t, stored.EndedAt)

		records, err := h.store.ListExecutionRecords(ctx, res.Run.ID)
		require.NoError(t, err)
		assert.Len(t, records, 8)

		results, err := h.store.ListComparisonResults(ctx, res.Run.ID)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		for _, r := range results {
			assert.True(t, r.RowCountMatch)
		}
	})

	t.Run("report is written and uploaded", func(t *testing.T) {
		want := filepath.Join("/results", report.RunDirName(res.Run))
		assert.Equal(t, want, res.ReportDir)

		for _, name := range []string{report.ConfigFile, report.RecordsFile, report.ComparisonFile, report.SummaryFile} {
			ok, err := afero.Exists(h.fs, filepath.Join(want, name))
			require.NoError(t, err)
			assert.True(t, ok, name)
		}

		assert.Equal(t, []string{want}, h.uploader.uploaded)
		assert.Equal(t, report.Artifacts, h.uploader.files)
	})

	t.Run("progress is published", func(t *testing.T) {
		assert.Equal(t, 8, h.publisher.count(events.TypeRecord))
		assert.Equal(t, 2, h.publisher.count(events.TypeRun), "running and completed")
		assert.Equal(t, 1, h.publisher.count(events.TypeComparison))
	})
}

func TestRunner_RunNamedQueries(t *testing.T) {
	h := newHarness(t, nil)

	h.addQuery(t, "a", "SELECT 1", true)
	h.addQuery(t, "b", "SELECT 2", false)

	res, err := h.runner.Run(context.Background(), &RunOptions{Queries: []string{"b"}})
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)

	_, err = h.runner.Run(context.Background(), &RunOptions{Queries: []string{"missing"}})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunner_StoredSettingsApply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.addQuery(t, "a", "SELECT 1", true)
	require.NoError(t, h.store.SetSetting(ctx, &model.Setting{Key: "execution.repeat_count", Value: "3"}))

	res, err := h.runner.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Run.RepeatCount)
	assert.Equal(t, 1*2*3, res.Run.TasksTotal)

	require.NoError(t, h.store.SetSetting(ctx, &model.Setting{Key: "execution.repeat_count", Value: "zero"}))

	_, err = h.runner.Run(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying stored settings")
}

func TestRunner_NoQueries(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.runner.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoQueries)

	h.addQuery(t, "broken", "SELECT TOP 5 WITH TIES a FROM t ORDER BY a", true)

	_, err = h.runner.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoQueries)

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is created without work")
}

func TestRunner_BothPlatformsUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	h.addQuery(t, "a", "SELECT 1", true)

	h.platforms[model.PlatformA].pingErr = errors.New("refused")
	h.platforms[model.PlatformB].pingErr = errors.New("refused")

	res, err := h.runner.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, res.Run.Status)
	assert.Contains(t, res.Run.FailureReason, "no platform reachable")
	assert.Empty(t, res.Results)

	stored, err := h.store.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
}

func TestRunner_BackendOpenFailure(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.UpsertQuery(context.Background(),
		&model.Query{Name: "a", SourceSQL: "SELECT 1", Active: true}))

	cfg := config.Default()
	cfg.Global.ResultsDir = "/results"

	r := NewRunner(log, cfg, st, Options{
		Backends: func(logrus.FieldLogger, *backend.Config) (backend.Backend, error) {
			return nil, errors.New("driver missing")
		},
		Fs:             afero.NewMemMapFs(),
		SkipSystemInfo: true,
	})

	res, err := r.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver missing")
	require.NotNil(t, res)

	stored, err := st.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "driver missing")
}

func TestRunner_Recompare(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.addQuery(t, "a", "SELECT 1", true)
	h.addQuery(t, "b", "SELECT 2", true)

	first, err := h.runner.Run(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, h.store.SetSetting(ctx, &model.Setting{
		Key: "comparison.tie_threshold_percent", Value: "1e12",
	}))

	res, err := h.runner.Recompare(ctx, first.Run.ID)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	// Any measurable difference is now within the tie threshold.
	assert.Equal(t, 2, res.Summary.Ties)

	results, err := h.store.ListComparisonResults(ctx, first.Run.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2, "results are replaced, not appended")

	_, err = h.runner.Recompare(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunner_StartPreflight(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Global.ResultsDir = "/results"

	r := NewRunner(log, cfg, nil, Options{
		Fs:       afero.NewMemMapFs(),
		Uploader: &fakeUploader{preflightErr: errors.New("access denied")},
	})

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload preflight check failed")
}

func TestSchedulerConfig(t *testing.T) {
	cfg := config.Default()

	sc := schedulerConfig(cfg)
	assert.Equal(t, cfg.Execution.ParallelWorkers, sc.ParallelWorkers)
	assert.Equal(t, cfg.Execution.TaskTimeout, sc.TaskTimeout)
	assert.Nil(t, sc.Retry, "no retry by default")

	cfg.Execution.Retry.MaxAttempts = 3
	cfg.Execution.Retry.Backoff = 2 * time.Second

	sc = schedulerConfig(cfg)
	require.NotNil(t, sc.Retry)

	retry, backoff := sc.Retry.ShouldRetry(1, &backend.ConnectionError{Platform: model.PlatformA, Err: errors.New("reset")})
	assert.True(t, retry)
	assert.Equal(t, 2*time.Second, backoff)
}
