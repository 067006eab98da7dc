package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/querybenchoor/pkg/compare"
	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/events"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/ethpandaops/querybenchoor/pkg/store"
)

type fakeRemote struct {
	dirs    []string
	objects map[string][]byte
}

func (f *fakeRemote) ListRunDirs(context.Context) ([]string, error) {
	return f.dirs, nil
}

func (f *fakeRemote) GetRunArtifact(_ context.Context, runDir, name string) ([]byte, error) {
	return f.objects[runDir+"/"+name], nil
}

type fixture struct {
	srv   *server
	store store.Store
	fs    afero.Fs
	hub   *events.Hub
	run   *model.TestRun
	query *model.Query
}

func newFixture(t *testing.T, apiCfg *config.APIConfig, remote ArtifactReader) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	ctx := context.Background()

	active := &model.Query{Name: "orders_by_day", SourceSQL: "SELECT 1", Active: true}
	require.NoError(t, st.UpsertQuery(ctx, active))
	require.NoError(t, st.UpsertQuery(ctx,
		&model.Query{Name: "retired", SourceSQL: "SELECT 2"}))

	run := &model.TestRun{
		RunKey:          "8cec1fab-0000-4000-8000-000000000000",
		Name:            "nightly",
		Status:          model.RunStatusCompleted,
		ParallelWorkers: 2,
		RepeatCount:     1,
	}
	require.NoError(t, st.CreateRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, st.BulkCreateExecutionRecords(ctx, []model.ExecutionRecord{
		{TestRunID: run.ID, QueryID: active.ID, Platform: model.PlatformA, Iteration: 1,
			DurationMS: 100, RowCount: 5, Status: model.ExecutionSuccess, Attempts: 1, ExecutedAt: now},
		{TestRunID: run.ID, QueryID: active.ID, Platform: model.PlatformB, Iteration: 1,
			DurationMS: 130, RowCount: 5, Status: model.ExecutionSuccess, Attempts: 1, ExecutedAt: now},
	}))

	require.NoError(t, st.ReplaceComparisonResults(ctx, run.ID, []model.ComparisonResult{
		{QueryID: active.ID, RowCountMatch: true, Winner: model.WinnerFor(model.PlatformA)},
	}))

	require.NoError(t, st.SetSetting(ctx, &model.Setting{
		Key: "execution.repeat_count", Value: "5",
	}))

	if apiCfg == nil {
		apiCfg = &config.APIConfig{Listen: "127.0.0.1:0"}
	}

	fs := afero.NewMemMapFs()
	hub := events.NewHub(log)

	t.Cleanup(hub.Close)

	srv := newServer(log, apiCfg, st, Options{
		ResultsDir: "/results",
		Fs:         fs,
		Remote:     remote,
		Hub:        hub,
	})

	return &fixture{srv: srv, store: st, fs: fs, hub: hub, run: run, query: active}
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()

	f.srv.buildRouter().ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Queries(t *testing.T) {
	f := newFixture(t, nil, nil)

	t.Run("all", func(t *testing.T) {
		rec := f.get(t, "/api/v1/queries")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]model.Query](t, rec), 2)
	})

	t.Run("active only", func(t *testing.T) {
		rec := f.get(t, "/api/v1/queries?active=true")
		require.Equal(t, http.StatusOK, rec.Code)

		queries := decode[[]model.Query](t, rec)
		require.Len(t, queries, 1)
		assert.Equal(t, "orders_by_day", queries[0].Name)
	})

	t.Run("bad active flag", func(t *testing.T) {
		rec := f.get(t, "/api/v1/queries?active=maybe")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("by id", func(t *testing.T) {
		rec := f.get(t, "/api/v1/queries/"+itoa(f.query.ID))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "orders_by_day", decode[model.Query](t, rec).Name)
	})

	t.Run("not found", func(t *testing.T) {
		rec := f.get(t, "/api/v1/queries/999")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "query not found")
	})

	t.Run("invalid id", func(t *testing.T) {
		for _, id := range []string{"abc", "0", "-1"} {
			rec := f.get(t, "/api/v1/queries/"+id)
			assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		}
	})
}

func TestServer_Runs(t *testing.T) {
	f := newFixture(t, nil, nil)

	second := &model.TestRun{RunKey: "second", Status: model.RunStatusPending}
	require.NoError(t, f.store.CreateRun(context.Background(), second))

	t.Run("list newest first", func(t *testing.T) {
		rec := f.get(t, "/api/v1/runs")
		require.Equal(t, http.StatusOK, rec.Code)

		runs := decode[[]model.TestRun](t, rec)
		require.Len(t, runs, 2)
		assert.Equal(t, "second", runs[0].RunKey)
	})

	t.Run("limit", func(t *testing.T) {
		rec := f.get(t, "/api/v1/runs?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]model.TestRun](t, rec), 1)

		assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/runs?limit=-3").Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := f.get(t, "/api/v1/runs/"+itoa(f.run.ID))
		require.Equal(t, http.StatusOK, rec.Code)

		run := decode[model.TestRun](t, rec)
		assert.Equal(t, "nightly", run.Name)
		assert.Equal(t, model.RunStatusCompleted, run.Status)
	})

	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/runs/999").Code)
	})
}

func TestServer_Records(t *testing.T) {
	f := newFixture(t, nil, nil)
	base := "/api/v1/runs/" + itoa(f.run.ID) + "/records"

	rec := f.get(t, base)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.ExecutionRecord](t, rec), 2)

	rec = f.get(t, base+"?platform=platform_b")
	require.Equal(t, http.StatusOK, rec.Code)

	records := decode[[]model.ExecutionRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, model.PlatformB, records[0].Platform)
	assert.InDelta(t, 130.0, records[0].DurationMS, 0.001)

	assert.Equal(t, http.StatusBadRequest, f.get(t, base+"?platform=oracle").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/runs/999/records").Code)
}

func TestServer_Comparisons(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.get(t, "/api/v1/runs/"+itoa(f.run.ID)+"/comparisons")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[comparisonsResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, compare.Summary{Queries: 1, WinsA: 1}, resp.Summary)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/runs/999/comparisons").Code)
}

func TestServer_Artifacts(t *testing.T) {
	remote := &fakeRemote{objects: map[string][]byte{}}
	f := newFixture(t, nil, remote)

	runDir := report.RunDirName(f.run)
	base := "/api/v1/runs/" + itoa(f.run.ID) + "/artifacts/"

	require.NoError(t, afero.WriteFile(f.fs,
		filepath.Join("/results", runDir, report.SummaryFile),
		[]byte("# Query Benchmark Run: nightly\n"), 0o644))

	remote.objects[runDir+"/"+report.ComparisonFile] = []byte(`{"results":[]}`)

	t.Run("local file", func(t *testing.T) {
		rec := f.get(t, base+report.SummaryFile)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "nightly")
	})

	t.Run("remote fallback", func(t *testing.T) {
		rec := f.get(t, base+report.ComparisonFile)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
	})

	t.Run("missing everywhere", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.get(t, base+report.RecordsFile).Code)
	})

	t.Run("traversal rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.get(t, base+"..config.json").Code)
	})

	t.Run("unknown artifact rejected", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(f.fs,
			filepath.Join("/results", runDir, "notes.txt"), []byte("x"), 0o644))

		assert.Equal(t, http.StatusBadRequest, f.get(t, base+"notes.txt").Code)
	})
}

func TestServer_Uploads(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/uploads").Code)
	})

	t.Run("lists run dirs", func(t *testing.T) {
		f := newFixture(t, nil, &fakeRemote{dirs: []string{"1772366400_8cec1fab"}})

		rec := f.get(t, "/api/v1/uploads")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"1772366400_8cec1fab"}, decode[[]string](t, rec))
	})
}

func TestServer_Settings(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.get(t, "/api/v1/settings")
	require.Equal(t, http.StatusOK, rec.Code)

	settings := decode[[]model.Setting](t, rec)
	require.Len(t, settings, 1)
	assert.Equal(t, "execution.repeat_count", settings[0].Key)
	assert.Equal(t, "5", settings[0].Value)
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1},
	}, nil)

	t.Cleanup(func() { _ = f.srv.Stop() })

	router := f.srv.buildRouter()

	do := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("/api/v1/settings"))
	assert.Equal(t, http.StatusTooManyRequests, do("/api/v1/settings"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"), "one request per minute refills in a minute")

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, do("/api/v1/health"))
}

func TestServer_CORS(t *testing.T) {
	f := newFixture(t, &config.APIConfig{CORSOrigins: []string{"https://dash.example.com"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")

	rec := httptest.NewRecorder()
	f.srv.buildRouter().ServeHTTP(rec, req)

	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	rec = httptest.NewRecorder()
	f.srv.buildRouter().ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Events(t *testing.T) {
	f := newFixture(t, nil, nil)

	ts := httptest.NewServer(f.srv.buildRouter())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/events?run_id="+itoa(f.run.ID), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	// The subscription is registered before the greeting is written.
	f.hub.Publish(events.Event{Type: events.TypeRecord, RunID: f.run.ID + 100})
	f.hub.Publish(events.Event{
		Type:  events.TypeRun,
		RunID: f.run.ID,
		Run:   &model.TestRun{ID: f.run.ID, Status: model.RunStatusRunning},
	})

	var got []string

	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		got = append(got, line)
	}

	assert.Equal(t, "event: run", got[0])
	assert.True(t, strings.HasPrefix(got[1], "data: "))

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(got[1], "data: ")), &ev))
	assert.Equal(t, f.run.ID, ev.RunID)
	require.NotNil(t, ev.Run)
	assert.Equal(t, model.RunStatusRunning, ev.Run.Status)
}

func TestServer_EventsWithoutHub(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.srv.hub = nil

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/events").Code)
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.srv.Start(context.Background()))
	require.NotEmpty(t, f.srv.Addr())

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.srv.Stop())
	require.NoError(t, f.srv.Stop())
}

func TestIsAllowedPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "file name", path: "summary.md", expected: true},
		{name: "run dir", path: "1772366400_8cec1fab", expected: true},
		{name: "empty", path: "", expected: false},
		{name: "traversal", path: "../../etc/passwd", expected: false},
		{name: "dot dot only", path: "..", expected: false},
		{name: "absolute", path: "/etc/passwd", expected: false},
		{name: "trailing slash", path: "runs/", expected: false},
		{name: "double slash", path: "runs//abc", expected: false},
		{name: "dot segment", path: "runs/./abc", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isAllowedPath(tt.path))
		})
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name     string
		remote   string
		xff      string
		realIP   string
		expected string
	}{
		{name: "remote addr", remote: "192.0.2.1:5555", expected: "192.0.2.1"},
		{name: "forwarded chain", remote: "10.0.0.1:1", xff: "203.0.113.7, 10.0.0.1", expected: "203.0.113.7"},
		{name: "forwarded wins over real ip", remote: "10.0.0.1:1", xff: "203.0.113.8", realIP: "198.51.100.1", expected: "203.0.113.8"},
		{name: "real ip", remote: "10.0.0.1:1", realIP: "198.51.100.2", expected: "198.51.100.2"},
		{name: "empty forwarded hop", remote: "10.0.0.1:1", xff: " , 10.0.0.2", expected: "10.0.0.1"},
		{name: "no port", remote: "192.0.2.9", expected: "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			assert.Equal(t, tt.expected, clientAddr(req))
		})
	}
}

func TestClientLimiter_Streams(t *testing.T) {
	cl := newClientLimiter(config.RateLimitConfig{RequestsPerMinute: 60, MaxStreamsPerClient: 2})

	first, ok := cl.openStream("a")
	require.True(t, ok)

	second, ok := cl.openStream("a")
	require.True(t, ok)

	_, ok = cl.openStream("a")
	assert.False(t, ok, "third stream is over the cap")

	_, ok = cl.openStream("b")
	assert.True(t, ok, "caps are per client")

	first()
	first()
	assert.Equal(t, 1, cl.openStreams("a"), "release is idempotent")

	_, ok = cl.openStream("a")
	assert.True(t, ok)

	second()
}

func TestClientLimiter_Sweep(t *testing.T) {
	cl := newClientLimiter(config.RateLimitConfig{RequestsPerMinute: 60, MaxStreamsPerClient: 1})

	ok, _ := cl.allow("idle")
	require.True(t, ok)

	release, ok := cl.openStream("streaming")
	require.True(t, ok)

	require.Equal(t, 2, cl.size())

	cl.sweep(time.Hour)
	assert.Equal(t, 2, cl.size())

	cl.sweep(-time.Second)
	assert.Equal(t, 1, cl.size(), "clients with an open stream are kept")

	release()
	cl.sweep(-time.Second)
	assert.Zero(t, cl.size())
}

func TestServer_EventStreamCap(t *testing.T) {
	f := newFixture(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, MaxStreamsPerClient: 1},
	}, nil)

	t.Cleanup(func() { _ = f.srv.Stop() })

	ts := httptest.NewServer(f.srv.buildRouter())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open := func() *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		return resp
	}

	first := open()
	defer func() { _ = first.Body.Close() }()

	require.Equal(t, http.StatusOK, first.StatusCode)

	second := open()
	_ = second.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	// Streams are not charged against the request rate.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/settings", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RequestLogger(t *testing.T) {
	f := newFixture(t, nil, nil)

	log, hook := logrustest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	f.srv.log = log

	rec := f.get(t, "/api/v1/runs/"+itoa(f.run.ID)+"/records")
	require.Equal(t, http.StatusOK, rec.Code)

	var entry *logrus.Entry

	for _, e := range hook.AllEntries() {
		if e.Message == "Request handled" {
			entry = e
		}
	}

	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "/api/v1/runs/{id}/records", entry.Data["route"])
	assert.Equal(t, itoa(f.run.ID), entry.Data["run_id"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])

	hook.Reset()

	f.get(t, "/api/v1/settings")

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "/api/v1/settings", last.Data["route"])
	assert.NotContains(t, last.Data, "run_id")
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
