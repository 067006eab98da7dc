package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/backend"
	"github.com/ethpandaops/querybenchoor/pkg/model"
)

// fakeBackend is an in-memory platform. exec decides the outcome of each
// execution; handles detect concurrent use.
type fakeBackend struct {
	platform   model.Platform
	pingErr    error
	acquireErr func(n int32) error
	acquireLag time.Duration
	exec       func(ctx context.Context, query string) (int64, error)

	acquired    atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	shared      atomic.Int32

	mu      sync.Mutex
	queries []string
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend(platform model.Platform) *fakeBackend {
	return &fakeBackend{
		platform: platform,
		exec: func(context.Context, string) (int64, error) {
			return 1, nil
		},
	}
}

func (f *fakeBackend) Platform() model.Platform { return f.platform }

func (f *fakeBackend) Name() string { return string(f.platform) }

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) Acquire(ctx context.Context) (backend.Handle, error) {
	n := f.acquired.Add(1)

	if f.acquireLag > 0 {
		time.Sleep(f.acquireLag)
	}

	if f.acquireErr != nil {
		if err := f.acquireErr(n); err != nil {
			return nil, &backend.ConnectionError{Platform: f.platform, Err: err}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &fakeHandle{backend: f}, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.queries))
	copy(out, f.queries)

	return out
}

type fakeHandle struct {
	backend *fakeBackend
	busy    atomic.Bool
}

func (h *fakeHandle) Execute(ctx context.Context, query string, timeout time.Duration) (int64, time.Duration, error) {
	if !h.busy.CompareAndSwap(false, true) {
		h.backend.shared.Add(1)
	}
	defer h.busy.Store(false)

	cur := h.backend.inFlight.Add(1)
	defer h.backend.inFlight.Add(-1)

	for {
		prev := h.backend.maxInFlight.Load()
		if cur <= prev || h.backend.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	h.backend.mu.Lock()
	h.backend.queries = append(h.backend.queries, query)
	h.backend.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := h.backend.exec(ctx, query)

	return rows, time.Since(start), err
}

func (h *fakeHandle) Close() error { return nil }

func translatedQuery(id uint, name, source, target string) model.Query {
	return model.Query{
		ID:         id,
		Name:       name,
		SourceSQL:  source,
		TargetSQL:  &target,
		SourceHash: model.HashSource(source),
	}
}

func testQueries(n int) []model.Query {
	queries := make([]model.Query, 0, n)
	for i := 1; i <= n; i++ {
		queries = append(queries, translatedQuery(
			uint(i),
			fmt.Sprintf("q%d", i),
			fmt.Sprintf("SELECT TOP %d * FROM t", i),
			fmt.Sprintf("SELECT * FROM t LIMIT %d", i),
		))
	}

	return queries
}

var errSyntax = &backend.ExecutionError{Kind: model.ErrorKindSyntax, Err: errors.New("syntax error")}
