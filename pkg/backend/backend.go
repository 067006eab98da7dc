// Package backend executes query text against a database platform.
package backend

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/model"
)

// Backend hands out independent execution handles for one platform.
type Backend interface {
	Platform() model.Platform
	Name() string

	// Ping verifies the platform is reachable.
	Ping(ctx context.Context) error

	// Acquire returns a handle that is not shared with any other caller.
	// Failures are reported as *ConnectionError.
	Acquire(ctx context.Context) (Handle, error)

	Close() error
}

// Handle executes queries over a dedicated connection.
type Handle interface {
	// Execute runs query and returns the number of rows produced and the
	// time the backend took. A zero timeout means no limit. Failures are
	// reported as *ExecutionError.
	Execute(ctx context.Context, query string, timeout time.Duration) (int64, time.Duration, error)

	// Close returns the handle to its backend.
	Close() error
}

// ConnectionError reports that a platform could not be reached.
type ConnectionError struct {
	Platform model.Platform
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Platform, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a failed query execution.
type ExecutionError struct {
	Kind model.ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrorKind maps any error returned by a backend to its record kind.
func ErrorKind(err error) model.ErrorKind {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return model.ErrorKindConnection
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return model.ErrorKindCancelled
	default:
		return model.ErrorKindRuntime
	}
}

// classify wraps a driver error. ctx is the execution context, whose
// deadline decides timeouts regardless of how the driver phrases them.
func classify(ctx context.Context, err error) error {
	kind := model.ErrorKindRuntime

	var netErr net.Error

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = model.ErrorKindTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		kind = model.ErrorKindCancelled
	case errors.Is(err, driver.ErrBadConn), errors.As(err, &netErr):
		kind = model.ErrorKindConnection
	case strings.Contains(strings.ToLower(err.Error()), "syntax"):
		kind = model.ErrorKindSyntax
	}

	return &ExecutionError{Kind: kind, Err: err}
}
