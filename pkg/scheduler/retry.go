package scheduler

import (
	"slices"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/backend"
	"github.com/ethpandaops/querybenchoor/pkg/model"
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. attempt is 1-based. Runs have no retry unless a policy is
// configured.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// FixedRetry retries selected error kinds up to MaxAttempts total attempts
// with a constant backoff.
type FixedRetry struct {
	MaxAttempts int
	Backoff     time.Duration

	// Kinds lists retryable error kinds. Empty means connection and
	// timeout errors.
	Kinds []model.ErrorKind
}

var _ RetryPolicy = (*FixedRetry)(nil)

var defaultRetryKinds = []model.ErrorKind{
	model.ErrorKindConnection,
	model.ErrorKindTimeout,
}

func (p *FixedRetry) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt >= p.MaxAttempts {
		return false, 0
	}

	kinds := p.Kinds
	if len(kinds) == 0 {
		kinds = defaultRetryKinds
	}

	kind := backend.ErrorKind(err)
	if kind == model.ErrorKindCancelled || !slices.Contains(kinds, kind) {
		return false, 0
	}

	return true, p.Backoff
}
