// Package retry wraps outbound provider calls in exponential backoff with a
// classified retry predicate.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// retryableStatuses are the upstream HTTP statuses that justify another
// attempt.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Policy drives backoff: base × 2^attempt, capped at MaxDelay, at most
// MaxRetries attempts after the first.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy matches the provider defaults: 3 retries from 500ms up to 8s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// Do runs op, retrying on retryable failures until the policy or the context
// is exhausted. Non-retriable failures propagate immediately.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0 // bounded by attempt count and ctx, not wall clock

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Retryable classifies a failure: connection errors, read timeouts, and
// upstream statuses in {429, 500, 502, 503, 504} justify another attempt.
// Context cancellation and other 4xx never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status := fluiderr.StatusOf(err); status != 0 {
		return retryableStatuses[status]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Classified transport failures without a status are retryable.
	return fluiderr.IsKind(err, fluiderr.KindIOError)
}
