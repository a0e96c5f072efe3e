package retry

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"provider 429", fluiderr.E(fluiderr.KindRateLimited, "slow down").WithStatus(429), true},
		{"provider 503", fluiderr.E(fluiderr.KindServerError, "unavailable").WithStatus(503), true},
		{"provider 401", fluiderr.E(fluiderr.KindAuthError, "bad token").WithStatus(401), false},
		{"provider 400", fluiderr.E(fluiderr.KindClientError, "bad request").WithStatus(400), false},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"broken pipe", syscall.EPIPE, true},
		{"eof", io.EOF, true},
		{"io_error kind", fluiderr.E(fluiderr.KindIOError, "pipe closed"), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fluiderr.E(fluiderr.KindServerError, "flaky").WithStatus(502)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentFailureShortCircuits(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return fluiderr.E(fluiderr.KindAuthError, "bad credentials").WithStatus(401)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "auth failures must not be retried")
	assert.Equal(t, fluiderr.KindAuthError, fluiderr.KindOf(err))
}

func TestDo_ExhaustsBudget(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return fluiderr.E(fluiderr.KindServerError, "still down").WithStatus(503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial try + 2 retries
	assert.Equal(t, fluiderr.KindServerError, fluiderr.KindOf(err))
}

func TestDo_ContextCancellation(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Do(ctx, func() error {
		return fluiderr.E(fluiderr.KindServerError, "down").WithStatus(502)
	})
	require.Error(t, err)
}
