// Package ratelimit provides the per-model token buckets guarding LLM
// provider calls.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// Mode selects the wait discipline when no token is available.
type Mode string

const (
	// ModeFail rejects the request immediately with a rate_limited error.
	ModeFail Mode = "fail"
	// ModeWait blocks until a token is available or the context is done.
	ModeWait Mode = "wait"
)

// Bucket is a token bucket with introspection. Each call consumes one token;
// available tokens refill at min(capacity, previous + rate × elapsed).
type Bucket struct {
	limiter  *rate.Limiter
	rateSec  float64
	capacity int
	mode     Mode
}

// New creates a bucket with the given refill rate (tokens/sec) and burst
// capacity. Mode defaults to fail-fast when empty.
func New(rateSec float64, capacity int, mode Mode) *Bucket {
	if mode == "" {
		mode = ModeFail
	}
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(rateSec), capacity),
		rateSec:  rateSec,
		capacity: capacity,
		mode:     mode,
	}
}

// Acquire consumes one token according to the bucket's mode. In wait mode the
// block is bounded by ctx; in fail mode an exhausted bucket returns a
// rate_limited error immediately.
func (b *Bucket) Acquire(ctx context.Context) error {
	switch b.mode {
	case ModeWait:
		if err := b.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fluiderr.Wrap(fluiderr.KindTimeout, err, "rate limiter wait interrupted")
			}
			return fluiderr.Wrap(fluiderr.KindRateLimited, err, "rate limit exceeded")
		}
		return nil
	default:
		if !b.limiter.Allow() {
			return fluiderr.E(fluiderr.KindRateLimited, "rate limit exceeded (%.1f req/s, burst %d)", b.rateSec, b.capacity)
		}
		return nil
	}
}

// AvailableTokens returns the current token count. May be negative after
// reservations in wait mode.
func (b *Bucket) AvailableTokens() float64 { return b.limiter.Tokens() }

// Capacity returns the burst capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// Rate returns the refill rate in tokens/sec.
func (b *Bucket) Rate() float64 { return b.rateSec }

// Utilisation returns the consumed share of capacity in [0, 1].
func (b *Bucket) Utilisation() float64 {
	if b.capacity == 0 {
		return 0
	}
	used := float64(b.capacity) - b.limiter.Tokens()
	if used < 0 {
		used = 0
	}
	u := used / float64(b.capacity)
	if u > 1 {
		u = 1
	}
	return u
}

// Table holds one bucket per model, created lazily.
type Table struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewTable creates an empty limiter table.
func NewTable() *Table {
	return &Table{buckets: make(map[string]*Bucket)}
}

// Get returns the bucket for a model, creating it on first use with the given
// parameters. Subsequent calls ignore the parameters and return the existing
// bucket.
func (t *Table) Get(modelID string, rateSec float64, capacity int, mode Mode) *Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[modelID]; ok {
		return b
	}
	b := New(rateSec, capacity, mode)
	t.buckets[modelID] = b
	return b
}

// Lookup returns the bucket for a model if one exists.
func (t *Table) Lookup(modelID string) (*Bucket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[modelID]
	return b, ok
}
