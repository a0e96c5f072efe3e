package supervisor

import (
	"strings"
	"sync"
)

// DefaultStderrLines is the stderr ring buffer depth per child.
const DefaultStderrLines = 10000

// RingBuffer is a bounded, concurrency-safe line buffer holding the tail of a
// child's stderr. It survives the child: stops retain the buffer so operators
// can inspect the last output of a dead process.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRingBuffer creates a buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultStderrLines
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (r *RingBuffer) Append(line string) {
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Tail returns the most recent n lines, oldest first.
func (r *RingBuffer) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.size()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// Len returns the number of buffered lines.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size()
}

func (r *RingBuffer) size() int {
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// HasMarker reports whether any buffered line contains one of the markers
// (case-insensitive substring match).
func (r *RingBuffer) HasMarker(markers []string) bool {
	if len(markers) == 0 {
		return false
	}
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.size()
	start := r.next - size
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < size; i++ {
		line := strings.ToLower(r.lines[(start+i)%len(r.lines)])
		for _, m := range lowered {
			if strings.Contains(line, m) {
				return true
			}
		}
	}
	return false
}
