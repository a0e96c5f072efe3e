package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// maxLineBytes bounds one stdio frame. Children emitting larger documents are
// treated as broken.
const maxLineBytes = 10 * 1024 * 1024

// NotificationSink receives id-less frames from the child, in arrival order.
// Implemented by the stream hub; nil sinks drop notifications.
type NotificationSink interface {
	Deliver(frame *Frame)
}

// callResult is the single terminal event of a pending call.
type callResult struct {
	frame *Frame
	err   error
}

// Mux owns the stdio conversation with one child: an exclusive writer around
// stdin and a single reader loop over stdout. Concurrent callers are
// correlated by gateway-assigned monotone ids; replies may arrive out of
// order.
type Mux struct {
	serverID string
	stdin    io.Writer
	writeMu  sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan callResult
	closed   bool
	closeErr error

	nextID atomic.Int64
	sink   NotificationSink
	logger *slog.Logger

	hookOnce         sync.Once
	onTransportError func(error)
}

// NewMux creates a multiplexer over the child's stdin. The reader loop is
// started separately via ReadLoop so the supervisor owns the goroutine.
func NewMux(serverID string, stdin io.Writer, sink NotificationSink) *Mux {
	return &Mux{
		serverID: serverID,
		stdin:    stdin,
		pending:  make(map[int64]chan callResult),
		sink:     sink,
		logger:   slog.Default().With("server", serverID),
	}
}

// Call forwards one request to the child and waits for the correlated reply.
// The id is assigned by the gateway; the ctx deadline bounds the wait.
// Cancellation removes the pending entry; a late reply is logged and dropped.
func (m *Mux) Call(ctx context.Context, method string, params json.RawMessage) (*Frame, error) {
	id := m.nextID.Add(1)

	ch := make(chan callResult, 1)
	m.mu.Lock()
	if m.closed {
		err := m.closeErr
		m.mu.Unlock()
		return nil, fluiderr.Wrap(fluiderr.KindIOError, err, "child %q transport closed", m.serverID)
	}
	m.pending[id] = ch
	m.mu.Unlock()

	frame := Frame{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
	if err := m.write(&frame); err != nil {
		m.unregister(id)
		// A broken stdin means every outstanding call is dead too.
		m.failTransport(err)
		return nil, fluiderr.Wrap(fluiderr.KindIOError, err, "write to child %q", m.serverID)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-ctx.Done():
		m.unregister(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fluiderr.Wrap(fluiderr.KindTimeout, ctx.Err(), "call %s to %q timed out", method, m.serverID)
		}
		// The caller went away mid-call; tell the child so it can abandon
		// the work. Best effort, the pending entry is already gone.
		_ = m.Notify("notifications/cancelled", map[string]any{"requestId": id})
		return nil, ctx.Err()
	}
}

// OnTransportError registers fn to run once if writing to the child's stdin
// fails while the process may still be alive. Set before the mux is shared.
func (m *Mux) OnTransportError(fn func(error)) {
	m.onTransportError = fn
}

// failTransport fails every pending call and fires the transport-error hook.
func (m *Mux) failTransport(err error) {
	m.FailAll(err)
	if m.onTransportError != nil {
		m.hookOnce.Do(func() { m.onTransportError(err) })
	}
}

// Notify sends an id-less frame to the child (no reply expected). Sent when a
// caller abandons a pending call so the child can stop working on it.
func (m *Mux) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return m.write(&Frame{JSONRPC: Version, Method: method, Params: raw})
}

// write serialises one frame and emits it with a terminating newline under
// the write lock. Writes to stdin are totally ordered.
func (m *Mux) write(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err = m.stdin.Write(data)
	return err
}

// ReadLoop consumes the child's stdout line by line until EOF or a read
// error, dispatching each frame. It must run on exactly one goroutine per
// child. On return every pending call has been failed.
func (m *Mux) ReadLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			// Children may emit diagnostic text on stdout; not fatal.
			m.logger.Debug("Discarding non-JSON line from child", "error", err)
			continue
		}
		m.dispatch(&frame)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	m.FailAll(fluiderr.Wrap(fluiderr.KindIOError, err, "child %q stdout closed", m.serverID))
}

// dispatch routes one inbound frame: matching pending call, notification
// sink, or the floor.
func (m *Mux) dispatch(frame *Frame) {
	if frame.IsResponse() {
		id, err := strconv.ParseInt(string(frame.ID), 10, 64)
		if err != nil {
			m.logger.Debug("Response with non-numeric id, dropping", "id", string(frame.ID))
			return
		}
		ch, ok := m.take(id)
		if !ok {
			// Cancelled or timed-out caller; the reply arrived too late.
			m.logger.Debug("Late reply for unknown id, dropping", "id", id)
			return
		}
		ch <- callResult{frame: frame}
		return
	}

	if frame.IsNotification() {
		if m.sink != nil {
			m.sink.Deliver(frame)
		}
		return
	}

	m.logger.Debug("Unmatched frame from child, dropping", "method", frame.Method)
}

// take removes and returns the pending channel for id.
func (m *Mux) take(id int64) (chan callResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return ch, ok
}

// unregister drops a pending entry after caller-side cancellation.
func (m *Mux) unregister(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// FailAll fulfils every pending call with a transport error and marks the mux
// closed. Safe to call more than once; later calls keep the first error.
func (m *Mux) FailAll(err error) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.closeErr = err
	}
	pending := m.pending
	m.pending = make(map[int64]chan callResult)
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// PendingCount returns the number of unresolved calls.
func (m *Mux) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
