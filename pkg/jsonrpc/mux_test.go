package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// pipeChild simulates a stdio child: the test reads gateway frames from
// stdinR and writes child frames to stdoutW.
type pipeChild struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	scanner *bufio.Scanner
}

func newPipeChild() *pipeChild {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &pipeChild{
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
		scanner: bufio.NewScanner(stdinR),
	}
}

// readFrame reads the next frame the gateway wrote to the child's stdin.
func (p *pipeChild) readFrame(t *testing.T) Frame {
	t.Helper()
	require.True(t, p.scanner.Scan(), "expected a frame on stdin")
	var f Frame
	require.NoError(t, json.Unmarshal(p.scanner.Bytes(), &f))
	return f
}

// reply writes a response frame for the given request id.
func (p *pipeChild) reply(t *testing.T, id json.RawMessage, result string) {
	t.Helper()
	line := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`+"\n", id, result)
	_, err := p.stdoutW.Write([]byte(line))
	require.NoError(t, err)
}

func (p *pipeChild) writeLine(t *testing.T, line string) {
	t.Helper()
	_, err := p.stdoutW.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []*Frame
}

func (s *recordingSink) Deliver(f *Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *recordingSink) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Method
	}
	return out
}

func TestMux_CallRoundTrip(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)
	go mux.ReadLoop(child.stdoutR)

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := mux.Call(context.Background(), "tools/list", nil)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"tools":[{"name":"echo"}]}`, string(frame.Result))
	}()

	req := child.readFrame(t)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "tools/list", req.Method)
	child.reply(t, req.ID, `{"tools":[{"name":"echo"}]}`)

	<-done
	assert.Equal(t, 0, mux.PendingCount(), "fulfilled call must leave the pending map")
}

func TestMux_OutOfOrderReplies(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)
	go mux.ReadLoop(child.stdoutR)

	type outcome struct {
		result string
		err    error
	}
	results := make(chan outcome, 2)
	call := func(method string) {
		frame, err := mux.Call(context.Background(), method, nil)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		results <- outcome{result: string(frame.Result)}
	}
	go call("first")
	go call("second")

	reqA := child.readFrame(t)
	reqB := child.readFrame(t)

	// Answer in reverse arrival order: correlation is by id, not ordering.
	child.reply(t, reqB.ID, fmt.Sprintf(`{"for":%s}`, reqB.ID))
	child.reply(t, reqA.ID, fmt.Sprintf(`{"for":%s}`, reqA.ID))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err)
		seen[o.result] = true
	}
	assert.True(t, seen[fmt.Sprintf(`{"for":%s}`, reqA.ID)])
	assert.True(t, seen[fmt.Sprintf(`{"for":%s}`, reqB.ID)])
	assert.Equal(t, 0, mux.PendingCount())
}

func TestMux_Timeout(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)
	go mux.ReadLoop(child.stdoutR)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// Consume the request but never answer.
	go child.readFrame(t)

	_, err := mux.Call(ctx, "tools/call", nil)
	require.Error(t, err)
	assert.Equal(t, fluiderr.KindTimeout, fluiderr.KindOf(err))
	assert.Equal(t, 0, mux.PendingCount(), "timed-out call must be unregistered")
}

func TestMux_LateReplyDropped(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)
	go mux.ReadLoop(child.stdoutR)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mux.Call(ctx, "tools/call", nil)
		errCh <- err
	}()

	req := child.readFrame(t)
	cancel()

	// Cancellation notifies the child before Call returns.
	notif := child.readFrame(t)
	assert.Equal(t, "notifications/cancelled", notif.Method)
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The reply lands after cancellation: it must be silently dropped and the
	// mux must stay usable.
	child.reply(t, req.ID, `"late"`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := mux.Call(context.Background(), "ping", nil)
		assert.NoError(t, err)
		assert.JSONEq(t, `"pong"`, string(frame.Result))
	}()
	req2 := child.readFrame(t)
	child.reply(t, req2.ID, `"pong"`)
	<-done
}

func TestMux_ChildExitFailsPending(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)
	go mux.ReadLoop(child.stdoutR)

	errCh := make(chan error, 1)
	go func() {
		_, err := mux.Call(context.Background(), "tools/call", nil)
		errCh <- err
	}()
	child.readFrame(t)

	// Child exits: stdout closes.
	require.NoError(t, child.stdoutW.Close())

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, fluiderr.KindIOError, fluiderr.KindOf(err))

	// New calls fail fast once the transport is closed.
	_, err = mux.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Equal(t, fluiderr.KindIOError, fluiderr.KindOf(err))
}

func TestMux_GarbageLinesIgnored(t *testing.T) {
	child := newPipeChild()
	sink := &recordingSink{}
	mux := NewMux("demo", child.stdinW, sink)
	go mux.ReadLoop(child.stdoutR)

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := mux.Call(context.Background(), "tools/list", nil)
		assert.NoError(t, err)
		assert.JSONEq(t, `{}`, string(frame.Result))
	}()

	req := child.readFrame(t)
	child.writeLine(t, "some diagnostic output, not json")
	child.writeLine(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":1}}`)
	child.reply(t, req.ID, `{}`)
	<-done

	assert.Equal(t, []string{"notifications/progress"}, sink.methods())
}

func TestMux_NotificationOrderPreserved(t *testing.T) {
	child := newPipeChild()
	sink := &recordingSink{}
	mux := NewMux("demo", child.stdinW, sink)

	readDone := make(chan struct{})
	go func() {
		mux.ReadLoop(child.stdoutR)
		close(readDone)
	}()

	for i := 0; i < 5; i++ {
		child.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","method":"n%d"}`, i))
	}
	require.NoError(t, child.stdoutW.Close())
	<-readDone

	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4"}, sink.methods())
}

func TestMux_CancelSendsCancellation(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)
	go mux.ReadLoop(child.stdoutR)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mux.Call(ctx, "tools/call", nil)
		errCh <- err
	}()

	req := child.readFrame(t)
	cancel()

	notif := child.readFrame(t)
	assert.Equal(t, "notifications/cancelled", notif.Method)
	assert.Empty(t, notif.ID)
	assert.JSONEq(t, fmt.Sprintf(`{"requestId":%s}`, req.ID), string(notif.Params))

	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, mux.PendingCount())
}

func TestMux_WriteErrorFiresTransportHook(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)

	hooked := make(chan error, 1)
	mux.OnTransportError(func(err error) { hooked <- err })

	// Closing the read end makes every stdin write fail.
	require.NoError(t, child.stdinR.Close())

	_, err := mux.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.Equal(t, fluiderr.KindIOError, fluiderr.KindOf(err))

	select {
	case <-hooked:
	case <-time.After(time.Second):
		t.Fatal("transport hook not invoked")
	}

	// The closed transport fails fast without firing the hook again.
	_, err = mux.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Empty(t, hooked)
}

func TestMux_Notify(t *testing.T) {
	child := newPipeChild()
	mux := NewMux("demo", child.stdinW, nil)

	go func() {
		_ = mux.Notify("notifications/cancelled", map[string]any{"requestId": 7})
	}()

	frame := child.readFrame(t)
	assert.Equal(t, "notifications/cancelled", frame.Method)
	assert.Empty(t, frame.ID)
}
