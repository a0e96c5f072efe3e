package stream

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
)

func notif(method string, params string) *jsonrpc.Frame {
	f := &jsonrpc.Frame{JSONRPC: "2.0", Method: method}
	if params != "" {
		f.Params = json.RawMessage(params)
	}
	return f
}

func TestHub_BroadcastPreservesOrder(t *testing.T) {
	h := NewHub("demo")
	s := h.Open("42")

	for i := 0; i < 5; i++ {
		h.Deliver(notif(fmt.Sprintf("n%d", i), ""))
	}

	for i := 0; i < 5; i++ {
		select {
		case f := <-s.Frames():
			assert.Equal(t, fmt.Sprintf("n%d", i), f.Method)
		default:
			t.Fatalf("missing frame %d", i)
		}
	}
}

func TestHub_ProgressTokenRouting(t *testing.T) {
	h := NewHub("demo")
	a := h.Open("a")
	b := h.Open("b")

	h.Deliver(notif("notifications/progress", `{"progressToken":"a","progress":1}`))

	select {
	case f := <-a.Frames():
		assert.Equal(t, "notifications/progress", f.Method)
	default:
		t.Fatal("session a should have received the frame")
	}
	select {
	case <-b.Frames():
		t.Fatal("session b must not receive a frame addressed to a")
	default:
	}

	// Unknown token falls back to broadcast.
	h.Deliver(notif("notifications/message", `{"progressToken":"zzz"}`))
	assert.Len(t, a.Frames(), 1)
	assert.Len(t, b.Frames(), 1)
}

func TestHub_CloseTerminatesOnce(t *testing.T) {
	h := NewHub("demo")
	s := h.Open("x")

	h.Close("x", StatusCompleted)
	h.Close("x", StatusBrokenPipe) // no-op: already removed

	<-s.Done()
	assert.Equal(t, StatusCompleted, s.Reason())
	assert.Equal(t, 0, h.ActiveCount())
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub("demo")
	a := h.Open("a")
	b := h.Open("b")
	require.Equal(t, 2, h.ActiveCount())

	h.CloseAll(StatusUpstreamError)

	<-a.Done()
	<-b.Done()
	assert.Equal(t, StatusUpstreamError, a.Reason())
	assert.Equal(t, StatusUpstreamError, b.Reason())
	assert.Equal(t, 0, h.ActiveCount())
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub("demo")
	s := h.Open("x")

	// Fill past the buffer; Deliver must never block.
	for i := 0; i < sessionBuffer+10; i++ {
		h.Deliver(notif("n", ""))
	}
	assert.Len(t, s.Frames(), sessionBuffer)
}

func TestProgressToken_Forms(t *testing.T) {
	assert.Equal(t, "abc", progressToken(json.RawMessage(`{"progressToken":"abc"}`)))
	assert.Equal(t, "7", progressToken(json.RawMessage(`{"progressToken":7}`)))
	assert.Equal(t, "abc", progressToken(json.RawMessage(`{"_meta":{"progressToken":"abc"}}`)))
	assert.Equal(t, "", progressToken(json.RawMessage(`{}`)))
	assert.Equal(t, "", progressToken(nil))
}
