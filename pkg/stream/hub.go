// Package stream manages SSE stream sessions: bounded bridges between a
// child's JSON-RPC notifications and one HTTP client each.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
)

// CompletionStatus labels how a stream session terminated. This is a separate
// dimension from the global error classification: a stream can fail for a
// reason that is not a gateway error (client went away).
type CompletionStatus string

const (
	StatusCompleted     CompletionStatus = "completed"
	StatusBrokenPipe    CompletionStatus = "broken_pipe"
	StatusTimeout       CompletionStatus = "timeout"
	StatusUpstreamError CompletionStatus = "upstream_error"
)

// sessionBuffer is the per-session notification queue depth. Sized to the
// largest burst a child realistically emits between client writes; overflow
// drops frames rather than blocking the reader loop.
const sessionBuffer = 64

// Session is one open stream: the notification queue and a termination
// signal. The token correlates the session with its child-side request.
type Session struct {
	Token string

	ch     chan *jsonrpc.Frame
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	reason CompletionStatus
}

// Frames returns the ordered notification queue.
func (s *Session) Frames() <-chan *jsonrpc.Frame { return s.ch }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns the completion status after Done is closed.
func (s *Session) Reason() CompletionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) terminate(reason CompletionStatus) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Hub fans child notifications out to the active sessions of one child. It is
// the mux's NotificationSink; delivery preserves arrival order per session.
type Hub struct {
	serverID string

	mu       sync.Mutex
	sessions map[string]*Session

	logger *slog.Logger
}

// NewHub creates an empty hub for one child.
func NewHub(serverID string) *Hub {
	return &Hub{
		serverID: serverID,
		sessions: make(map[string]*Session),
		logger:   slog.Default().With("server", serverID),
	}
}

// Open registers a session under the given correlation token.
func (h *Hub) Open(token string) *Session {
	s := &Session{
		Token: token,
		ch:    make(chan *jsonrpc.Frame, sessionBuffer),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[token] = s
	h.mu.Unlock()
	return s
}

// Close terminates and removes a session. Closing an unknown token is a
// no-op.
func (h *Hub) Close(token string, reason CompletionStatus) {
	h.mu.Lock()
	s, ok := h.sessions[token]
	if ok {
		delete(h.sessions, token)
	}
	h.mu.Unlock()
	if ok {
		s.terminate(reason)
	}
}

// CloseAll terminates every session, used when the child exits.
func (h *Hub) CloseAll(reason CompletionStatus) {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.terminate(reason)
	}
}

// ActiveCount returns the number of open sessions.
func (h *Hub) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Deliver routes one notification frame. When the frame carries a progress
// token matching a session it goes to that session alone; otherwise it is
// broadcast to every open session. A full session buffer drops the frame for
// that session so one slow client cannot stall the reader loop.
func (h *Hub) Deliver(frame *jsonrpc.Frame) {
	token := progressToken(frame.Params)

	h.mu.Lock()
	var targets []*Session
	if token != "" {
		if s, ok := h.sessions[token]; ok {
			targets = []*Session{s}
		}
	}
	if targets == nil {
		targets = make([]*Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- frame:
		default:
			h.logger.Warn("Stream session buffer full, dropping notification",
				"token", s.Token, "method", frame.Method)
		}
	}
}

// progressToken extracts the MCP progress token from notification params.
func progressToken(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		ProgressToken json.RawMessage `json:"progressToken"`
		Meta          struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	raw := p.ProgressToken
	if len(raw) == 0 {
		raw = p.Meta.ProgressToken
	}
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return string(raw)
	}
	return ""
}
