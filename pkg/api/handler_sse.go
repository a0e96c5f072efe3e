package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
	"github.com/fluidmcp/fluidmcp/pkg/stream"
)

// sseHandler handles POST /:serverId/sse: the body is a JSON-RPC request;
// the response is an event stream of the child's notifications followed by
// the final reply and a [DONE] marker. Failures surface as a final
// {error_kind, message} frame so clients can tell a clean completion from a
// broken one.
func (s *Server) sseHandler(c *echo.Context) error {
	serverID := c.Param("serverId")

	var req jsonrpc.ClientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed JSON-RPC request body",
		})
	}
	if req.Method == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "method is required",
		})
	}

	mux, hub, err := s.sup.Attach(serverID)
	if err != nil {
		return mapError(err)
	}

	// The session token doubles as the MCP progress token so the child can
	// address its notifications to this stream.
	token := uuid.NewString()
	params := injectProgressToken(req.Params, token)

	session := hub.Open(token)
	s.metrics.ActiveStreams.WithLabelValues(serverID).Inc()
	defer s.metrics.ActiveStreams.WithLabelValues(serverID).Dec()

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	callCtx, cancel := context.WithTimeout(c.Request().Context(), s.gateway.StreamDeadline())
	defer cancel()

	type outcome struct {
		frame *jsonrpc.Frame
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		frame, err := mux.Call(callCtx, req.Method, params)
		done <- outcome{frame: frame, err: err}
	}()

	w := c.Response()
	status := stream.StatusCompleted
	var streamErr error

loop:
	for {
		select {
		case frame := <-session.Frames():
			if err := writeSSEFrame(w, frame); err != nil {
				status = stream.StatusBrokenPipe
				break loop
			}
		case out := <-done:
			if out.err != nil {
				switch {
				case c.Request().Context().Err() != nil:
					status = stream.StatusBrokenPipe
				case fluiderr.IsKind(out.err, fluiderr.KindTimeout):
					status = stream.StatusTimeout
				default:
					status = stream.StatusUpstreamError
				}
				streamErr = out.err
				break loop
			}
			// Notifications already queued arrived before the reply; drain
			// them first to preserve child ordering.
			if err := drainSession(w, session); err != nil {
				status = stream.StatusBrokenPipe
				break loop
			}
			final := jsonrpc.ClientResponse{
				JSONRPC: jsonrpc.Version,
				ID:      req.ID,
				Result:  out.frame.Result,
				Error:   out.frame.Error,
			}
			if err := writeSSEFrame(w, final); err != nil {
				status = stream.StatusBrokenPipe
				break loop
			}
			if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
				status = stream.StatusBrokenPipe
				break loop
			}
			if f, ok := any(w).(flusher); ok {
				f.Flush()
			}
			break loop
		case <-session.Done():
			status = session.Reason()
			streamErr = fluiderr.E(fluiderr.KindIOError, "child %q terminated during stream", serverID)
			break loop
		case <-callCtx.Done():
			if c.Request().Context().Err() != nil {
				// Client went away; cancelling callCtx unregisters the
				// pending call and notifies the child so it can abandon
				// the work.
				status = stream.StatusBrokenPipe
			} else {
				status = stream.StatusTimeout
				streamErr = fluiderr.E(fluiderr.KindTimeout, "stream deadline of %s elapsed", s.gateway.StreamDeadline())
			}
			break loop
		}
	}

	hub.Close(token, status)
	if streamErr != nil && status != stream.StatusBrokenPipe {
		writeSSEError(w, streamErr)
	}
	s.metrics.StreamingRequests.WithLabelValues(serverID, string(status)).Inc()
	s.logger.Debug("Stream session closed",
		"server", serverID, "completion_status", string(status))
	return nil
}

type flusher interface {
	Flush()
}

// writeSSEFrame emits one data: frame and flushes it to the client.
func writeSSEFrame(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// writeSSEError emits the terminal error frame of a failed stream.
func writeSSEError(w io.Writer, err error) {
	_ = writeSSEFrame(w, ErrorBody{
		ErrorKind: string(fluiderr.KindOf(err)),
		Message:   err.Error(),
	})
}

// drainSession forwards every already-buffered notification without blocking.
func drainSession(w io.Writer, session *stream.Session) error {
	for {
		select {
		case frame := <-session.Frames():
			if err := writeSSEFrame(w, frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// injectProgressToken sets _meta.progressToken on the request params unless
// the client already supplied one. Non-object params pass through untouched.
func injectProgressToken(params json.RawMessage, token string) json.RawMessage {
	obj := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return params
		}
	}

	meta, _ := obj["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if _, exists := meta["progressToken"]; !exists {
		meta["progressToken"] = token
	}
	obj["_meta"] = meta

	out, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return out
}
