package api

import (
	"io"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/health"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/supervisor"
)

// chatCompletionsHandler handles POST /api/llm/:model/v1/chat/completions.
// Streaming requests relay the provider's SSE bytes; everything else returns
// the JSON envelope.
func (s *Server) chatCompletionsHandler(c *echo.Context) error {
	modelID := c.Param("model")

	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed request body",
		})
	}

	if wantsStream(body) {
		h := c.Response().Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")

		relay := &countingWriter{w: c.Response()}
		if err := s.llm.ChatStream(c.Request().Context(), modelID, body, relay); err != nil {
			if relay.n > 0 {
				// Part of the stream already reached the client; the error
				// frame is all we can still offer.
				writeSSEError(c.Response(), err)
				return nil
			}
			return mapError(err)
		}
		return nil
	}

	payload, cached, err := s.llm.ChatCompletion(c.Request().Context(), modelID, body)
	if err != nil {
		return mapError(err)
	}
	if cached {
		c.Response().Header().Set("X-Cache", "hit")
	} else {
		c.Response().Header().Set("X-Cache", "miss")
	}
	return c.JSONBlob(http.StatusOK, payload)
}

// generateHandler handles POST /api/llm/:model/v1/generate/:kind where kind
// is image or video.
func (s *Server) generateHandler(c *echo.Context) error {
	var required config.Capability
	switch c.Param("kind") {
	case "image":
		required = config.CapabilityTextToImage
	case "video":
		required = config.CapabilityTextToVideo
	default:
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "generation kind must be image or video",
		})
	}
	return s.createPrediction(c, required)
}

// animateHandler handles POST /api/llm/:model/v1/animate (image to video).
func (s *Server) animateHandler(c *echo.Context) error {
	return s.createPrediction(c, config.CapabilityImageToVideo)
}

func (s *Server) createPrediction(c *echo.Context, required config.Capability) error {
	modelID := c.Param("model")

	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed request body",
		})
	}

	pred, err := s.llm.Generate(c.Request().Context(), modelID, required, body)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pred)
}

// predictionHandler handles GET /api/llm/predictions/:id from the status
// store, falling back to a live provider query for unknown ids.
func (s *Server) predictionHandler(c *echo.Context) error {
	pred, modelID, err := s.llm.PredictionStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"model":      modelID,
		"prediction": pred,
	})
}

// ModelStatus joins the adapter view of a model with the lifecycle view of
// its supervised engine, when it has one.
type ModelStatus struct {
	llm.ModelInfo
	IsRunning    bool           `json:"is_running"`
	RestartCount int            `json:"restart_count"`
	Health       *health.Status `json:"health,omitempty"`
}

func (s *Server) modelStatus(info llm.ModelInfo) ModelStatus {
	st := ModelStatus{ModelInfo: info}
	if !info.Supervised {
		// Remote models have no process to supervise; reachable means up.
		st.IsRunning = true
		return st
	}
	if snap, err := s.sup.Status(info.ID); err == nil {
		st.IsRunning = snap.Running
		st.RestartCount = snap.RestartCount
	}
	if hs, err := s.monitor.Report(info.ID); err == nil {
		st.Health = &hs
	}
	return st
}

// listModelsHandler handles GET /api/llm/models.
func (s *Server) listModelsHandler(c *echo.Context) error {
	infos := s.llm.List()
	out := make([]ModelStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.modelStatus(info))
	}
	return c.JSON(http.StatusOK, out)
}

// getModelHandler handles GET /api/llm/models/:id.
func (s *Server) getModelHandler(c *echo.Context) error {
	info, err := s.llm.Info(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, s.modelStatus(info))
}

// requireEngine resolves a model id to its supervised engine, rejecting
// models the gateway does not launch itself.
func (s *Server) requireEngine(id string) error {
	info, err := s.llm.Info(id)
	if err != nil {
		return err
	}
	if !info.Supervised {
		return fluiderr.E(fluiderr.KindInvalidState, "model %q has no supervised engine", id)
	}
	return nil
}

// modelRestartHandler handles POST /api/llm/models/:id/restart.
func (s *Server) modelRestartHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.requireEngine(id); err != nil {
		return mapError(err)
	}

	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()
	if err := s.sup.Restart(c.Request().Context(), id, supervisor.ReasonManual); err != nil {
		return mapError(err)
	}
	snap, err := s.sup.Status(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// modelStopHandler handles POST /api/llm/models/:id/stop?force=.
func (s *Server) modelStopHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.requireEngine(id); err != nil {
		return mapError(err)
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()
	if err := s.sup.Stop(c.Request().Context(), id, force); err != nil {
		return mapError(err)
	}
	snap, err := s.sup.Status(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// modelHealthCheckHandler handles POST /api/llm/models/:id/health-check,
// forcing an immediate probe outside the periodic loop.
func (s *Server) modelHealthCheckHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.requireEngine(id); err != nil {
		return mapError(err)
	}
	st, err := s.monitor.CheckNow(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// modelLogsHandler handles GET /api/llm/models/:id/logs?lines=.
func (s *Server) modelLogsHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.requireEngine(id); err != nil {
		return mapError(err)
	}
	return s.tailLogs(c, id)
}

// tailLogs is shared by the model and server log endpoints.
func (s *Server) tailLogs(c *echo.Context, id string) error {
	lines := 100
	if v := c.QueryParam("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
				ErrorKind: "client_error", Message: "lines must be a positive integer",
			})
		}
		lines = n
	}

	tail, err := s.sup.TailStderr(id, lines)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":    id,
		"lines": tail,
	})
}

func wantsStream(body map[string]any) bool {
	v, ok := body["stream"].(bool)
	return ok && v
}

// countingWriter flushes each chunk through to the SSE client and remembers
// whether anything was written, which decides the error reporting channel.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	if f, ok := cw.w.(flusher); ok {
		f.Flush()
	}
	return n, err
}
