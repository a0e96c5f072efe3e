package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/supervisor"
)

// ServerRecordRequest is the admin CRUD body for one server record.
type ServerRecordRequest struct {
	ID string `json:"id"`
	config.ServerConfig
}

// ServerRecordResponse joins the configuration with the live snapshot.
type ServerRecordResponse struct {
	ID       string              `json:"id"`
	Config   config.ServerConfig `json:"config"`
	Snapshot supervisor.Snapshot `json:"snapshot"`
}

// listServersHandler handles GET /api/servers.
func (s *Server) listServersHandler(c *echo.Context) error {
	snaps := s.sup.List()
	out := make([]ServerRecordResponse, 0, len(snaps))
	for _, snap := range snaps {
		cfg, err := s.registry.Get(snap.ID)
		if err != nil {
			continue
		}
		out = append(out, ServerRecordResponse{ID: snap.ID, Config: cfg, Snapshot: snap})
	}
	return c.JSON(http.StatusOK, out)
}

// getServerHandler handles GET /api/servers/:id.
func (s *Server) getServerHandler(c *echo.Context) error {
	id := c.Param("id")
	cfg, err := s.registry.Get(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, ErrorBody{
			ErrorKind: "not_found", Message: "server " + strconv.Quote(id) + " not found",
		})
	}
	snap, err := s.sup.Status(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, ServerRecordResponse{ID: id, Config: cfg, Snapshot: snap})
}

// createServerHandler handles POST /api/servers.
func (s *Server) createServerHandler(c *echo.Context) error {
	var req ServerRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed server record body",
		})
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "id is required",
		})
	}
	cfg := config.ApplyServerDefaults(req.ServerConfig)
	if err := config.ValidateServer(req.ID, cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: err.Error(),
		})
	}

	lock := s.adminLock(req.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.registry.Has(req.ID) {
		return echo.NewHTTPError(http.StatusConflict, ErrorBody{
			ErrorKind: "invalid_state", Message: "server " + strconv.Quote(req.ID) + " already exists",
		})
	}
	s.registry.Put(req.ID, cfg)
	s.persistRecord(c, req.ID, cfg)
	s.logger.Info("Server record created", "server", req.ID)

	snap, err := s.sup.Status(req.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, ServerRecordResponse{ID: req.ID, Config: cfg, Snapshot: snap})
}

// updateServerHandler handles PUT /api/servers/:id. A running child keeps its
// old configuration until the next start.
func (s *Server) updateServerHandler(c *echo.Context) error {
	id := c.Param("id")

	var cfg config.ServerConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed server record body",
		})
	}
	cfg = config.ApplyServerDefaults(cfg)
	if err := config.ValidateServer(id, cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: err.Error(),
		})
	}

	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()

	if !s.registry.Has(id) {
		return echo.NewHTTPError(http.StatusNotFound, ErrorBody{
			ErrorKind: "not_found", Message: "server " + strconv.Quote(id) + " not found",
		})
	}
	s.registry.Put(id, cfg)
	s.persistRecord(c, id, cfg)
	s.logger.Info("Server record updated", "server", id)

	snap, err := s.sup.Status(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, ServerRecordResponse{ID: id, Config: cfg, Snapshot: snap})
}

// deleteServerHandler handles DELETE /api/servers/:id, stopping the child
// first when it is still running.
func (s *Server) deleteServerHandler(c *echo.Context) error {
	id := c.Param("id")

	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()

	if !s.registry.Has(id) {
		return echo.NewHTTPError(http.StatusNotFound, ErrorBody{
			ErrorKind: "not_found", Message: "server " + strconv.Quote(id) + " not found",
		})
	}

	if snap, err := s.sup.Status(id); err == nil && snap.Running {
		if err := s.sup.Stop(c.Request().Context(), id, false); err != nil {
			return mapError(err)
		}
	}
	if err := s.sup.Forget(id); err != nil {
		return mapError(err)
	}
	s.registry.Delete(id)
	if s.store != nil {
		if err := s.store.DeleteRecord(c.Request().Context(), id); err != nil {
			s.logger.Error("Failed to delete persisted record", "server", id, "error", err)
		}
	}
	s.logger.Info("Server record deleted", "server", id)
	return c.NoContent(http.StatusNoContent)
}

// startServerHandler handles POST /api/servers/:id/start.
func (s *Server) startServerHandler(c *echo.Context) error {
	id := c.Param("id")
	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.sup.Start(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return s.respondSnapshot(c, id)
}

// stopServerHandler handles POST /api/servers/:id/stop?force=.
func (s *Server) stopServerHandler(c *echo.Context) error {
	id := c.Param("id")
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.sup.Stop(c.Request().Context(), id, force); err != nil {
		return mapError(err)
	}
	return s.respondSnapshot(c, id)
}

// restartServerHandler handles POST /api/servers/:id/restart.
func (s *Server) restartServerHandler(c *echo.Context) error {
	id := c.Param("id")
	lock := s.adminLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.sup.Restart(c.Request().Context(), id, supervisor.ReasonManual); err != nil {
		return mapError(err)
	}
	return s.respondSnapshot(c, id)
}

// serverLogsHandler handles GET /api/servers/:id/logs?lines=.
func (s *Server) serverLogsHandler(c *echo.Context) error {
	return s.tailLogs(c, c.Param("id"))
}

func (s *Server) respondSnapshot(c *echo.Context, id string) error {
	snap, err := s.sup.Status(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// persistRecord writes the record through to the database when persistence
// is enabled. Persistence failures are logged, not surfaced: the in-memory
// registry is the source of truth for the running process.
func (s *Server) persistRecord(c *echo.Context, id string, cfg config.ServerConfig) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRecord(c.Request().Context(), id, cfg); err != nil {
		s.logger.Error("Failed to persist server record", "server", id, "error", err)
	}
}
