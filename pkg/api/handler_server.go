package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/services"
)

// CreateServerRequest is the HTTP request body for POST /mcp/servers.
type CreateServerRequest struct {
	ServerID  string  `json:"server_id"`
	Name      string  `json:"name"`
	BaseURL   string  `json:"base_url"`
	APIKey    *string `json:"api_key,omitempty"`
	Transport string  `json:"transport"`
}

// UpdateServerRequest is the HTTP request body for PUT /mcp/servers/:id.
// Omitted fields are left unchanged; server_id is immutable.
type UpdateServerRequest struct {
	Name      *string `json:"name,omitempty"`
	BaseURL   *string `json:"base_url,omitempty"`
	APIKey    *string `json:"api_key,omitempty"`
	Transport *string `json:"transport,omitempty"`
}

// listServersHandler handles GET /api/v1/mcp/servers.
func (s *Server) listServersHandler(c *echo.Context) error {
	servers, err := s.servers.ListServers(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, servers)
}

// createServerHandler handles POST /api/v1/mcp/servers.
func (s *Server) createServerHandler(c *echo.Context) error {
	var req CreateServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	srv, err := s.servers.CreateServer(c.Request().Context(), services.CreateServerInput{
		ServerID:  req.ServerID,
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
		Transport: req.Transport,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, srv)
}

// getServerHandler handles GET /api/v1/mcp/servers/:id.
func (s *Server) getServerHandler(c *echo.Context) error {
	srv, err := s.servers.GetServer(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, srv)
}

// updateServerHandler handles PUT /api/v1/mcp/servers/:id.
func (s *Server) updateServerHandler(c *echo.Context) error {
	var req UpdateServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	srv, err := s.servers.UpdateServer(c.Request().Context(), c.Param("id"), services.UpdateServerInput{
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
		Transport: req.Transport,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, srv)
}

// deleteServerHandler handles DELETE /api/v1/mcp/servers/:id.
func (s *Server) deleteServerHandler(c *echo.Context) error {
	if err := s.servers.DeleteServer(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// verifyServerHandler handles POST /api/v1/mcp/servers/:id/verify.
// A failed probe is reported in the body with a 200, not as an HTTP error.
func (s *Server) verifyServerHandler(c *echo.Context) error {
	result, err := s.servers.Verify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// syncServerHandler handles POST /api/v1/mcp/servers/:id/sync.
func (s *Server) syncServerHandler(c *echo.Context) error {
	srv, err := s.servers.Sync(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, srv)
}

// getCapabilitiesHandler handles GET /api/v1/mcp/servers/:id/capabilities.
func (s *Server) getCapabilitiesHandler(c *echo.Context) error {
	caps, err := s.servers.GetCapabilities(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, caps)
}

// serverStatusStreamHandler handles GET /api/v1/mcp/servers/:id/status/stream.
// It streams status transitions as SSE until the client disconnects; the
// first event is the current state.
func (s *Server) serverStatusStreamHandler(c *echo.Context) error {
	updates, cancel, err := s.servers.WatchStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	defer cancel()

	w := openSSE(c)
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(update)
			if err != nil {
				continue
			}
			if err := w.send("server.status", data); err != nil {
				return nil
			}
		}
	}
}
