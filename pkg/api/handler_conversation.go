package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// listConversationsHandler handles GET /api/v1/conversations.
func (s *Server) listConversationsHandler(c *echo.Context) error {
	conversations, err := s.conversations.ListConversations(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, conversations)
}

// getConversationHandler handles GET /api/v1/conversations/:id. The response
// includes the full transcript: messages and tool calls.
func (s *Server) getConversationHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id must be a positive integer")
	}

	detail, err := s.conversations.GetConversationDetail(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, detail)
}
