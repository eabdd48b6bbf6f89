package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/orchestrator"
)

// StreamResponsesRequest is the HTTP request body for POST /responses/stream.
// Payload is forwarded to the upstream Responses API after tool injection.
type StreamResponsesRequest struct {
	ConversationID *int64         `json:"conversation_id,omitempty"`
	Title          *string        `json:"title,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// streamResponsesHandler handles POST /api/v1/responses/stream. It starts a
// streaming turn and relays orchestrator events as SSE until the turn ends or
// the client disconnects.
func (s *Server) streamResponsesHandler(c *echo.Context) error {
	var req StreamResponsesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	events, err := s.orchestrator.StreamResponses(c.Request().Context(), orchestrator.StreamRequest{
		ConversationID: req.ConversationID,
		Title:          req.Title,
		Payload:        req.Payload,
	}, c.Request().Header.Get("Authorization"))
	if err != nil {
		return mapServiceError(err)
	}

	return s.relayEvents(c, events)
}

// relayEvents drains an orchestrator event stream into the SSE response.
// A write failure means the client is gone; the channel is still drained so
// the orchestrator can finish the turn and its persistence writes.
func (s *Server) relayEvents(c *echo.Context, events <-chan orchestrator.ClientEvent) error {
	w := openSSE(c)
	for ev := range events {
		if err := w.send(ev.Type, ev.Data); err != nil {
			s.logger.Debug("Client disconnected mid-stream", "error", err)
			for range events {
			}
			return nil
		}
	}
	return nil
}
