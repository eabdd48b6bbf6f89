package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// ApprovalResponseRequest is the HTTP request body for
// POST /responses/approval-response.
type ApprovalResponseRequest struct {
	ConversationID    int64   `json:"conversation_id"`
	ApprovalRequestID string  `json:"approval_request_id"`
	Approve           bool    `json:"approve"`
	Reason            *string `json:"reason,omitempty"`
}

// approvalResponseHandler handles POST /api/v1/responses/approval-response.
// The decision is replayed to the upstream and the resulting turn is streamed
// back as SSE, same as a regular streaming request.
func (s *Server) approvalResponseHandler(c *echo.Context) error {
	var req ApprovalResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ConversationID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}
	if req.ApprovalRequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval_request_id is required")
	}

	events, err := s.orchestrator.SendApprovalResponse(
		c.Request().Context(),
		req.ConversationID,
		req.ApprovalRequestID,
		req.Approve,
		req.Reason,
		c.Request().Header.Get("Authorization"),
	)
	if err != nil {
		return mapServiceError(err)
	}

	return s.relayEvents(c, events)
}
