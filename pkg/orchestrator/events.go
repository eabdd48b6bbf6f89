// Package orchestrator runs streaming turns end to end: it consumes the
// upstream Responses SSE stream, mirrors events to the client, persists
// conversation state, and drives approval and tool-execution round trips.
package orchestrator

import (
	"encoding/json"
	"log/slog"
)

// Client-facing event names synthesized by the orchestrator. Upstream
// `response.*` events are forwarded under their own names.
const (
	EventConversationReady  = "conversation.ready"
	EventConversationStatus = "conversation.status"
	EventApprovalRequired   = "approval_required"
	EventError              = "error"
)

// ClientEvent is one SSE frame sent to the downstream client.
type ClientEvent struct {
	Type string
	Data json.RawMessage
}

// newEvent builds a ClientEvent from any JSON-encodable payload.
func newEvent(eventType string, payload any) ClientEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode client event", "type", eventType, "error", err)
		data = []byte(`{}`)
	}
	return ClientEvent{Type: eventType, Data: data}
}

// errorEvent reports a failure to the client without ending the stream.
func errorEvent(code, message string) ClientEvent {
	return newEvent(EventError, map[string]string{
		"code":    code,
		"message": message,
	})
}

// conversationReadyPayload opens every stream.
type conversationReadyPayload struct {
	ID         int64   `json:"id"`
	Title      *string `json:"title"`
	Status     string  `json:"status"`
	ResponseID *string `json:"response_id"`
}

// conversationStatusPayload closes every stream.
type conversationStatusPayload struct {
	Status           string  `json:"status"`
	CompletionReason *string `json:"completion_reason"`
}

// approvalRequiredPayload asks the human to approve a gated tool call.
type approvalRequiredPayload struct {
	ApprovalRequestID string          `json:"approval_request_id"`
	ServerLabel       string          `json:"server_label"`
	ToolName          string          `json:"tool_name"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
}
