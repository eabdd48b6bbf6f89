package models

import (
	"encoding/json"
	"time"
)

// Conversation is one client-visible chat thread. A turn moves the status
// CREATED → STREAMING → {COMPLETED | INCOMPLETE | FAILED}; a later turn
// restarts the cycle at STREAMING.
type Conversation struct {
	ID               int64              `json:"id"`
	Title            *string            `json:"title,omitempty"`
	Status           ConversationStatus `json:"status"`
	ResponseID       *string            `json:"response_id,omitempty"`
	CompletionReason *string            `json:"completion_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Message is a single conversation entry. Assistant messages produced by a
// streaming turn carry the upstream item id and output index; user messages
// carry neither.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	RawJSON        []byte      `json:"raw_json,omitempty"`
	OutputIndex    *int        `json:"output_index,omitempty"`
	ItemID         *string     `json:"item_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ToolCall records one tool invocation requested by the upstream model.
// (conversation_id, item_id) is the merge key for all upserts.
type ToolCall struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Type           ToolCallType    `json:"type"`
	Name           *string         `json:"name,omitempty"`
	ItemID         string          `json:"item_id"`
	ArgumentsJSON  json.RawMessage `json:"arguments_json,omitempty"`
	ResultJSON     json.RawMessage `json:"result_json,omitempty"`
	Status         ToolCallStatus  `json:"status"`
	StatusDetail   *string         `json:"status_detail,omitempty"`
	ServerID       *string         `json:"server_id,omitempty"`
	OutputIndex    *int            `json:"output_index,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
