// Package store defines the persistence port for conversations, tool calls,
// MCP server registrations and approval policies, with PostgreSQL and
// in-memory adapters.
package store

import (
	"context"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// ConversationStore persists conversations and enforces the monotonic
// lifecycle: CREATED -> STREAMING -> terminal. A new turn resets a terminal
// conversation back to STREAMING.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title *string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]*models.Conversation, error)

	// UpdateConversationStatus transitions the conversation status and,
	// for terminal states, records the completion reason.
	UpdateConversationStatus(ctx context.Context, id int64, status models.ConversationStatus, completionReason *string) error

	// SetConversationResponseID records the upstream response id of the
	// latest turn, overwriting any previous value.
	SetConversationResponseID(ctx context.Context, id int64, responseID string) error
}

// MessageStore persists conversation messages. Messages carrying an item id
// are upserted on (conversation_id, item_id) so replayed finalization events
// converge to a single row.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]*models.Message, error)
}

// ToolCallStore persists tool call lifecycles keyed by (conversation_id,
// item_id). Upserts follow "first event wins" for type and name, fill
// arguments and results as they arrive, and never downgrade a terminal
// status.
type ToolCallStore interface {
	UpsertToolCall(ctx context.Context, tc *models.ToolCall) (*models.ToolCall, error)
	GetToolCall(ctx context.Context, conversationID int64, itemID string) (*models.ToolCall, error)
	ListToolCalls(ctx context.Context, conversationID int64) ([]*models.ToolCall, error)
}

// ServerStore persists MCP server registrations. Updates are guarded by the
// version column; a lost race returns ErrOptimisticConflict.
type ServerStore interface {
	CreateServer(ctx context.Context, s *models.MCPServer) (*models.MCPServer, error)
	GetServer(ctx context.Context, serverID string) (*models.MCPServer, error)
	ListServers(ctx context.Context) ([]*models.MCPServer, error)
	UpdateServer(ctx context.Context, s *models.MCPServer) (*models.MCPServer, error)
	DeleteServer(ctx context.Context, serverID string) error
}

// PolicyStore persists per-(server, tool) approval policies. Absence of a
// row means auto-execute; GetPolicy returns ErrNotFound in that case.
type PolicyStore interface {
	GetPolicy(ctx context.Context, serverID, toolName string) (*models.ToolApprovalPolicy, error)
	ListPolicies(ctx context.Context, serverID string) ([]*models.ToolApprovalPolicy, error)
	SetPolicy(ctx context.Context, serverID, toolName string, policy models.ApprovalPolicy) (*models.ToolApprovalPolicy, error)
	DeletePolicy(ctx context.Context, serverID, toolName string) error
}

// Store aggregates all persistence ports.
type Store interface {
	ConversationStore
	MessageStore
	ToolCallStore
	ServerStore
	PolicyStore
}
