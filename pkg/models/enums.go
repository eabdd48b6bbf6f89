// Package models defines the domain entities persisted by the store layer.
//
// All enums are persisted as uppercase strings with explicit parse/serialize;
// ordinal stability is never relied upon.
package models

import "fmt"

// ConversationStatus is the lifecycle state of a conversation turn.
type ConversationStatus string

const (
	ConversationCreated    ConversationStatus = "CREATED"
	ConversationStreaming  ConversationStatus = "STREAMING"
	ConversationCompleted  ConversationStatus = "COMPLETED"
	ConversationIncomplete ConversationStatus = "INCOMPLETE"
	ConversationFailed     ConversationStatus = "FAILED"
)

// ParseConversationStatus validates a stored status string.
func ParseConversationStatus(s string) (ConversationStatus, error) {
	switch ConversationStatus(s) {
	case ConversationCreated, ConversationStreaming, ConversationCompleted,
		ConversationIncomplete, ConversationFailed:
		return ConversationStatus(s), nil
	}
	return "", fmt.Errorf("invalid conversation status %q", s)
}

// Terminal reports whether the status ends a turn.
func (s ConversationStatus) Terminal() bool {
	switch s {
	case ConversationCompleted, ConversationIncomplete, ConversationFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving to next is a legal lifecycle step.
// Within a turn the status only advances (CREATED -> STREAMING -> terminal);
// a new turn restarts a finished conversation at STREAMING. Same-status
// writes are idempotent.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	if s == next {
		return true
	}
	switch {
	case next == ConversationStreaming:
		return true
	case next.Terminal():
		return !s.Terminal()
	default:
		return false
	}
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleTool      MessageRole = "TOOL"
)

// ParseMessageRole validates a stored role string.
func ParseMessageRole(s string) (MessageRole, error) {
	switch MessageRole(s) {
	case RoleUser, RoleAssistant, RoleTool:
		return MessageRole(s), nil
	}
	return "", fmt.Errorf("invalid message role %q", s)
}

// ToolCallType distinguishes locally-resolved function calls from
// upstream-executed MCP calls.
type ToolCallType string

const (
	ToolCallFunction ToolCallType = "FUNCTION"
	ToolCallMCP      ToolCallType = "MCP"
)

// ParseToolCallType validates a stored tool call type string.
func ParseToolCallType(s string) (ToolCallType, error) {
	switch ToolCallType(s) {
	case ToolCallFunction, ToolCallMCP:
		return ToolCallType(s), nil
	}
	return "", fmt.Errorf("invalid tool call type %q", s)
}

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallInProgress ToolCallStatus = "IN_PROGRESS"
	ToolCallCompleted  ToolCallStatus = "COMPLETED"
	ToolCallFailed     ToolCallStatus = "FAILED"
)

// ParseToolCallStatus validates a stored tool call status string.
func ParseToolCallStatus(s string) (ToolCallStatus, error) {
	switch ToolCallStatus(s) {
	case ToolCallInProgress, ToolCallCompleted, ToolCallFailed:
		return ToolCallStatus(s), nil
	}
	return "", fmt.Errorf("invalid tool call status %q", s)
}

// Terminal reports whether the status is final for its item.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

// TransportKind selects the wire protocol used to reach an MCP server.
type TransportKind string

const (
	TransportSSE            TransportKind = "SSE"
	TransportStreamableHTTP TransportKind = "STREAMABLE_HTTP"
)

// ParseTransportKind validates a stored transport string.
func ParseTransportKind(s string) (TransportKind, error) {
	switch TransportKind(s) {
	case TransportSSE, TransportStreamableHTTP:
		return TransportKind(s), nil
	}
	return "", fmt.Errorf("invalid transport %q", s)
}

// ServerStatus is the connection state of an MCP server record.
type ServerStatus string

const (
	ServerIdle       ServerStatus = "IDLE"
	ServerConnecting ServerStatus = "CONNECTING"
	ServerConnected  ServerStatus = "CONNECTED"
	ServerError      ServerStatus = "ERROR"
)

// ParseServerStatus validates a stored server status string.
func ParseServerStatus(s string) (ServerStatus, error) {
	switch ServerStatus(s) {
	case ServerIdle, ServerConnecting, ServerConnected, ServerError:
		return ServerStatus(s), nil
	}
	return "", fmt.Errorf("invalid server status %q", s)
}

// SyncStatus tracks the capability-cache sync lifecycle.
type SyncStatus string

const (
	SyncNever  SyncStatus = "NEVER_SYNCED"
	SyncActive SyncStatus = "SYNCING"
	SyncDone   SyncStatus = "SYNCED"
	SyncFailed SyncStatus = "SYNC_FAILED"
)

// ParseSyncStatus validates a stored sync status string.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case SyncNever, SyncActive, SyncDone, SyncFailed:
		return SyncStatus(s), nil
	}
	return "", fmt.Errorf("invalid sync status %q", s)
}

// ApprovalPolicy decides whether the upstream gates a tool invocation on
// user approval.
type ApprovalPolicy string

const (
	PolicyAlways ApprovalPolicy = "ALWAYS"
	PolicyNever  ApprovalPolicy = "NEVER"
)

// ParseApprovalPolicy validates a stored policy string.
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch ApprovalPolicy(s) {
	case PolicyAlways, PolicyNever:
		return ApprovalPolicy(s), nil
	}
	return "", fmt.Errorf("invalid approval policy %q", s)
}

// Wire returns the lowercase value the upstream "require_approval" field expects.
func (p ApprovalPolicy) Wire() string {
	if p == PolicyAlways {
		return "always"
	}
	return "never"
}
