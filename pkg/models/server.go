package models

import (
	"encoding/json"
	"time"
)

// MCPServer is an operator-registered MCP tool server. The capability caches
// are the authoritative source of tool declarations injected into upstream
// requests; they are refreshed only by an explicit sync, never per turn.
// Concurrent writers coordinate through the version column (compare-and-swap).
type MCPServer struct {
	ID             int64           `json:"id"`
	ServerID       string          `json:"server_id"`
	Name           string          `json:"name"`
	BaseURL        string          `json:"base_url"`
	APIKeyEnc      *string         `json:"-"`
	Transport      TransportKind   `json:"transport"`
	Status         ServerStatus    `json:"status"`
	SyncStatus     SyncStatus      `json:"sync_status"`
	ToolsCache     json.RawMessage `json:"tools_cache,omitempty"`
	ResourcesCache json.RawMessage `json:"resources_cache,omitempty"`
	PromptsCache   json.RawMessage `json:"prompts_cache,omitempty"`
	LastSyncedAt   *time.Time      `json:"last_synced_at,omitempty"`
	Version        int64           `json:"version"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// CachedTool is one entry of a server's tools cache.
type CachedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CachedTools decodes the tools cache. An empty cache decodes to nil.
func (s *MCPServer) CachedTools() ([]CachedTool, error) {
	if len(s.ToolsCache) == 0 {
		return nil, nil
	}
	var tools []CachedTool
	if err := json.Unmarshal(s.ToolsCache, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// ToolApprovalPolicy is a per-(server, tool) approval decision.
// Absence of a row means NEVER (auto-execute).
type ToolApprovalPolicy struct {
	ID       int64          `json:"id"`
	ServerID string         `json:"server_id"`
	ToolName string         `json:"tool_name"`
	Policy   ApprovalPolicy `json:"policy"`
}
