package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client is the facade through which the rest of the application talks to
// MCP servers. Sessions come from the registry; every call carries the
// operation timeout.
type Client struct {
	registry  *Registry
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewClient creates a facade over the registry.
func NewClient(registry *Registry) *Client {
	return &Client{
		registry:  registry,
		opTimeout: registry.cfg.OperationTimeout,
		logger:    slog.Default(),
	}
}

// ListTools returns the tool declarations of a server.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	session, err := c.registry.GetSession(ctx, serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, &mcpsdk.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	return result.Tools, nil
}

// ListResources returns the resource declarations of a server.
func (c *Client) ListResources(ctx context.Context, serverID string) ([]*mcpsdk.Resource, error) {
	session, err := c.registry.GetSession(ctx, serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	result, err := session.ListResources(opCtx, &mcpsdk.ListResourcesParams{})
	if err != nil {
		return nil, fmt.Errorf("list resources from %q: %w", serverID, err)
	}
	return result.Resources, nil
}

// ListPrompts returns the prompt declarations of a server.
func (c *Client) ListPrompts(ctx context.Context, serverID string) ([]*mcpsdk.Prompt, error) {
	session, err := c.registry.GetSession(ctx, serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	result, err := session.ListPrompts(opCtx, &mcpsdk.ListPromptsParams{})
	if err != nil {
		return nil, fmt.Errorf("list prompts from %q: %w", serverID, err)
	}
	return result.Prompts, nil
}

// CallTool executes a tool on a server. Transport failures get one retry on
// a fresh session after a jittered backoff; a result with isError=true is
// returned as *ToolError carrying the server's error text.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return checkResult(serverID, toolName, result)
	}

	if ClassifyError(err) != RetryNewSession {
		return nil, err
	}

	c.logger.Info("MCP call failed, retrying on a fresh session",
		"server", serverID, "tool", toolName, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Drop the broken session so the registry re-dials.
	c.registry.CloseSession(ctx, serverID)

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return checkResult(serverID, toolName, result)
}

func (c *Client) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := c.registry.GetSession(ctx, serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, params)
	if err != nil {
		return nil, fmt.Errorf("call tool %q on %q: %w", params.Name, serverID, err)
	}
	return result, nil
}

func checkResult(serverID, toolName string, result *mcpsdk.CallToolResult) (*mcpsdk.CallToolResult, error) {
	if result.IsError {
		return nil, &ToolError{
			ServerID: serverID,
			ToolName: toolName,
			Text:     ResultText(result),
		}
	}
	return result, nil
}

// ResultText flattens a tool result's content blocks into one string.
// Non-text blocks are rendered as JSON.
func ResultText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
			continue
		}
		if raw, err := json.Marshal(content); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

// ResultJSON serializes a tool result's content for persistence.
func ResultJSON(result *mcpsdk.CallToolResult) json.RawMessage {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(result.Content)
	if err != nil {
		return nil
	}
	return raw
}
