package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// emptySchema is a minimal valid JSON Schema for test tools.
var emptySchema = json.RawMessage(`{"type":"object"}`)

// startInMemoryServer runs an in-memory MCP server with the given tools and
// wires the registry's connect path to it.
func startInMemoryServer(t *testing.T, r *Registry, tools map[string]mcpsdk.ToolHandler) {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name: "relay-test", Version: "test",
	}, nil)
	for toolName, handler := range tools {
		server.AddTool(&mcpsdk.Tool{
			Name:        toolName,
			Description: "test tool: " + toolName,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()

	r.connect = func(ctx context.Context, _ *models.MCPServer, _ string) (Session, error) {
		sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
			Name: "relay-test", Version: "test",
		}, nil)
		return sdkClient.Connect(ctx, clientTransport, nil)
	}
}

func TestClient_ListTools(t *testing.T) {
	r, _ := newTestRegistry(t, "weather")
	startInMemoryServer(t, r, map[string]mcpsdk.ToolHandler{
		"get_forecast": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny"}}}, nil
		},
		"get_alerts": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "none"}}}, nil
		},
	})
	client := NewClient(r)

	tools, err := client.ListTools(context.Background(), "weather")
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"get_forecast", "get_alerts"}, names)
}

func TestClient_CallTool(t *testing.T) {
	r, _ := newTestRegistry(t, "weather")
	startInMemoryServer(t, r, map[string]mcpsdk.ToolHandler{
		"get_forecast": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
			city, _ := args["city"].(string)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "forecast for " + city}},
			}, nil
		},
	})
	client := NewClient(r)

	result, err := client.CallTool(context.Background(), "weather", "get_forecast", map[string]any{"city": "Brno"})
	require.NoError(t, err)
	assert.Equal(t, "forecast for Brno", ResultText(result))
}

func TestClient_CallTool_IsErrorBecomesToolError(t *testing.T) {
	r, _ := newTestRegistry(t, "weather")
	startInMemoryServer(t, r, map[string]mcpsdk.ToolHandler{
		"get_forecast": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "city unknown"}},
			}, nil
		},
	})
	client := NewClient(r)

	_, err := client.CallTool(context.Background(), "weather", "get_forecast", map[string]any{"city": "Nowhere"})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "weather", toolErr.ServerID)
	assert.Equal(t, "get_forecast", toolErr.ToolName)
	assert.Equal(t, "city unknown", toolErr.Text)
}

func TestClient_CallTool_RetriesOnFreshSession(t *testing.T) {
	r, _ := newTestRegistry(t, "weather")

	// The first session fails at transport level; the redial succeeds.
	var connects atomic.Int32
	r.connect = func(_ context.Context, _ *models.MCPServer, _ string) (Session, error) {
		s := &fakeSession{}
		if connects.Add(1) == 1 {
			s.callFn = func(_ *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
				return nil, errors.New("connection reset by peer")
			}
		}
		return s, nil
	}
	client := NewClient(r)

	result, err := client.CallTool(context.Background(), "weather", "get_forecast", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", ResultText(result))
	assert.Equal(t, int32(2), connects.Load())
}

func TestClient_CallTool_NoRetryOnProtocolError(t *testing.T) {
	r, _ := newTestRegistry(t, "weather")

	var connects atomic.Int32
	r.connect = func(_ context.Context, _ *models.MCPServer, _ string) (Session, error) {
		connects.Add(1)
		return &fakeSession{
			callFn: func(_ *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
				return nil, errors.New("invalid params")
			},
		}, nil
	}
	client := NewClient(r)

	_, err := client.CallTool(context.Background(), "weather", "get_forecast", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), connects.Load())
}

func TestResultJSON(t *testing.T) {
	result := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "hello"}},
	}
	raw := ResultJSON(result)
	require.NotEmpty(t, raw)
	assert.Contains(t, string(raw), "hello")

	assert.Nil(t, ResultJSON(nil))
}
