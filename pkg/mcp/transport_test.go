package mcp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func TestCreateTransport_StreamableHTTP(t *testing.T) {
	srv := &models.MCPServer{
		ServerID:  "weather",
		BaseURL:   "https://mcp.example.com/v1",
		Transport: models.TransportStreamableHTTP,
	}

	transport, err := createTransport(srv, "")
	require.NoError(t, err)

	httpTransport, ok := transport.(*mcpsdk.StreamableClientTransport)
	require.True(t, ok)
	assert.Equal(t, "https://mcp.example.com/v1", httpTransport.Endpoint)
	assert.Nil(t, httpTransport.HTTPClient) // No custom client needed
}

func TestCreateTransport_SSE(t *testing.T) {
	srv := &models.MCPServer{
		ServerID:  "weather",
		BaseURL:   "https://mcp.example.com/sse",
		Transport: models.TransportSSE,
	}

	transport, err := createTransport(srv, "")
	require.NoError(t, err)

	sseTransport, ok := transport.(*mcpsdk.SSEClientTransport)
	require.True(t, ok)
	assert.Equal(t, "https://mcp.example.com/sse", sseTransport.Endpoint)
}

func TestCreateTransport_WithCredential(t *testing.T) {
	srv := &models.MCPServer{
		ServerID:  "weather",
		BaseURL:   "https://mcp.example.com/v1",
		Transport: models.TransportStreamableHTTP,
	}

	transport, err := createTransport(srv, "sk-weather")
	require.NoError(t, err)

	httpTransport, ok := transport.(*mcpsdk.StreamableClientTransport)
	require.True(t, ok)
	assert.NotNil(t, httpTransport.HTTPClient)
}

func TestCreateTransport_MissingURL(t *testing.T) {
	srv := &models.MCPServer{
		ServerID:  "weather",
		Transport: models.TransportSSE,
	}

	_, err := createTransport(srv, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no base URL")
}

func TestCreateTransport_UnknownKind(t *testing.T) {
	srv := &models.MCPServer{
		ServerID:  "weather",
		BaseURL:   "https://mcp.example.com/v1",
		Transport: "GRPC",
	}

	_, err := createTransport(srv, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport type")
}

func TestBearerTokenTransport_SetsHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	client := buildHTTPClient("sk-weather")
	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer sk-weather", gotAuth)
}
