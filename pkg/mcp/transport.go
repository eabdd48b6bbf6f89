package mcp

import (
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// createTransport builds an MCP SDK transport for a registered server.
// apiKey is the decrypted credential, empty when the server has none.
func createTransport(srv *models.MCPServer, apiKey string) (mcpsdk.Transport, error) {
	if srv.BaseURL == "" {
		return nil, fmt.Errorf("server %q has no base URL", srv.ServerID)
	}

	switch srv.Transport {
	case models.TransportSSE:
		transport := &mcpsdk.SSEClientTransport{Endpoint: srv.BaseURL}
		if apiKey != "" {
			transport.HTTPClient = buildHTTPClient(apiKey)
		}
		return transport, nil
	case models.TransportStreamableHTTP:
		transport := &mcpsdk.StreamableClientTransport{Endpoint: srv.BaseURL}
		if apiKey != "" {
			transport.HTTPClient = buildHTTPClient(apiKey)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", srv.Transport)
	}
}

// buildHTTPClient creates an http.Client that attaches the bearer credential.
func buildHTTPClient(apiKey string) *http.Client {
	return &http.Client{
		Transport: &bearerTokenTransport{
			base:  http.DefaultTransport,
			token: apiKey,
		},
	}
}

// bearerTokenTransport wraps an http.RoundTripper to add Authorization headers.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
