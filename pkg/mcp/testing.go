package mcp

import (
	"context"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/secret"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// ConnectFunc mirrors the registry's internal dial function. It exists so
// test infrastructure outside this package can wire in-memory MCP servers
// without going through real transport creation.
type ConnectFunc func(ctx context.Context, srv *models.MCPServer, apiKey string) (Session, error)

// NewTestRegistry creates a Registry whose handshake path is served by
// connect instead of a network transport.
func NewTestRegistry(servers store.ServerStore, secrets *secret.Service, cfg config.MCPConfig, connect ConnectFunc) *Registry {
	r := NewRegistry(servers, secrets, cfg)
	if connect != nil {
		r.connect = connectFunc(connect)
	}
	return r
}
