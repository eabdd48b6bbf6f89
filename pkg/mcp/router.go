package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// ErrNoRoute indicates no connected server declares the requested tool.
var ErrNoRoute = errors.New("no server declares tool")

// Router resolves a bare function name to a registered MCP server and
// executes the call. Candidates are servers whose cached tool declarations
// contain the name; caches are read, never refreshed, on this path. The
// server snapshot itself is memoized for cacheTTL so the hot tool-execution
// path does not hit the store on every call.
type Router struct {
	servers        store.ServerStore
	client         *Client
	attemptTimeout time.Duration
	cacheTTL       time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger

	mu        sync.Mutex
	snapshot  []*models.MCPServer
	fetchedAt time.Time
}

// NewRouter creates a Router. attemptTimeout bounds each candidate attempt;
// cacheTTL bounds the age of the routing snapshot (zero disables caching).
func NewRouter(servers store.ServerStore, client *Client, attemptTimeout, cacheTTL time.Duration) *Router {
	return &Router{
		servers:        servers,
		client:         client,
		attemptTimeout: attemptTimeout,
		cacheTTL:       cacheTTL,
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default(),
	}
}

// Route executes toolName against the first candidate server that answers,
// returning the result and the winning server id.
//
// Names of the form "server.tool" pin the call to one server. Bare names are
// resolved through the capability caches; ambiguous names are tried
// sequentially. A tool-level error from a server that declares the tool is
// definitive and ends the search; transport failures move on to the next
// candidate.
func (r *Router) Route(ctx context.Context, toolName string, args map[string]any) (*mcpsdk.CallToolResult, string, error) {
	if serverID, bare, ok := splitQualifiedName(toolName); ok {
		result, err := r.callWithTimeout(ctx, serverID, bare, args)
		return result, serverID, err
	}

	candidates, err := r.candidates(ctx, toolName)
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: %q", ErrNoRoute, toolName)
	}

	var lastErr error
	for _, serverID := range candidates {
		result, err := r.callWithTimeout(ctx, serverID, toolName, args)
		if err == nil {
			return result, serverID, nil
		}

		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return nil, serverID, err
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		r.logger.Warn("Tool routing attempt failed",
			"tool", toolName, "server", serverID, "error", err)
		lastErr = err
	}
	return nil, "", fmt.Errorf("all candidate servers failed for %q: %w", toolName, lastErr)
}

func (r *Router) callWithTimeout(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()
	return r.client.CallTool(attemptCtx, serverID, toolName, args)
}

// candidates returns the ids of connected servers whose tools cache declares
// toolName, in stable server-id order.
func (r *Router) candidates(ctx context.Context, toolName string) ([]string, error) {
	servers, err := r.listServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers for routing: %w", err)
	}

	var out []string
	for _, srv := range servers {
		if srv.Status != models.ServerConnected {
			continue
		}
		tools, err := srv.CachedTools()
		if err != nil {
			r.logger.Warn("Skipping server with corrupt tools cache",
				"server", srv.ServerID, "error", err)
			continue
		}
		for _, tool := range tools {
			if tool.Name == toolName {
				out = append(out, srv.ServerID)
				break
			}
		}
	}
	return out, nil
}

// listServers returns the routing snapshot, refetching once it is older than
// cacheTTL. The lock is never held across the store read.
func (r *Router) listServers(ctx context.Context) ([]*models.MCPServer, error) {
	if r.cacheTTL > 0 {
		r.mu.Lock()
		if r.snapshot != nil && r.clock.Since(r.fetchedAt) < r.cacheTTL {
			servers := r.snapshot
			r.mu.Unlock()
			return servers, nil
		}
		r.mu.Unlock()
	}

	servers, err := r.servers.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.snapshot = servers
		r.fetchedAt = r.clock.Now()
		r.mu.Unlock()
	}
	return servers, nil
}

// splitQualifiedName splits "server.tool" names; both parts must be non-empty.
func splitQualifiedName(name string) (serverID, toolName string, ok bool) {
	i := strings.Index(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
