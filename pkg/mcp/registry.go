// Package mcp provides MCP (Model Context Protocol) client infrastructure:
// a session registry vending one logical client per registered server, a
// facade for tool and capability operations, and transport construction.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/secret"
	"github.com/codeready-toolchain/relay/pkg/store"
	"github.com/codeready-toolchain/relay/pkg/version"
)

// Session is the subset of the SDK client session the registry vends.
// *mcpsdk.ClientSession satisfies it; tests substitute in-memory sessions.
type Session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	ListResources(ctx context.Context, params *mcpsdk.ListResourcesParams) (*mcpsdk.ListResourcesResult, error)
	ListPrompts(ctx context.Context, params *mcpsdk.ListPromptsParams) (*mcpsdk.ListPromptsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

type connectFunc func(ctx context.Context, srv *models.MCPServer, apiKey string) (Session, error)

type holderState int32

const (
	holderInitializing holderState = iota
	holderActive
	holderError
	holderClosed
)

// sessionHolder tracks one server's session lifecycle. The ready channel is
// closed exactly once, after which state, session and err are immutable
// except for the ACTIVE -> CLOSED transition taken by eviction/shutdown.
type sessionHolder struct {
	serverID string
	ready    chan struct{}

	state   atomic.Int32
	session Session
	err     error

	createdAt  time.Time
	lastAccess atomic.Int64 // unix nanos
}

func (h *sessionHolder) is(s holderState) bool {
	return holderState(h.state.Load()) == s
}

// Registry vends one logical MCP session per server id with at-most-one
// concurrent handshake per server, lazy startup and idle eviction.
type Registry struct {
	servers store.ServerStore
	secrets *secret.Service
	cfg     config.MCPConfig

	holders *xsync.MapOf[string, *sessionHolder]

	clock         clockwork.Clock
	connect       connectFunc
	evictInterval time.Duration

	logger *slog.Logger
}

// NewRegistry creates a Registry. Sessions are opened lazily on first use.
func NewRegistry(servers store.ServerStore, secrets *secret.Service, cfg config.MCPConfig) *Registry {
	evictInterval := cfg.EvictInterval
	if evictInterval <= 0 {
		evictInterval = time.Minute
	}
	return &Registry{
		servers:       servers,
		secrets:       secrets,
		cfg:           cfg,
		holders:       xsync.NewMapOf[string, *sessionHolder](),
		clock:         clockwork.NewRealClock(),
		connect:       defaultConnect,
		evictInterval: evictInterval,
		logger:        slog.Default(),
	}
}

// GetSession returns the active session for serverID, initializing one if
// needed. Concurrent callers for the same server share a single handshake.
func (r *Registry) GetSession(ctx context.Context, serverID string) (Session, error) {
	for {
		holder, loaded := r.holders.LoadOrCompute(serverID, func() *sessionHolder {
			h := &sessionHolder{
				serverID:  serverID,
				ready:     make(chan struct{}),
				createdAt: r.clock.Now(),
			}
			h.state.Store(int32(holderInitializing))
			return h
		})

		if !loaded {
			r.initialize(ctx, holder)
		}

		select {
		case <-holder.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if holder.err != nil {
			return nil, holder.err
		}
		if holder.is(holderClosed) {
			// Lost a race with eviction; drop the stale holder and retry.
			r.removeHolder(serverID, holder)
			continue
		}

		holder.lastAccess.Store(r.clock.Now().UnixNano())
		return holder.session, nil
	}
}

// initialize performs the handshake for a freshly inserted holder. It always
// closes holder.ready; on failure the holder is removed so the next call
// retries.
func (r *Registry) initialize(ctx context.Context, holder *sessionHolder) {
	defer close(holder.ready)

	fail := func(err error) {
		holder.err = err
		holder.state.Store(int32(holderError))
		r.removeHolder(holder.serverID, holder)
	}

	srv, err := r.servers.GetServer(ctx, holder.serverID)
	if err != nil {
		fail(fmt.Errorf("server %q not registered: %w", holder.serverID, err))
		return
	}

	apiKey := ""
	if srv.APIKeyEnc != nil {
		apiKey, err = r.secrets.Decrypt(*srv.APIKeyEnc)
		if err != nil {
			fail(fmt.Errorf("failed to decrypt credential for %q: %w", holder.serverID, err))
			return
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, r.cfg.InitTimeout)
	defer cancel()

	session, err := r.connect(initCtx, srv, apiKey)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: server %q", ErrInitTimeout, holder.serverID)
		} else {
			err = fmt.Errorf("failed to connect to %q: %w", holder.serverID, err)
		}
		fail(err)
		return
	}

	holder.session = session
	holder.lastAccess.Store(r.clock.Now().UnixNano())
	holder.state.Store(int32(holderActive))
	r.logger.Info("MCP server connected", "server", holder.serverID)
}

// removeHolder deletes the holder only if it is still the current entry.
func (r *Registry) removeHolder(serverID string, holder *sessionHolder) {
	r.holders.Compute(serverID, func(cur *sessionHolder, ok bool) (*sessionHolder, bool) {
		if ok && cur == holder {
			return nil, true
		}
		return cur, false
	})
}

// CloseSession closes and removes the session for serverID if present.
// Close errors are logged and swallowed.
func (r *Registry) CloseSession(ctx context.Context, serverID string) {
	holder, ok := r.holders.LoadAndDelete(serverID)
	if !ok {
		return
	}

	select {
	case <-holder.ready:
	case <-ctx.Done():
		// The holder is already unlinked; nothing else can reach the
		// session once the handshake finishes, so close it in the
		// background when it does.
		go func() {
			<-holder.ready
			r.closeHolder(holder)
		}()
		return
	}

	r.closeHolder(holder)
}

func (r *Registry) closeHolder(holder *sessionHolder) {
	holder.state.Store(int32(holderClosed))
	if holder.session != nil {
		if err := holder.session.Close(); err != nil {
			r.logger.Warn("Failed to close MCP session", "server", holder.serverID, "error", err)
		}
	}
}

// CloseAll closes every session, waiting up to the context deadline.
// Called on shutdown; never returns an error.
func (r *Registry) CloseAll(ctx context.Context) {
	var ids []string
	r.holders.Range(func(id string, _ *sessionHolder) bool {
		ids = append(ids, id)
		return true
	})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.CloseSession(ctx, id)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("MCP session shutdown grace period expired")
	}
}

// StartEviction runs the idle-eviction loop until ctx is cancelled. Any
// ACTIVE session unused for longer than the idle timeout is closed.
func (r *Registry) StartEviction(ctx context.Context) {
	go func() {
		ticker := r.clock.NewTicker(r.evictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.evictIdle(ctx)
			}
		}
	}()
}

func (r *Registry) evictIdle(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.cfg.IdleTimeout).UnixNano()
	var idle []string
	r.holders.Range(func(id string, h *sessionHolder) bool {
		if h.is(holderActive) && h.lastAccess.Load() < cutoff {
			idle = append(idle, id)
		}
		return true
	})
	for _, id := range idle {
		r.logger.Info("Evicting idle MCP session", "server", id)
		r.CloseSession(ctx, id)
	}
}

// defaultConnect opens a transport and performs the MCP handshake.
func defaultConnect(ctx context.Context, srv *models.MCPServer, apiKey string) (Session, error) {
	transport, err := createTransport(srv, apiKey)
	if err != nil {
		return nil, err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		// The SDK closes the underlying connection on most failure paths;
		// this guards the remaining transport types.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	return session, nil
}
