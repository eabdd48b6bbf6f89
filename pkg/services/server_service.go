package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/mcp"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/secret"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// ServerService manages MCP server registrations: CRUD, connectivity
// verification, and capability-cache sync. All server-row writes go through
// the version-guarded update with bounded retry.
type ServerService struct {
	store       store.Store
	secrets     *secret.Service
	registry    *mcp.Registry
	mcpClient   *mcp.Client
	maxRetries  int
	backoffBase time.Duration
	broadcaster *statusBroadcaster
	logger      *slog.Logger
}

// NewServerService creates a ServerService.
func NewServerService(st store.Store, secrets *secret.Service, registry *mcp.Registry, client *mcp.Client, cfg config.OrchestratorConfig) *ServerService {
	return &ServerService{
		store:       st,
		secrets:     secrets,
		registry:    registry,
		mcpClient:   client,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.RetryBackoffBase,
		broadcaster: newStatusBroadcaster(),
		logger:      slog.Default(),
	}
}

// CreateServerInput is the operator's registration request.
type CreateServerInput struct {
	ServerID  string
	Name      string
	BaseURL   string
	APIKey    *string
	Transport string
}

// CreateServer registers a new MCP server. The credential is encrypted at
// rest; connectivity is not checked here (see Verify).
func (s *ServerService) CreateServer(ctx context.Context, in CreateServerInput) (*models.MCPServer, error) {
	if in.ServerID == "" {
		return nil, NewValidationError("server_id", "must not be empty")
	}
	if in.Name == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	transport, err := models.ParseTransportKind(in.Transport)
	if err != nil {
		return nil, NewValidationError("transport", err.Error())
	}
	if err := validateBaseURL(in.BaseURL); err != nil {
		return nil, err
	}

	srv := &models.MCPServer{
		ServerID:   in.ServerID,
		Name:       in.Name,
		BaseURL:    in.BaseURL,
		Transport:  transport,
		Status:     models.ServerIdle,
		SyncStatus: models.SyncNever,
	}
	if in.APIKey != nil && *in.APIKey != "" {
		enc, err := s.secrets.Encrypt(*in.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential: %w", err)
		}
		srv.APIKeyEnc = &enc
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.store.CreateServer(dbCtx, srv)
}

// UpdateServerInput carries optional field updates; server_id is immutable.
type UpdateServerInput struct {
	Name      *string
	BaseURL   *string
	APIKey    *string
	Transport *string
}

// UpdateServer applies a metadata update and drops any live session so the
// next use reconnects with the new settings.
func (s *ServerService) UpdateServer(ctx context.Context, serverID string, in UpdateServerInput) (*models.MCPServer, error) {
	if in.BaseURL != nil {
		if err := validateBaseURL(*in.BaseURL); err != nil {
			return nil, err
		}
	}
	var transport *models.TransportKind
	if in.Transport != nil {
		parsed, err := models.ParseTransportKind(*in.Transport)
		if err != nil {
			return nil, NewValidationError("transport", err.Error())
		}
		transport = &parsed
	}
	var apiKeyEnc *string
	if in.APIKey != nil && *in.APIKey != "" {
		enc, err := s.secrets.Encrypt(*in.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential: %w", err)
		}
		apiKeyEnc = &enc
	}

	updated, err := s.casUpdate(ctx, serverID, func(srv *models.MCPServer) {
		if in.Name != nil {
			srv.Name = *in.Name
		}
		if in.BaseURL != nil {
			srv.BaseURL = *in.BaseURL
		}
		if transport != nil {
			srv.Transport = *transport
		}
		if apiKeyEnc != nil {
			srv.APIKeyEnc = apiKeyEnc
		}
	})
	if err != nil {
		return nil, err
	}

	s.registry.CloseSession(ctx, serverID)
	return updated, nil
}

// GetServer loads one registration.
func (s *ServerService) GetServer(ctx context.Context, serverID string) (*models.MCPServer, error) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.store.GetServer(dbCtx, serverID)
}

// ListServers returns all registrations.
func (s *ServerService) ListServers(ctx context.Context) ([]*models.MCPServer, error) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.store.ListServers(dbCtx)
}

// DeleteServer removes a registration and closes its session. Policy rows
// are removed with the server.
func (s *ServerService) DeleteServer(ctx context.Context, serverID string) error {
	s.registry.CloseSession(ctx, serverID)

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.store.DeleteServer(dbCtx, serverID)
}

// VerifyResult reports the outcome of a connectivity check.
type VerifyResult struct {
	ServerID  string              `json:"server_id"`
	Status    models.ServerStatus `json:"status"`
	ToolCount int                 `json:"tool_count"`
	Error     string              `json:"error,omitempty"`
}

// Verify opens (or reuses) a session and lists tools. The resulting status
// is persisted and broadcast; a failed probe is a normal result, not an
// error.
func (s *ServerService) Verify(ctx context.Context, serverID string) (*VerifyResult, error) {
	connecting, err := s.casUpdate(ctx, serverID, func(srv *models.MCPServer) {
		srv.Status = models.ServerConnecting
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(connecting)

	result := &VerifyResult{ServerID: serverID}
	tools, probeErr := s.mcpClient.ListTools(ctx, serverID)
	if probeErr != nil {
		result.Status = models.ServerError
		result.Error = probeErr.Error()
	} else {
		result.Status = models.ServerConnected
		result.ToolCount = len(tools)
	}

	updated, err := s.casUpdate(ctx, serverID, func(srv *models.MCPServer) {
		srv.Status = result.Status
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(updated)
	return result, nil
}

// Sync refreshes a server's capability caches. Sync failures are recorded
// in sync_status and returned; they never poison in-memory state.
func (s *ServerService) Sync(ctx context.Context, serverID string) (*models.MCPServer, error) {
	syncing, err := s.casUpdate(ctx, serverID, func(srv *models.MCPServer) {
		srv.SyncStatus = models.SyncActive
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(syncing)

	tools, err := s.mcpClient.ListTools(ctx, serverID)
	if err != nil {
		return nil, s.recordSyncFailure(ctx, serverID, err)
	}

	toolsCache, err := encodeToolsCache(tools)
	if err != nil {
		return nil, s.recordSyncFailure(ctx, serverID, err)
	}

	// Resources and prompts are optional MCP capabilities; a server that
	// does not implement them still syncs.
	resourcesCache := s.optionalCache(ctx, serverID, "resources")
	promptsCache := s.optionalCache(ctx, serverID, "prompts")

	now := time.Now()
	updated, err := s.casUpdate(ctx, serverID, func(srv *models.MCPServer) {
		srv.ToolsCache = toolsCache
		srv.ResourcesCache = resourcesCache
		srv.PromptsCache = promptsCache
		srv.LastSyncedAt = &now
		srv.SyncStatus = models.SyncDone
		srv.Status = models.ServerConnected
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(updated)
	s.logger.Info("MCP server synced", "server", serverID, "tools", len(tools))
	return updated, nil
}

func (s *ServerService) recordSyncFailure(ctx context.Context, serverID string, cause error) error {
	updated, err := s.casUpdate(ctx, serverID, func(srv *models.MCPServer) {
		srv.SyncStatus = models.SyncFailed
		srv.Status = models.ServerError
	})
	if err != nil {
		s.logger.Error("Failed to record sync failure", "server", serverID, "error", err)
	} else {
		s.publishStatus(updated)
	}
	return fmt.Errorf("%w for %q: %v", ErrSyncFailed, serverID, cause)
}

func (s *ServerService) optionalCache(ctx context.Context, serverID, kind string) json.RawMessage {
	var (
		raw json.RawMessage
		err error
	)
	switch kind {
	case "resources":
		var resources any
		resources, err = s.mcpClient.ListResources(ctx, serverID)
		if err == nil {
			raw, err = json.Marshal(resources)
		}
	case "prompts":
		var prompts any
		prompts, err = s.mcpClient.ListPrompts(ctx, serverID)
		if err == nil {
			raw, err = json.Marshal(prompts)
		}
	}
	if err != nil {
		s.logger.Info("Skipping optional capability during sync",
			"server", serverID, "capability", kind, "error", err)
		return nil
	}
	return raw
}

// Capabilities is the persisted capability snapshot of a server.
type Capabilities struct {
	ServerID     string          `json:"server_id"`
	Tools        json.RawMessage `json:"tools,omitempty"`
	Resources    json.RawMessage `json:"resources,omitempty"`
	Prompts      json.RawMessage `json:"prompts,omitempty"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
}

// GetCapabilities returns the cached capability snapshot without touching
// the server.
func (s *ServerService) GetCapabilities(ctx context.Context, serverID string) (*Capabilities, error) {
	srv, err := s.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return &Capabilities{
		ServerID:     srv.ServerID,
		Tools:        srv.ToolsCache,
		Resources:    srv.ResourcesCache,
		Prompts:      srv.PromptsCache,
		LastSyncedAt: srv.LastSyncedAt,
	}, nil
}

// WatchStatus subscribes to status transitions of one server. The first
// update is the current state so watchers need no separate read.
func (s *ServerService) WatchStatus(ctx context.Context, serverID string) (<-chan StatusUpdate, func(), error) {
	srv, err := s.GetServer(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}

	ch, cancel := s.broadcaster.subscribe(serverID)
	out := make(chan StatusUpdate, 17)
	out <- StatusUpdate{ServerID: srv.ServerID, Status: srv.Status, SyncStatus: srv.SyncStatus}
	go func() {
		defer close(out)
		for update := range ch {
			select {
			case out <- update:
			default:
			}
		}
	}()
	return out, cancel, nil
}

func (s *ServerService) publishStatus(srv *models.MCPServer) {
	s.broadcaster.publish(StatusUpdate{
		ServerID:   srv.ServerID,
		Status:     srv.Status,
		SyncStatus: srv.SyncStatus,
	})
}

// casUpdate runs a read-modify-write on the server row, retrying version
// conflicts with exponential backoff.
func (s *ServerService) casUpdate(ctx context.Context, serverID string, mutate func(*models.MCPServer)) (*models.MCPServer, error) {
	var updated *models.MCPServer
	err := store.WithCASRetry(s.maxRetries, s.backoffBase, func() error {
		dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
		defer cancel()

		srv, err := s.store.GetServer(dbCtx, serverID)
		if err != nil {
			return err
		}
		mutate(srv)
		updated, err = s.store.UpdateServer(dbCtx, srv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func encodeToolsCache(tools []*mcpsdk.Tool) (json.RawMessage, error) {
	cached := make([]models.CachedTool, 0, len(tools))
	for _, tool := range tools {
		entry := models.CachedTool{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.InputSchema != nil {
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("failed to encode schema for tool %q: %w", tool.Name, err)
			}
			entry.InputSchema = schema
		}
		cached = append(cached, entry)
	}
	return json.Marshal(cached)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationError("base_url", "must be a valid http(s) URL")
	}
	return nil
}
