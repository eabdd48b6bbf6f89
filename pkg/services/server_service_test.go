package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/mcp"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/secret"
	"github.com/codeready-toolchain/relay/pkg/store"
)

type fakeSession struct {
	tools      []*mcpsdk.Tool
	resources  []*mcpsdk.Resource
	prompts    []*mcpsdk.Prompt
	toolsErr   error
	optional   error // returned by resource/prompt listings
	closed     atomic.Bool
	toolsCalls atomic.Int32
}

func (f *fakeSession) ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error) {
	f.toolsCalls.Add(1)
	if f.toolsErr != nil {
		return nil, f.toolsErr
	}
	return &mcpsdk.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) ListResources(ctx context.Context, params *mcpsdk.ListResourcesParams) (*mcpsdk.ListResourcesResult, error) {
	if f.optional != nil {
		return nil, f.optional
	}
	return &mcpsdk.ListResourcesResult{Resources: f.resources}, nil
}

func (f *fakeSession) ListPrompts(ctx context.Context, params *mcpsdk.ListPromptsParams) (*mcpsdk.ListPromptsResult, error) {
	if f.optional != nil {
		return nil, f.optional
	}
	return &mcpsdk.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	return &mcpsdk.CallToolResult{}, nil
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func testSecrets(t *testing.T) *secret.Service {
	t.Helper()
	key := make([]byte, secret.KeySize)
	copy(key, "0123456789abcdef0123456789abcdef")
	svc, err := secret.NewService(key)
	require.NoError(t, err)
	return svc
}

// newTestService wires a ServerService over a MemoryStore and an in-process
// registry whose handshake is served by sessions.
func newTestService(t *testing.T, sessions map[string]*fakeSession) (*ServerService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	secrets := testSecrets(t)

	cfg := config.MCPConfig{
		InitTimeout:      2 * time.Second,
		OperationTimeout: 2 * time.Second,
		IdleTimeout:      30 * time.Minute,
	}
	connect := func(ctx context.Context, srv *models.MCPServer, apiKey string) (mcp.Session, error) {
		session, ok := sessions[srv.ServerID]
		if !ok {
			return nil, context.DeadlineExceeded
		}
		return session, nil
	}
	registry := mcp.NewTestRegistry(st, secrets, cfg, connect)

	svc := NewServerService(st, secrets, registry, mcp.NewClient(registry), config.OrchestratorConfig{
		ToolExecutionTimeout: 2 * time.Second,
		MaxRetries:           3,
		RetryBackoffBase:     time.Millisecond,
	})
	return svc, st
}

func createTestServer(t *testing.T, svc *ServerService, serverID string) *models.MCPServer {
	t.Helper()
	apiKey := "sk-" + serverID
	srv, err := svc.CreateServer(context.Background(), CreateServerInput{
		ServerID:  serverID,
		Name:      serverID + " server",
		BaseURL:   "https://" + serverID + ".example.com/mcp",
		APIKey:    &apiKey,
		Transport: "STREAMABLE_HTTP",
	})
	require.NoError(t, err)
	return srv
}

func TestCreateServer_EncryptsCredential(t *testing.T) {
	svc, st := newTestService(t, nil)

	srv := createTestServer(t, svc, "weather")

	assert.Equal(t, models.ServerIdle, srv.Status)
	assert.Equal(t, models.SyncNever, srv.SyncStatus)
	require.NotNil(t, srv.APIKeyEnc)
	assert.NotEqual(t, "sk-weather", *srv.APIKeyEnc)

	stored, err := st.GetServer(context.Background(), "weather")
	require.NoError(t, err)
	plain, err := testSecrets(t).Decrypt(*stored.APIKeyEnc)
	require.NoError(t, err)
	assert.Equal(t, "sk-weather", plain)
}

func TestCreateServer_Validation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		in    CreateServerInput
		field string
	}{
		{"missing server id", CreateServerInput{Name: "x", BaseURL: "https://x.example.com", Transport: "SSE"}, "server_id"},
		{"missing name", CreateServerInput{ServerID: "x", BaseURL: "https://x.example.com", Transport: "SSE"}, "name"},
		{"bad transport", CreateServerInput{ServerID: "x", Name: "x", BaseURL: "https://x.example.com", Transport: "carrier-pigeon"}, "transport"},
		{"bad url", CreateServerInput{ServerID: "x", Name: "x", BaseURL: "not a url", Transport: "SSE"}, "base_url"},
		{"non-http scheme", CreateServerInput{ServerID: "x", Name: "x", BaseURL: "ftp://x.example.com", Transport: "SSE"}, "base_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateServer(ctx, tc.in)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestCreateServer_DuplicateID(t *testing.T) {
	svc, _ := newTestService(t, nil)

	createTestServer(t, svc, "weather")
	_, err := svc.CreateServer(context.Background(), CreateServerInput{
		ServerID:  "weather",
		Name:      "second",
		BaseURL:   "https://other.example.com",
		Transport: "SSE",
	})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestUpdateServer_RotatesCredential(t *testing.T) {
	session := &fakeSession{}
	svc, st := newTestService(t, map[string]*fakeSession{"weather": session})

	created := createTestServer(t, svc, "weather")
	oldEnc := *created.APIKeyEnc

	// Establish a live session so the update has one to drop.
	_, err := svc.Verify(context.Background(), "weather")
	require.NoError(t, err)

	newKey := "sk-rotated"
	newName := "weather v2"
	updated, err := svc.UpdateServer(context.Background(), "weather", UpdateServerInput{
		Name:   &newName,
		APIKey: &newKey,
	})
	require.NoError(t, err)

	assert.Equal(t, "weather v2", updated.Name)
	assert.NotEqual(t, oldEnc, *updated.APIKeyEnc)
	assert.Greater(t, updated.Version, created.Version)
	assert.True(t, session.closed.Load(), "live session should be dropped on update")

	stored, err := st.GetServer(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, *updated.APIKeyEnc, *stored.APIKeyEnc)
}

func TestUpdateServer_UnknownServer(t *testing.T) {
	svc, _ := newTestService(t, nil)

	name := "ghost"
	_, err := svc.UpdateServer(context.Background(), "ghost", UpdateServerInput{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerify_Connected(t *testing.T) {
	session := &fakeSession{tools: []*mcpsdk.Tool{
		{Name: "get_forecast"},
		{Name: "get_alerts"},
	}}
	svc, st := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	result, err := svc.Verify(context.Background(), "weather")
	require.NoError(t, err)

	assert.Equal(t, models.ServerConnected, result.Status)
	assert.Equal(t, 2, result.ToolCount)
	assert.Empty(t, result.Error)

	stored, err := st.GetServer(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, models.ServerConnected, stored.Status)
}

func TestVerify_FailedProbeIsAResult(t *testing.T) {
	// No session registered: the handshake fails.
	svc, st := newTestService(t, nil)
	createTestServer(t, svc, "weather")

	result, err := svc.Verify(context.Background(), "weather")
	require.NoError(t, err)

	assert.Equal(t, models.ServerError, result.Status)
	assert.NotEmpty(t, result.Error)

	stored, err := st.GetServer(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, models.ServerError, stored.Status)
}

func TestVerify_UnknownServer(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Verify(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSync_PopulatesCaches(t *testing.T) {
	session := &fakeSession{
		tools: []*mcpsdk.Tool{
			{Name: "get_forecast", Description: "Forecast for a city", InputSchema: map[string]any{"type": "object"}},
		},
		resources: []*mcpsdk.Resource{{URI: "weather://stations", Name: "stations"}},
		prompts:   []*mcpsdk.Prompt{{Name: "daily_briefing"}},
	}
	svc, st := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	updated, err := svc.Sync(context.Background(), "weather")
	require.NoError(t, err)

	assert.Equal(t, models.SyncDone, updated.SyncStatus)
	assert.Equal(t, models.ServerConnected, updated.Status)
	require.NotNil(t, updated.LastSyncedAt)
	assert.NotEmpty(t, updated.ResourcesCache)
	assert.NotEmpty(t, updated.PromptsCache)

	tools, err := updated.CachedTools()
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_forecast", tools[0].Name)
	assert.Equal(t, "Forecast for a city", tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))

	stored, err := st.GetServer(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, updated.ToolsCache, stored.ToolsCache)
}

func TestSync_FailureRecorded(t *testing.T) {
	session := &fakeSession{toolsErr: assert.AnError}
	svc, st := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	_, err := svc.Sync(context.Background(), "weather")
	require.ErrorIs(t, err, ErrSyncFailed)

	stored, getErr := st.GetServer(context.Background(), "weather")
	require.NoError(t, getErr)
	assert.Equal(t, models.SyncFailed, stored.SyncStatus)
	assert.Equal(t, models.ServerError, stored.Status)
	assert.Empty(t, stored.ToolsCache, "failed sync must not write caches")
}

func TestSync_OptionalCapabilitiesTolerated(t *testing.T) {
	session := &fakeSession{
		tools:    []*mcpsdk.Tool{{Name: "get_forecast"}},
		optional: assert.AnError,
	}
	svc, _ := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	updated, err := svc.Sync(context.Background(), "weather")
	require.NoError(t, err)

	assert.Equal(t, models.SyncDone, updated.SyncStatus)
	assert.Empty(t, updated.ResourcesCache)
	assert.Empty(t, updated.PromptsCache)
	assert.NotEmpty(t, updated.ToolsCache)
}

func TestDeleteServer_RemovesRow(t *testing.T) {
	session := &fakeSession{}
	svc, st := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	_, err := svc.Verify(context.Background(), "weather")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteServer(context.Background(), "weather"))
	assert.True(t, session.closed.Load())

	_, err = st.GetServer(context.Background(), "weather")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetCapabilities_ReturnsSnapshot(t *testing.T) {
	session := &fakeSession{tools: []*mcpsdk.Tool{{Name: "get_forecast"}}}
	svc, _ := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	_, err := svc.Sync(context.Background(), "weather")
	require.NoError(t, err)

	caps, err := svc.GetCapabilities(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, "weather", caps.ServerID)
	assert.NotEmpty(t, caps.Tools)
	require.NotNil(t, caps.LastSyncedAt)

	assert.EqualValues(t, 1, session.toolsCalls.Load(), "capability read must not touch the server")
}

func TestWatchStatus_DeliversTransitions(t *testing.T) {
	session := &fakeSession{tools: []*mcpsdk.Tool{{Name: "get_forecast"}}}
	svc, _ := newTestService(t, map[string]*fakeSession{"weather": session})
	createTestServer(t, svc, "weather")

	updates, cancel, err := svc.WatchStatus(context.Background(), "weather")
	require.NoError(t, err)
	defer cancel()

	first := <-updates
	assert.Equal(t, models.ServerIdle, first.Status)
	assert.Equal(t, models.SyncNever, first.SyncStatus)

	_, err = svc.Sync(context.Background(), "weather")
	require.NoError(t, err)

	var last StatusUpdate
	for i := 0; i < 2; i++ {
		select {
		case last = <-updates:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for status update")
		}
	}
	assert.Equal(t, models.ServerConnected, last.Status)
	assert.Equal(t, models.SyncDone, last.SyncStatus)
}

func TestWatchStatus_UnknownServer(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, _, err := svc.WatchStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
