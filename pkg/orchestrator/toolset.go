package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// ToolBlock is one "tools" array entry of an upstream request. The upstream
// contract accepts a single require_approval per block, so tools with
// different policies live in separate blocks.
type ToolBlock struct {
	Type              string   `json:"type"`
	ServerLabel       string   `json:"server_label"`
	ServerDescription string   `json:"server_description,omitempty"`
	ServerURL         string   `json:"server_url"`
	AllowedTools      []string `json:"allowed_tools"`
	RequireApproval   string   `json:"require_approval"`
}

// ToolsetProvider builds the tool declarations injected into upstream
// requests from the persisted capability caches. Caches are read, never
// refreshed, on this path.
type ToolsetProvider struct {
	servers  store.ServerStore
	policies store.PolicyStore
	logger   *slog.Logger
}

// NewToolsetProvider creates a ToolsetProvider.
func NewToolsetProvider(servers store.ServerStore, policies store.PolicyStore) *ToolsetProvider {
	return &ToolsetProvider{
		servers:  servers,
		policies: policies,
		logger:   slog.Default(),
	}
}

// Blocks returns one tool block per (connected server, policy) group. Every
// cached tool of a connected server appears in exactly one block.
func (p *ToolsetProvider) Blocks(ctx context.Context) ([]ToolBlock, error) {
	servers, err := p.servers.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers for toolset: %w", err)
	}

	var blocks []ToolBlock
	for _, srv := range servers {
		if srv.Status != models.ServerConnected {
			continue
		}
		serverBlocks, err := p.serverBlocks(ctx, srv)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, serverBlocks...)
	}
	return blocks, nil
}

func (p *ToolsetProvider) serverBlocks(ctx context.Context, srv *models.MCPServer) ([]ToolBlock, error) {
	tools, err := srv.CachedTools()
	if err != nil {
		p.logger.Warn("Skipping server with corrupt tools cache",
			"server", srv.ServerID, "error", err)
		return nil, nil
	}
	if len(tools) == 0 {
		return nil, nil
	}

	byPolicy := map[models.ApprovalPolicy][]string{}
	for _, tool := range tools {
		policy, err := p.policyFor(ctx, srv.ServerID, tool.Name)
		if err != nil {
			return nil, err
		}
		byPolicy[policy] = append(byPolicy[policy], tool.Name)
	}

	var blocks []ToolBlock
	for _, policy := range []models.ApprovalPolicy{models.PolicyNever, models.PolicyAlways} {
		names := byPolicy[policy]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		blocks = append(blocks, ToolBlock{
			Type:              "mcp",
			ServerLabel:       srv.ServerID,
			ServerDescription: srv.Name,
			ServerURL:         srv.BaseURL,
			AllowedTools:      names,
			RequireApproval:   policy.Wire(),
		})
	}
	return blocks, nil
}

// policyFor resolves a tool's approval policy; absence of a row means NEVER.
func (p *ToolsetProvider) policyFor(ctx context.Context, serverID, toolName string) (models.ApprovalPolicy, error) {
	row, err := p.policies.GetPolicy(ctx, serverID, toolName)
	if errors.Is(err, store.ErrNotFound) {
		return models.PolicyNever, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve approval policy for %s.%s: %w", serverID, toolName, err)
	}
	return row.Policy, nil
}
