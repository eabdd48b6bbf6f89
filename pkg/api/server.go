// Package api exposes the HTTP surface: streaming chat endpoints, MCP server
// administration, approval policies and conversation reads.
package api

import (
	"log/slog"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/orchestrator"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// Server wires HTTP handlers to the application services.
type Server struct {
	db            *database.Client
	orchestrator  *orchestrator.Orchestrator
	servers       *services.ServerService
	policies      *services.PolicyService
	conversations *services.ConversationService
	logger        *slog.Logger
}

// NewServer creates an API server.
func NewServer(
	db *database.Client,
	orch *orchestrator.Orchestrator,
	servers *services.ServerService,
	policies *services.PolicyService,
	conversations *services.ConversationService,
) *Server {
	return &Server{
		db:            db,
		orchestrator:  orch,
		servers:       servers,
		policies:      policies,
		conversations: conversations,
		logger:        slog.Default(),
	}
}

// RegisterRoutes attaches all handlers to the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(requestID())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	v1 := e.Group("/api/v1")

	v1.POST("/responses/stream", s.streamResponsesHandler)
	v1.POST("/responses/approval-response", s.approvalResponseHandler)

	v1.GET("/conversations", s.listConversationsHandler)
	v1.GET("/conversations/:id", s.getConversationHandler)

	v1.GET("/mcp/servers", s.listServersHandler)
	v1.POST("/mcp/servers", s.createServerHandler)
	v1.GET("/mcp/servers/:id", s.getServerHandler)
	v1.PUT("/mcp/servers/:id", s.updateServerHandler)
	v1.DELETE("/mcp/servers/:id", s.deleteServerHandler)
	v1.POST("/mcp/servers/:id/verify", s.verifyServerHandler)
	v1.POST("/mcp/servers/:id/sync", s.syncServerHandler)
	v1.GET("/mcp/servers/:id/capabilities", s.getCapabilitiesHandler)
	v1.GET("/mcp/servers/:id/status/stream", s.serverStatusStreamHandler)

	v1.GET("/mcp/servers/:id/tools/approval-policies", s.listPoliciesHandler)
	v1.GET("/mcp/servers/:id/tools/:tool/approval-policy", s.getPolicyHandler)
	v1.PUT("/mcp/servers/:id/tools/:tool/approval-policy", s.setPolicyHandler)
	v1.DELETE("/mcp/servers/:id/tools/:tool/approval-policy", s.deletePolicyHandler)
}
