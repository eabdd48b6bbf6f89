package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// SetPolicyRequest is the HTTP request body for
// PUT /mcp/servers/:id/tools/:tool/approval-policy.
type SetPolicyRequest struct {
	Policy string `json:"policy"`
}

// PolicyResponse reports the effective policy of one tool.
type PolicyResponse struct {
	ServerID string                `json:"server_id"`
	ToolName string                `json:"tool_name"`
	Policy   models.ApprovalPolicy `json:"policy"`
}

// listPoliciesHandler handles GET /api/v1/mcp/servers/:id/tools/approval-policies.
// Only explicit rows are returned; tools without a row auto-execute.
func (s *Server) listPoliciesHandler(c *echo.Context) error {
	rows, err := s.policies.ListPoliciesForServer(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

// getPolicyHandler handles GET /api/v1/mcp/servers/:id/tools/:tool/approval-policy.
// The effective policy is returned, so a tool without a row reports NEVER.
func (s *Server) getPolicyHandler(c *echo.Context) error {
	serverID, toolName := c.Param("id"), c.Param("tool")
	policy, err := s.policies.GetPolicyForTool(c.Request().Context(), serverID, toolName)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &PolicyResponse{
		ServerID: serverID,
		ToolName: toolName,
		Policy:   policy,
	})
}

// setPolicyHandler handles PUT /api/v1/mcp/servers/:id/tools/:tool/approval-policy.
func (s *Server) setPolicyHandler(c *echo.Context) error {
	var req SetPolicyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	row, err := s.policies.SetPolicyForTool(
		c.Request().Context(),
		c.Param("id"),
		c.Param("tool"),
		models.ApprovalPolicy(req.Policy),
	)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// deletePolicyHandler handles DELETE /api/v1/mcp/servers/:id/tools/:tool/approval-policy.
// Removing a row reverts the tool to auto-execute.
func (s *Server) deletePolicyHandler(c *echo.Context) error {
	if err := s.policies.DeletePolicyForTool(c.Request().Context(), c.Param("id"), c.Param("tool")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
