package services

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// dbTimeout bounds individual persistence calls in the service layer.
const dbTimeout = 5 * time.Second

// PolicyService manages per-(server, tool) approval policies.
type PolicyService struct {
	policies store.PolicyStore
	servers  store.ServerStore
}

// NewPolicyService creates a PolicyService.
func NewPolicyService(policies store.PolicyStore, servers store.ServerStore) *PolicyService {
	return &PolicyService{policies: policies, servers: servers}
}

// GetPolicyForTool resolves the approval policy for one tool. Absence of a
// row means NEVER (auto-execute).
func (s *PolicyService) GetPolicyForTool(ctx context.Context, serverID, toolName string) (models.ApprovalPolicy, error) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row, err := s.policies.GetPolicy(dbCtx, serverID, toolName)
	if errors.Is(err, store.ErrNotFound) {
		return models.PolicyNever, nil
	}
	if err != nil {
		return "", err
	}
	return row.Policy, nil
}

// ListPoliciesForServer returns every explicit policy row of a server.
func (s *PolicyService) ListPoliciesForServer(ctx context.Context, serverID string) ([]*models.ToolApprovalPolicy, error) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.servers.GetServer(dbCtx, serverID); err != nil {
		return nil, err
	}
	return s.policies.ListPolicies(dbCtx, serverID)
}

// SetPolicyForTool upserts a policy row.
func (s *PolicyService) SetPolicyForTool(ctx context.Context, serverID, toolName string, policy models.ApprovalPolicy) (*models.ToolApprovalPolicy, error) {
	if toolName == "" {
		return nil, NewValidationError("tool_name", "must not be empty")
	}
	if _, err := models.ParseApprovalPolicy(string(policy)); err != nil {
		return nil, NewValidationError("policy", err.Error())
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.servers.GetServer(dbCtx, serverID); err != nil {
		return nil, err
	}
	return s.policies.SetPolicy(dbCtx, serverID, toolName, policy)
}

// DeletePolicyForTool removes a policy row, reverting the tool to the
// default (auto-execute).
func (s *PolicyService) DeletePolicyForTool(ctx context.Context, serverID, toolName string) error {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.policies.DeletePolicy(dbCtx, serverID, toolName)
}

// DeletePoliciesForServer removes every policy row of a server.
func (s *PolicyService) DeletePoliciesForServer(ctx context.Context, serverID string) error {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.policies.ListPolicies(dbCtx, serverID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := s.policies.DeletePolicy(dbCtx, serverID, row.ToolName); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}
