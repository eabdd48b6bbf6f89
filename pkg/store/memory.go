package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// MemoryStore is an in-memory Store with the same convergence semantics as
// PostgresStore. It backs tests and local development without a database.
type MemoryStore struct {
	mu sync.Mutex

	nextID        int64
	conversations map[int64]*models.Conversation
	messages      map[int64][]*models.Message
	toolCalls     map[int64]map[string]*models.ToolCall
	servers       map[string]*models.MCPServer
	policies      map[string]map[string]*models.ToolApprovalPolicy
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:        1,
		conversations: make(map[int64]*models.Conversation),
		messages:      make(map[int64][]*models.Message),
		toolCalls:     make(map[int64]map[string]*models.ToolCall),
		servers:       make(map[string]*models.MCPServer),
		policies:      make(map[string]map[string]*models.ToolApprovalPolicy),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// --- conversations ---

func (s *MemoryStore) CreateConversation(_ context.Context, title *string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := &models.Conversation{
		ID:        s.allocID(),
		Title:     copyPtr(title),
		Status:    models.ConversationCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[c.ID] = c
	out := *c
	return &out, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateConversationStatus(_ context.Context, id int64, status models.ConversationStatus, completionReason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !c.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, status)
	}
	c.Status = status
	c.CompletionReason = copyPtr(completionReason)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetConversationResponseID(_ context.Context, id int64, responseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.ResponseID = &responseID
	c.UpdatedAt = time.Now()
	return nil
}

// --- messages ---

func (s *MemoryStore) AppendMessage(_ context.Context, m *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ItemID != nil {
		for _, existing := range s.messages[m.ConversationID] {
			if existing.ItemID != nil && *existing.ItemID == *m.ItemID {
				existing.Content = m.Content
				if len(m.RawJSON) > 0 {
					existing.RawJSON = append([]byte(nil), m.RawJSON...)
				}
				if existing.OutputIndex == nil {
					existing.OutputIndex = copyIntPtr(m.OutputIndex)
				}
				out := *existing
				return &out, nil
			}
		}
	}

	stored := &models.Message{
		ID:             s.allocID(),
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		RawJSON:        append([]byte(nil), m.RawJSON...),
		OutputIndex:    copyIntPtr(m.OutputIndex),
		ItemID:         copyPtr(m.ItemID),
		CreatedAt:      time.Now(),
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], stored)
	out := *stored
	return &out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		mm := *m
		out = append(out, &mm)
	}
	return out, nil
}

// --- tool calls ---

func (s *MemoryStore) UpsertToolCall(_ context.Context, tc *models.ToolCall) (*models.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byItem := s.toolCalls[tc.ConversationID]
	if byItem == nil {
		byItem = make(map[string]*models.ToolCall)
		s.toolCalls[tc.ConversationID] = byItem
	}

	existing, ok := byItem[tc.ItemID]
	if !ok {
		now := time.Now()
		stored := &models.ToolCall{
			ID:             s.allocID(),
			ConversationID: tc.ConversationID,
			Type:           tc.Type,
			Name:           copyPtr(tc.Name),
			ItemID:         tc.ItemID,
			ArgumentsJSON:  append([]byte(nil), tc.ArgumentsJSON...),
			ResultJSON:     append([]byte(nil), tc.ResultJSON...),
			Status:         tc.Status,
			StatusDetail:   copyPtr(tc.StatusDetail),
			ServerID:       copyPtr(tc.ServerID),
			OutputIndex:    copyIntPtr(tc.OutputIndex),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		byItem[tc.ItemID] = stored
		out := *stored
		return &out, nil
	}

	// First event wins for type and name; a terminal status is final.
	if existing.Name == nil {
		existing.Name = copyPtr(tc.Name)
	}
	if len(tc.ArgumentsJSON) > 0 {
		existing.ArgumentsJSON = append([]byte(nil), tc.ArgumentsJSON...)
	}
	if len(tc.ResultJSON) > 0 {
		existing.ResultJSON = append([]byte(nil), tc.ResultJSON...)
	}
	if !existing.Status.Terminal() {
		existing.Status = tc.Status
		if tc.StatusDetail != nil {
			existing.StatusDetail = copyPtr(tc.StatusDetail)
		}
	}
	if existing.ServerID == nil {
		existing.ServerID = copyPtr(tc.ServerID)
	}
	if existing.OutputIndex == nil {
		existing.OutputIndex = copyIntPtr(tc.OutputIndex)
	}
	existing.UpdatedAt = time.Now()
	out := *existing
	return &out, nil
}

func (s *MemoryStore) GetToolCall(_ context.Context, conversationID int64, itemID string) (*models.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, ok := s.toolCalls[conversationID][itemID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *tc
	return &out, nil
}

func (s *MemoryStore) ListToolCalls(_ context.Context, conversationID int64) ([]*models.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byItem := s.toolCalls[conversationID]
	out := make([]*models.ToolCall, 0, len(byItem))
	for _, tc := range byItem {
		cc := *tc
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- mcp servers ---

func (s *MemoryStore) CreateServer(_ context.Context, srv *models.MCPServer) (*models.MCPServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.servers[srv.ServerID]; exists {
		return nil, ErrAlreadyExists
	}
	stored := cloneServer(srv)
	stored.ID = s.allocID()
	stored.Version = 1
	stored.LastUpdated = time.Now()
	s.servers[srv.ServerID] = stored
	return cloneServer(stored), nil
}

func (s *MemoryStore) GetServer(_ context.Context, serverID string) (*models.MCPServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneServer(srv), nil
}

func (s *MemoryStore) ListServers(_ context.Context) ([]*models.MCPServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.MCPServer, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, cloneServer(srv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (s *MemoryStore) UpdateServer(_ context.Context, srv *models.MCPServer) (*models.MCPServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.servers[srv.ServerID]
	if !ok {
		return nil, ErrNotFound
	}
	if existing.Version != srv.Version {
		return nil, ErrOptimisticConflict
	}
	stored := cloneServer(srv)
	stored.ID = existing.ID
	stored.Version = existing.Version + 1
	stored.LastUpdated = time.Now()
	s.servers[srv.ServerID] = stored
	return cloneServer(stored), nil
}

func (s *MemoryStore) DeleteServer(_ context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[serverID]; !ok {
		return ErrNotFound
	}
	delete(s.servers, serverID)
	delete(s.policies, serverID)
	return nil
}

// --- approval policies ---

func (s *MemoryStore) GetPolicy(_ context.Context, serverID, toolName string) (*models.ToolApprovalPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[serverID][toolName]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context, serverID string) ([]*models.ToolApprovalPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTool := s.policies[serverID]
	out := make([]*models.ToolApprovalPolicy, 0, len(byTool))
	for _, p := range byTool {
		pp := *p
		out = append(out, &pp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out, nil
}

func (s *MemoryStore) SetPolicy(_ context.Context, serverID, toolName string, policy models.ApprovalPolicy) (*models.ToolApprovalPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTool := s.policies[serverID]
	if byTool == nil {
		byTool = make(map[string]*models.ToolApprovalPolicy)
		s.policies[serverID] = byTool
	}
	if existing, ok := byTool[toolName]; ok {
		existing.Policy = policy
		out := *existing
		return &out, nil
	}
	p := &models.ToolApprovalPolicy{
		ID:       s.allocID(),
		ServerID: serverID,
		ToolName: toolName,
		Policy:   policy,
	}
	byTool[toolName] = p
	out := *p
	return &out, nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, serverID, toolName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[serverID][toolName]; !ok {
		return ErrNotFound
	}
	delete(s.policies[serverID], toolName)
	return nil
}

func copyPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneServer(srv *models.MCPServer) *models.MCPServer {
	out := *srv
	out.APIKeyEnc = copyPtr(srv.APIKeyEnc)
	out.ToolsCache = append([]byte(nil), srv.ToolsCache...)
	out.ResourcesCache = append([]byte(nil), srv.ResourcesCache...)
	out.PromptsCache = append([]byte(nil), srv.PromptsCache...)
	if srv.LastSyncedAt != nil {
		t := *srv.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return &out
}
