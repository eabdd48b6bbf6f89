package services

import (
	"context"

	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// ConversationService serves read access to conversation history.
type ConversationService struct {
	store store.Store
}

// NewConversationService creates a ConversationService.
func NewConversationService(st store.Store) *ConversationService {
	return &ConversationService{store: st}
}

// ConversationDetail is one conversation with its full transcript.
type ConversationDetail struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
	ToolCalls    []*models.ToolCall   `json:"tool_calls"`
}

// ListConversations returns all conversations, newest first.
func (s *ConversationService) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.store.ListConversations(dbCtx)
}

// GetConversationDetail loads a conversation with its messages and tool calls.
func (s *ConversationService) GetConversationDetail(ctx context.Context, id int64) (*ConversationDetail, error) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	conv, err := s.store.GetConversation(dbCtx, id)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(dbCtx, id)
	if err != nil {
		return nil, err
	}
	toolCalls, err := s.store.ListToolCalls(dbCtx, id)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{
		Conversation: conv,
		Messages:     messages,
		ToolCalls:    toolCalls,
	}, nil
}
