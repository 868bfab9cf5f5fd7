package repo

import (
	"context"

	"Tradechat/internal/model"

	"go.uber.org/zap"
)

type conversationRepository struct {
	client *Client
	logger *zap.Logger
}

type ConversationRepository interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

func NewConversationRepository(client *Client, logger *zap.Logger) ConversationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &conversationRepository{
		client: client,
		logger: logger,
	}
}

// ListConversations fetches the inbox of the current user, most recent first
func (r *conversationRepository) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	conversations, err := get[[]model.Conversation](ctx, r.client, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("conversations retrieved", zap.Int("count", len(conversations)))
	return conversations, nil
}
