package repo

import (
	"context"
	"net/http"
	"strings"

	"Tradechat/internal/model"

	"go.uber.org/zap"
)

type messageRepository struct {
	client *Client
	logger *zap.Logger
}

type MessageRepository interface {
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, content, clientTempID string) (model.Message, error)
}

// sendMessageRequest is the body of the fallback send call
type sendMessageRequest struct {
	Content      string `json:"content"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

func NewMessageRepository(client *Client, logger *zap.Logger) MessageRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &messageRepository{
		client: client,
		logger: logger,
	}
}

// -----------------------------------------------------------------------------
// GetMessages - history of one conversation in send order
// -----------------------------------------------------------------------------
func (m *messageRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	msgs, err := get[[]model.Message](ctx, m.client, "/api/conversations/{id}/messages", map[string]string{"id": conversationID})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("messages retrieved",
		zap.String("conversation_id", conversationID),
		zap.Int("count", len(msgs)),
	)
	return msgs, nil
}

// -----------------------------------------------------------------------------
// SendMessage - persists one message; never retried
// -----------------------------------------------------------------------------
func (m *messageRepository) SendMessage(ctx context.Context, conversationID, content, clientTempID string) (model.Message, error) {
	if conversationID == "" {
		return model.Message{}, ErrInvalidConversationID
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyContent
	}

	msg, err := write[model.Message](ctx, m.client, http.MethodPost, "/api/conversations/{id}/messages",
		map[string]string{"id": conversationID},
		sendMessageRequest{Content: content, ClientTempID: clientTempID},
	)
	if err != nil {
		return model.Message{}, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	m.logger.Info("message sent over fallback",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
	)
	return msg, nil
}
