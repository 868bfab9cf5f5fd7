package repo

import (
	"context"
	"net/http"

	"Tradechat/internal/model"

	"go.uber.org/zap"
)

type notificationRepository struct {
	client *Client
	logger *zap.Logger
}

type NotificationRepository interface {
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (model.Notification, error)
}

func NewNotificationRepository(client *Client, logger *zap.Logger) NotificationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &notificationRepository{
		client: client,
		logger: logger,
	}
}

func (r *notificationRepository) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	if id == "" {
		return model.Notification{}, ErrInvalidNotificationID
	}
	return get[model.Notification](ctx, r.client, "/api/notifications/{id}", map[string]string{"id": id})
}

// MarkNotificationRead sets the read flag. Setting it twice is harmless.
func (r *notificationRepository) MarkNotificationRead(ctx context.Context, id string) (model.Notification, error) {
	if id == "" {
		return model.Notification{}, ErrInvalidNotificationID
	}

	n, err := write[model.Notification](ctx, r.client, http.MethodPatch, "/api/notifications/{id}",
		map[string]string{"id": id},
		map[string]bool{"read": true},
	)
	if err != nil {
		return model.Notification{}, err
	}

	r.logger.Debug("notification marked read", zap.String("notification_id", id))
	return n, nil
}
