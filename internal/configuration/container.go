package configuration

import (
	"context"
	"errors"
	"fmt"

	"Tradechat/internal/chat"
	"Tradechat/internal/clock"
	"Tradechat/internal/monitor"
	"Tradechat/internal/presence"
	"Tradechat/internal/repo"
	"Tradechat/internal/transport"

	"go.uber.org/zap"
)

var ErrMissingUser = errors.New("configuration: session.userId is required")

type Container struct {
	Config Config
	Logger *zap.Logger

	Session       *transport.Session
	Presence      *presence.Tracker
	Conversations repo.ConversationRepository
	Messages      repo.MessageRepository
	Notifications repo.NotificationRepository
	Inbox         *chat.Manager
	Monitor       *monitor.MonitorService

	// private - for cleanup
	unbindPresence func()
}

// BuildContainer wires every component from config. Nothing connects
// until Start.
func BuildContainer(config *Config) (*Container, error) {
	if config.Session.UserID == "" {
		return nil, ErrMissingUser
	}

	logger, err := NewLogger(config.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	creds := transport.StaticCredentials{UserID: config.Session.UserID, AccessToken: config.Session.Token}
	clk := clock.Real()

	session := transport.NewSession(config.TransportSettings(), creds, logger, transport.WithClock(clk))
	tracker := presence.NewTracker(config.PresenceWindows(), session, clk, logger)

	client := repo.NewClient(config.API.BaseURL, config.API.Timeout, creds, logger)
	conversationRepo := repo.NewConversationRepository(client, logger)
	messageRepo := repo.NewMessageRepository(client, logger)
	notificationRepo := repo.NewNotificationRepository(client, logger)

	inbox := chat.NewManager(chat.Deps{
		Session:       session,
		Conversations: conversationRepo,
		Messages:      messageRepo,
		Presence:      tracker,
		Clock:         clk,
		Logger:        logger,
		Config:        config.ViewSettings(),
	}, notificationRepo)

	return &Container{
		Config:         *config,
		Logger:         logger,
		Session:        session,
		Presence:       tracker,
		Conversations:  conversationRepo,
		Messages:       messageRepo,
		Notifications:  notificationRepo,
		Inbox:          inbox,
		Monitor:        monitor.NewMonitorService(session, inbox, tracker),
		unbindPresence: tracker.Bind(session),
	}, nil
}

// Start follows the inbox and connects the live transport. A failed
// connection leaves the session degraded and reconnecting.
func (c *Container) Start(ctx context.Context) {
	c.Inbox.Start()
	c.Session.Connect(ctx)
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	// Close views first so their subscriptions are released
	if c.Inbox != nil {
		c.Inbox.Close()
	}
	if c.unbindPresence != nil {
		c.unbindPresence()
	}
	if c.Session != nil {
		c.Session.Disconnect()
	}

	// Sync logger
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return nil
}

// NewLogger builds the production or development zap logger.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	if cfg.Output != "" {
		zc.OutputPaths = []string{cfg.Output}
	}
	return zc.Build()
}
