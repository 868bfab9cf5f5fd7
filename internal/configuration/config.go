package configuration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"Tradechat/internal/chat"
	"Tradechat/internal/presence"
	"Tradechat/internal/receipt"
	"Tradechat/internal/send"
	"Tradechat/internal/transport"
	"Tradechat/internal/typing"

	"github.com/spf13/viper"
)

const envPrefix = "TRADECHAT"

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type TransportConfig struct {
	Endpoint         string          `mapstructure:"endpoint"`
	HandshakeTimeout time.Duration   `mapstructure:"handshakeTimeout"`
	WriteWait        time.Duration   `mapstructure:"writeWait"`
	PongWait         time.Duration   `mapstructure:"pongWait"`
	PublishTimeout   time.Duration   `mapstructure:"publishTimeout"`
	SendBufferSize   int             `mapstructure:"sendBufferSize"`
	MaxMessageSize   int64           `mapstructure:"maxMessageSize"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"baseUrl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	UserID string `mapstructure:"userId"`
	Token  string `mapstructure:"token"`
}

type TypingConfig struct {
	StopAfter    time.Duration `mapstructure:"stopAfter"`
	RemoteWindow time.Duration `mapstructure:"remoteWindow"`
}

type ReceiptsConfig struct {
	VisibilityThreshold float64 `mapstructure:"visibilityThreshold"`
}

type PresenceConfig struct {
	ActivityWindow time.Duration `mapstructure:"activityWindow"`
	TypingWindow   time.Duration `mapstructure:"typingWindow"`
	RecencyWindow  time.Duration `mapstructure:"recencyWindow"`
	RecencyHorizon time.Duration `mapstructure:"recencyHorizon"`
	StaleAfter     time.Duration `mapstructure:"staleAfter"`
}

type SendConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirmTimeout"`
}

type MonitorConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allowOrigins"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Output      string `mapstructure:"output"`
}

type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	API       APIConfig       `mapstructure:"api"`
	Session   SessionConfig   `mapstructure:"session"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Send      SendConfig      `mapstructure:"send"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DefaultConfig returns the configuration used for every key the file and
// environment leave unset.
func DefaultConfig() *Config {
	tc := transport.DefaultConfig()
	win := presence.DefaultWindows()
	ty := typing.DefaultConfig()
	return &Config{
		Transport: TransportConfig{
			Endpoint:         "ws://localhost:8080/ws",
			HandshakeTimeout: tc.HandshakeTimeout,
			WriteWait:        tc.WriteWait,
			PongWait:         tc.PongWait,
			PublishTimeout:   tc.PublishTimeout,
			SendBufferSize:   tc.SendBufferSize,
			MaxMessageSize:   tc.MaxMessageSize,
			Reconnect: ReconnectConfig{
				InitialInterval: tc.ReconnectInitial,
				MaxInterval:     tc.ReconnectMax,
				Multiplier:      tc.ReconnectMultiplier,
			},
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Typing: TypingConfig{
			StopAfter:    ty.StopAfter,
			RemoteWindow: ty.RemoteWindow,
		},
		Receipts: ReceiptsConfig{VisibilityThreshold: receipt.DefaultThreshold},
		Presence: PresenceConfig{
			ActivityWindow: win.Activity,
			TypingWindow:   win.Typing,
			RecencyWindow:  win.Recency,
			RecencyHorizon: win.RecencyHorizon,
			StaleAfter:     win.StaleAfter,
		},
		Send: SendConfig{ConfirmTimeout: send.DefaultConfig().ConfirmTimeout},
		Monitor: MonitorConfig{
			Port:         8090,
			AllowOrigins: []string{"http://localhost:4200"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
	}
}

// Validate rejects non-positive timeouts and out-of-range thresholds.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"transport.handshakeTimeout":          c.Transport.HandshakeTimeout,
		"transport.writeWait":                 c.Transport.WriteWait,
		"transport.pongWait":                  c.Transport.PongWait,
		"transport.publishTimeout":            c.Transport.PublishTimeout,
		"transport.reconnect.initialInterval": c.Transport.Reconnect.InitialInterval,
		"transport.reconnect.maxInterval":     c.Transport.Reconnect.MaxInterval,
		"api.timeout":                         c.API.Timeout,
		"typing.stopAfter":                    c.Typing.StopAfter,
		"typing.remoteWindow":                 c.Typing.RemoteWindow,
		"presence.activityWindow":             c.Presence.ActivityWindow,
		"presence.typingWindow":               c.Presence.TypingWindow,
		"presence.recencyWindow":              c.Presence.RecencyWindow,
		"presence.recencyHorizon":             c.Presence.RecencyHorizon,
		"presence.staleAfter":                 c.Presence.StaleAfter,
		"send.confirmTimeout":                 c.Send.ConfirmTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if t := c.Receipts.VisibilityThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("receipts.visibilityThreshold must be in (0,1], got %v", t))
	}
	if c.Transport.Reconnect.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("transport.reconnect.multiplier must be at least 1, got %v", c.Transport.Reconnect.Multiplier))
	}
	if c.Transport.Reconnect.MaxInterval < c.Transport.Reconnect.InitialInterval {
		errs = append(errs, errors.New("transport.reconnect.maxInterval must not be below initialInterval"))
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.baseUrl is required"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		errs = append(errs, fmt.Errorf("monitor.port out of range: %d", c.Monitor.Port))
	}
	return errors.Join(errs...)
}

// TransportSettings converts the transport section for transport.NewSession.
func (c *Config) TransportSettings() transport.Config {
	return transport.Config{
		Endpoint:            c.Transport.Endpoint,
		HandshakeTimeout:    c.Transport.HandshakeTimeout,
		WriteWait:           c.Transport.WriteWait,
		PongWait:            c.Transport.PongWait,
		PublishTimeout:      c.Transport.PublishTimeout,
		SendBufferSize:      c.Transport.SendBufferSize,
		MaxMessageSize:      c.Transport.MaxMessageSize,
		ReconnectInitial:    c.Transport.Reconnect.InitialInterval,
		ReconnectMax:        c.Transport.Reconnect.MaxInterval,
		ReconnectMultiplier: c.Transport.Reconnect.Multiplier,
	}
}

// PresenceWindows converts the presence section.
func (c *Config) PresenceWindows() presence.Windows {
	return presence.Windows{
		Activity:       c.Presence.ActivityWindow,
		Typing:         c.Presence.TypingWindow,
		Recency:        c.Presence.RecencyWindow,
		RecencyHorizon: c.Presence.RecencyHorizon,
		StaleAfter:     c.Presence.StaleAfter,
	}
}

// ViewSettings groups the per-view tunables.
func (c *Config) ViewSettings() chat.Config {
	return chat.Config{
		Typing:              typing.Config{StopAfter: c.Typing.StopAfter, RemoteWindow: c.Typing.RemoteWindow},
		Send:                send.Config{ConfirmTimeout: c.Send.ConfirmTimeout},
		VisibilityThreshold: c.Receipts.VisibilityThreshold,
	}
}

// ----- Loader -----

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence defaults < config file < env vars.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setup(cfg)

	if err := l.readConfigFile(); err != nil {
		return nil, err
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads the configuration at path, or the default search
// locations when path is empty.
func LoadConfig(path string) (*Config, error) {
	l := NewLoader()
	l.SetConfigFile(path)
	return l.Load()
}

func (l *Loader) setup(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v, cfg)

	v.AutomaticEnv()
}

// readConfigFile reads the config file. A missing file is only an error
// when it was given explicitly.
func (l *Loader) readConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
		return nil
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to load config file: %w", err)
	}
	return nil
}

// setDefaults registers every key so environment overrides apply to
// nested fields on Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	// Transport
	v.SetDefault("transport.endpoint", cfg.Transport.Endpoint)
	v.SetDefault("transport.handshakeTimeout", cfg.Transport.HandshakeTimeout)
	v.SetDefault("transport.writeWait", cfg.Transport.WriteWait)
	v.SetDefault("transport.pongWait", cfg.Transport.PongWait)
	v.SetDefault("transport.publishTimeout", cfg.Transport.PublishTimeout)
	v.SetDefault("transport.sendBufferSize", cfg.Transport.SendBufferSize)
	v.SetDefault("transport.maxMessageSize", cfg.Transport.MaxMessageSize)
	v.SetDefault("transport.reconnect.initialInterval", cfg.Transport.Reconnect.InitialInterval)
	v.SetDefault("transport.reconnect.maxInterval", cfg.Transport.Reconnect.MaxInterval)
	v.SetDefault("transport.reconnect.multiplier", cfg.Transport.Reconnect.Multiplier)

	// API
	v.SetDefault("api.baseUrl", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)

	// Session
	v.SetDefault("session.userId", cfg.Session.UserID)
	v.SetDefault("session.token", cfg.Session.Token)

	// Components
	v.SetDefault("typing.stopAfter", cfg.Typing.StopAfter)
	v.SetDefault("typing.remoteWindow", cfg.Typing.RemoteWindow)
	v.SetDefault("receipts.visibilityThreshold", cfg.Receipts.VisibilityThreshold)
	v.SetDefault("presence.activityWindow", cfg.Presence.ActivityWindow)
	v.SetDefault("presence.typingWindow", cfg.Presence.TypingWindow)
	v.SetDefault("presence.recencyWindow", cfg.Presence.RecencyWindow)
	v.SetDefault("presence.recencyHorizon", cfg.Presence.RecencyHorizon)
	v.SetDefault("presence.staleAfter", cfg.Presence.StaleAfter)
	v.SetDefault("send.confirmTimeout", cfg.Send.ConfirmTimeout)

	// Monitor
	v.SetDefault("monitor.enabled", cfg.Monitor.Enabled)
	v.SetDefault("monitor.port", cfg.Monitor.Port)
	v.SetDefault("monitor.allowOrigins", cfg.Monitor.AllowOrigins)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.development", cfg.Logging.Development)
	v.SetDefault("logging.output", cfg.Logging.Output)
}
