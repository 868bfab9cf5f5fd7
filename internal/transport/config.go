package transport

import "time"

// Config holds the tuning parameters of a Session.
type Config struct {
	Endpoint         string
	HandshakeTimeout time.Duration // dial + authenticate round trip
	WriteWait        time.Duration // time allowed to write a frame to the server
	PongWait         time.Duration // time allowed to read the next pong
	PublishTimeout   time.Duration // upper bound for Publish
	SendBufferSize   int
	MaxMessageSize   int64

	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
}

// DefaultConfig returns the parameters used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    10 * time.Second,
		WriteWait:           10 * time.Second,
		PongWait:            20 * time.Second,
		PublishTimeout:      2 * time.Second,
		SendBufferSize:      256,
		MaxMessageSize:      64 * 1024,
		ReconnectInitial:    500 * time.Millisecond,
		ReconnectMax:        30 * time.Second,
		ReconnectMultiplier: 2,
	}
}

// pingInterval sends pings to the server with this period; it must be
// shorter than PongWait.
func (c Config) pingInterval() time.Duration {
	return (c.PongWait * 9) / 10
}

// Credentials is what the session needs from the authentication layer.
type Credentials interface {
	CurrentUserID() string
	IsAuthenticated() bool
	Token() string
}

// StaticCredentials is a fixed user id and bearer token.
type StaticCredentials struct {
	UserID      string
	AccessToken string
}

func (c StaticCredentials) CurrentUserID() string { return c.UserID }
func (c StaticCredentials) Token() string         { return c.AccessToken }
func (c StaticCredentials) IsAuthenticated() bool { return c.UserID != "" && c.AccessToken != "" }
