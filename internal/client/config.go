package client

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
)

// Config describes how to reach and authenticate with a chat server.
type Config struct {
	Host      string
	Port      int
	Name      string
	Password  string
	PublicKey string

	MaxAttempts      int
	RetryDelay       time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     int
}

// DefaultConfig returns the connection defaults for a local server.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             7777,
		MaxAttempts:      5,
		RetryDelay:       time.Second,
		RequestTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
	}
}

// ValidationError reports an unusable Config field.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Validate checks the account name, host and port.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Value: c.Name, Reason: "must not be empty"}
	}
	if c.Host != "localhost" && net.ParseIP(c.Host) == nil {
		return &ValidationError{Field: "host", Value: c.Host, Reason: "must be an IP address or localhost"}
	}
	if c.Port < 1024 || c.Port > 65535 {
		return &ValidationError{Field: "port", Value: strconv.Itoa(c.Port), Reason: "must be in 1024..65535"}
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	return c
}

// URL returns the WebSocket endpoint of the server.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/ws",
	}
	return u.String()
}
