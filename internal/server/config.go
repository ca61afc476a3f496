package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys. Each is also read from the upper-case environment
// variable of the same name.
const (
	KeyListenAddress   = "listen_address"
	KeyPort            = "server_port"
	KeyAllowedOrigins  = "allowed_origins"
	KeyMaxMessageSize  = "max_message_size"
	KeyRateLimitBurst  = "rate_limit_burst"
	KeyRateLimitRefill = "rate_limit_refill_interval"
	KeyAuthTimeout     = "auth_timeout"
	KeyDatabasePath    = "database_path"
	KeyAccountsFile    = "accounts_file"
	KeyLogLevel        = "log_level"
)

const (
	DefaultPort           = 7777
	DefaultMaxMessageSize = 1024
	DefaultAuthTimeout    = 10 * time.Second
	DefaultDatabasePath   = "chat.db"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	// ListenAddress is the IP to bind; empty binds every interface.
	ListenAddress  string
	Port           int
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout  time.Duration
	DatabasePath string
	AccountsFile string
	LogLevel     string
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		MaxMessageSize: DefaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		AuthTimeout:  DefaultAuthTimeout,
		DatabasePath: DefaultDatabasePath,
		LogLevel:     "info",
	}
}

// SetDefaults registers the defaults of every key on v and binds the
// environment.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault(KeyListenAddress, def.ListenAddress)
	v.SetDefault(KeyPort, def.Port)
	v.SetDefault(KeyAllowedOrigins, "")
	v.SetDefault(KeyMaxMessageSize, def.MaxMessageSize)
	v.SetDefault(KeyRateLimitBurst, def.RateLimit.Burst)
	v.SetDefault(KeyRateLimitRefill, "1s")
	v.SetDefault(KeyAuthTimeout, def.AuthTimeout.String())
	v.SetDefault(KeyDatabasePath, def.DatabasePath)
	v.SetDefault(KeyAccountsFile, "")
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.AutomaticEnv()
}

// LoadConfig builds a Config from v. Unparsable or non-positive sizes, rates
// and a non-numeric port fall back to their defaults; the result is validated.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	cfg.ListenAddress = strings.TrimSpace(v.GetString(KeyListenAddress))
	cfg.Port = parsePort(v.GetString(KeyPort))
	cfg.AllowedOrigins = parseOrigins(v.GetString(KeyAllowedOrigins))
	cfg.MaxMessageSize = v.GetInt64(KeyMaxMessageSize)
	cfg.RateLimit.Burst = v.GetInt(KeyRateLimitBurst)
	cfg.DatabasePath = v.GetString(KeyDatabasePath)
	cfg.AccountsFile = v.GetString(KeyAccountsFile)
	cfg.LogLevel = v.GetString(KeyLogLevel)

	interval, err := parseInterval(v.GetString(KeyRateLimitRefill))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyRateLimitRefill, err)
	}
	cfg.RateLimit.RefillInterval = interval

	authTimeout, err := parseInterval(v.GetString(KeyAuthTimeout))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyAuthTimeout, err)
	}
	cfg.AuthTimeout = authTimeout

	cfg = cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Validate checks the listening endpoint.
func (c Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1024..65535", c.Port)
	}
	if c.ListenAddress != "" && net.ParseIP(c.ListenAddress) == nil {
		return fmt.Errorf("listen address %q is not an IP address", c.ListenAddress)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// parsePort returns DefaultPort for text that is not a number. Numeric
// values are left for Validate to range-check.
func parsePort(value string) int {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return DefaultPort
	}
	return port
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}
