package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// BUSINESS_SERVER_PORT or BUSINESS_HEARTBEAT_PING_INTERVAL_SECONDS.
const EnvPrefix = "BUSINESS"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Metrics   MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
}

// ServerConfig contains listener configuration
type ServerConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
	// AllowedOrigins restricts browser origins for CORS and the WebSocket
	// upgrade. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds" envconfig:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// HeartbeatConfig controls connection liveness
type HeartbeatConfig struct {
	PingIntervalSeconds     int `yaml:"ping_interval_seconds" envconfig:"PING_INTERVAL_SECONDS"`
	PongTimeoutSeconds      int `yaml:"pong_timeout_seconds" envconfig:"PONG_TIMEOUT_SECONDS"`
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds" envconfig:"HANDSHAKE_TIMEOUT_SECONDS"`
	// SendBuffer is the per-connection outbound queue length. A peer whose
	// queue is full misses broadcasts instead of stalling the sender.
	SendBuffer int `yaml:"send_buffer" envconfig:"SEND_BUFFER"`
}

// AuthConfig contains token issuance configuration
type AuthConfig struct {
	JWTSecret          string `yaml:"jwt_secret" envconfig:"JWT_SECRET"` // generated at startup if empty
	Issuer             string `yaml:"issuer" envconfig:"ISSUER"`
	TokenExpiryMinutes int    `yaml:"token_expiry_minutes" envconfig:"TOKEN_EXPIRY_MINUTES"`
	RefreshExpiryHours int    `yaml:"refresh_expiry_hours" envconfig:"REFRESH_EXPIRY_HOURS"`
	// OTPMaxAttempts and OTPWindowSeconds rate limit OTP verification per email.
	OTPMaxAttempts   int  `yaml:"otp_max_attempts" envconfig:"OTP_MAX_ATTEMPTS"`
	OTPWindowSeconds int  `yaml:"otp_window_seconds" envconfig:"OTP_WINDOW_SECONDS"`
	StaticTokens     bool `yaml:"static_tokens" envconfig:"STATIC_TOKENS"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with the reference deployment's values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ShutdownTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Heartbeat: HeartbeatConfig{
			PingIntervalSeconds:     60,
			PongTimeoutSeconds:      30,
			HandshakeTimeoutSeconds: 30,
			SendBuffer:              64,
		},
		Auth: AuthConfig{
			Issuer:             "business-server",
			TokenExpiryMinutes: 60,
			RefreshExpiryHours: 24 * 7,
			OTPMaxAttempts:     5,
			OTPWindowSeconds:   60,
			StaticTokens:       true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "business",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Heartbeat.PingIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat ping interval must be positive")
	}
	if c.Heartbeat.PongTimeoutSeconds <= 0 {
		return fmt.Errorf("heartbeat pong timeout must be positive")
	}
	if c.Heartbeat.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.Heartbeat.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Auth.TokenExpiryMinutes <= 0 {
		return fmt.Errorf("token expiry must be positive")
	}

	return nil
}

// Address returns the listen address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PingInterval is how often the server pings an idle connection.
func (h HeartbeatConfig) PingInterval() time.Duration {
	return time.Duration(h.PingIntervalSeconds) * time.Second
}

// PongTimeout is the grace period after a ping before the peer is dead.
func (h HeartbeatConfig) PongTimeout() time.Duration {
	return time.Duration(h.PongTimeoutSeconds) * time.Second
}

// HandshakeTimeout bounds the wait for the connect request.
func (h HeartbeatConfig) HandshakeTimeout() time.Duration {
	return time.Duration(h.HandshakeTimeoutSeconds) * time.Second
}

// TokenExpiry is the lifetime of issued access tokens.
func (a AuthConfig) TokenExpiry() time.Duration {
	return time.Duration(a.TokenExpiryMinutes) * time.Minute
}

// RefreshExpiry is the lifetime of refresh tokens.
func (a AuthConfig) RefreshExpiry() time.Duration {
	return time.Duration(a.RefreshExpiryHours) * time.Hour
}

// OTPWindow is the rate limit refill period for OTP verification.
func (a AuthConfig) OTPWindow() time.Duration {
	return time.Duration(a.OTPWindowSeconds) * time.Second
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
