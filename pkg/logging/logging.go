// Package logging builds the zap loggers used by the server and client
// binaries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `yaml:"level" envconfig:"LEVEL"`
	// Format is the output format: json or text
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

// NewLogger creates a new zap logger based on the configuration
func NewLogger(cfg Config) (*zap.Logger, error) {
	logger, _, err := NewAtomicLogger(cfg)
	return logger, err
}

// NewAtomicLogger is NewLogger that also returns the level handle, so the
// level can be changed while the logger is in use.
func NewAtomicLogger(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	// Session loops log per frame at debug; sampling would hide ordering.
	zapCfg.Sampling = nil

	logger, err := zapCfg.Build()
	return logger, zapCfg.Level, err
}

// ParseLevel converts a string level to zapcore.Level. Unknown values map
// to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// ValidLevel reports whether level is one of the accepted level names.
func ValidLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
