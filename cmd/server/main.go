// Package main provides the business server: one listener serving the
// WebSocket coordination protocol and the HTTP login API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/api"
	"github.com/sirosfoundation/go-business-server/internal/auth"
	"github.com/sirosfoundation/go-business-server/internal/handler"
	"github.com/sirosfoundation/go-business-server/internal/hub"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/server"
	"github.com/sirosfoundation/go-business-server/internal/session"
	"github.com/sirosfoundation/go-business-server/internal/storage/memory"
	"github.com/sirosfoundation/go-business-server/pkg/config"
	"github.com/sirosfoundation/go-business-server/pkg/logging"
	"github.com/sirosfoundation/go-business-server/pkg/middleware"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type flags struct {
	host       string
	port       int
	logLevel   string
	configFile string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "business-server",
		Short:        "Multi-client WebSocket server for business wallet coordination",
		Version:      fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd, f, cfg)
		},
	}
	cmd.Flags().StringVar(&f.host, "host", "0.0.0.0", "Address to bind")
	cmd.Flags().IntVarP(&f.port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVarP(&f.logLevel, "log-level", "l", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to a YAML configuration file")
	return cmd
}

// loadConfig layers defaults, the config file, the environment and then
// explicitly set flags.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cmd, f, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, f flags, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
}

func run(cmd *cobra.Command, f flags, cfg *config.Config) error {
	logger, level, err := logging.NewAtomicLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting business server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("address", cfg.Server.Address()),
	)

	store := memory.Seed()
	defer func() { _ = store.Close() }()

	authMgr := auth.NewManager(cfg.Auth, store, logger)
	authMgr.Start()
	defer authMgr.Stop()
	if cfg.Auth.StaticTokens {
		logger.Warn("Static demo tokens are enabled")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	sessions := session.NewManager(cfg.Heartbeat, session.Deps{
		Auth:    authMgr,
		Handler: handler.New(store, logger),
		Orgs:    store,
		Hub:     hub.New(logger),
		Metrics: m,
	}, logger, session.WithAllowedOrigins(cfg.Server.AllowedOrigins))

	limits := middleware.RateLimitConfig{
		Attempts: cfg.Auth.OTPMaxAttempts,
		Window:   cfg.Auth.OTPWindow(),
		Enabled:  cfg.Auth.OTPMaxAttempts > 0,
	}
	verifyLimiter := middleware.NewRateLimiter(limits, logger)
	defer verifyLimiter.Stop()
	otpLimiter := middleware.NewRateLimiter(limits, logger)
	defer otpLimiter.Stop()

	handlers := api.NewHandlers(api.Deps{
		Auth:          authMgr,
		Store:         store,
		Sessions:      sessions,
		Metrics:       m,
		VerifyLimiter: verifyLimiter,
	}, version, logger)

	srv := server.New(cfg.Server, cfg.Logging.Level == "debug", logger)
	srv.AddProvider(server.NewAPIProvider(handlers, otpLimiter))
	srv.AddProvider(server.NewWebSocketProvider(sessions))

	if err := srv.Listen(); err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}

	if f.configFile != "" {
		w, err := config.Watch(f.configFile, logger, func(next *config.Config) {
			applyFlags(cmd, f, next)
			level.SetLevel(logging.ParseLevel(next.Logging.Level))
			logger.Info("Configuration reloaded", zap.String("log_level", next.Logging.Level))
			if sections := cfg.RestartRequired(next); len(sections) > 0 {
				logger.Warn("Changes take effect after restart", zap.Strings("sections", sections))
			}
		})
		if err != nil {
			logger.Warn("Config file watching disabled", zap.Error(err))
		} else {
			defer func() { _ = w.Close() }()
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server stopped", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	<-serveErr

	logger.Info("Server exited")
	return nil
}
