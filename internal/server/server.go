// Package server combines route providers into one HTTP listener that
// serves the WebSocket endpoint and the HTTP API side by side.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/pkg/config"
	"github.com/sirosfoundation/go-business-server/pkg/middleware"
)

// RouteProvider contributes routes to the shared router.
type RouteProvider interface {
	// Name returns the provider name for logging
	Name() string

	// RegisterRoutes adds this provider's routes to the router.
	RegisterRoutes(router *gin.Engine)
}

// Drainer is implemented by providers that own long-lived connections the
// HTTP server cannot close on its own, such as hijacked WebSockets.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// Server owns the listener and the router.
type Server struct {
	cfg    config.ServerConfig
	debug  bool
	logger *zap.Logger

	providers []RouteProvider

	listener   net.Listener
	httpServer *http.Server
}

// New creates a server. debug switches gin to debug mode.
func New(cfg config.ServerConfig, debug bool, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		debug:  debug,
		logger: logger.Named("server"),
	}
}

// AddProvider registers a RouteProvider. Call before Listen.
func (s *Server) AddProvider(p RouteProvider) {
	s.providers = append(s.providers, p)
	s.logger.Debug("Added route provider", zap.String("name", p.Name()))
}

// Listen binds the configured address and builds the router. Bind failures
// are returned here so the caller can exit before anything is served.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Address(), err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return nil
}

// Router builds a router with the common middleware and every provider's
// routes.
func (s *Server) Router() *gin.Engine {
	if s.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(s.logger))
	router.Use(cors.New(s.corsConfig()))

	for _, p := range s.providers {
		s.logger.Info("Registering routes", zap.String("provider", p.Name()))
		p.RegisterRoutes(router)
	}
	return router
}

func (s *Server) corsConfig() cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "apikey", "User-Agent"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = s.cfg.AllowedOrigins
	}
	return c
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve() error {
	if s.httpServer == nil {
		return errors.New("server: Serve called before Listen")
	}
	s.logger.Info("Server listening", zap.String("address", s.listener.Addr().String()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, waits for in-flight HTTP requests
// and then drains providers that hold long-lived connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	for _, p := range s.providers {
		d, ok := p.(Drainer)
		if !ok {
			continue
		}
		if err := d.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", p.Name(), err))
		}
	}

	return errors.Join(errs...)
}
