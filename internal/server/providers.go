package server

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-business-server/internal/api"
	"github.com/sirosfoundation/go-business-server/internal/session"
	"github.com/sirosfoundation/go-business-server/pkg/middleware"
)

// APIProvider serves status, discovery and OTP login routes.
type APIProvider struct {
	handlers *api.Handlers
	// otpLimiter limits code requests per client IP.
	otpLimiter *middleware.RateLimiter
}

// NewAPIProvider creates the HTTP API route provider.
func NewAPIProvider(handlers *api.Handlers, otpLimiter *middleware.RateLimiter) *APIProvider {
	return &APIProvider{handlers: handlers, otpLimiter: otpLimiter}
}

func (p *APIProvider) Name() string { return "api" }

func (p *APIProvider) RegisterRoutes(router *gin.Engine) {
	h := p.handlers
	router.GET("/status", h.Status)
	router.GET("/health", h.Health)
	router.GET("/metrics", h.Metrics)
	router.GET("/v1/desktop", h.DesktopConfig)

	authGroup := router.Group("/auth/v1")
	{
		otp := []gin.HandlerFunc{h.RequestOTP}
		if p.otpLimiter != nil {
			otp = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(p.otpLimiter)}, otp...)
		}
		authGroup.POST("/otp", otp...)
		authGroup.POST("/verify", h.VerifyOTP)
		authGroup.POST("/token", h.RefreshToken)
		authGroup.POST("/logout", h.Logout)
	}
}

// WebSocketProvider upgrades /ws and / to protocol sessions.
type WebSocketProvider struct {
	sessions *session.Manager
}

// NewWebSocketProvider creates the WebSocket route provider.
func NewWebSocketProvider(sessions *session.Manager) *WebSocketProvider {
	return &WebSocketProvider{sessions: sessions}
}

func (p *WebSocketProvider) Name() string { return "websocket" }

func (p *WebSocketProvider) RegisterRoutes(router *gin.Engine) {
	upgrade := gin.WrapF(p.sessions.HandleConnection)
	router.GET("/ws", upgrade)
	router.GET("/", upgrade)
}

// Shutdown closes every session with a going-away frame.
func (p *WebSocketProvider) Shutdown(ctx context.Context) error {
	return p.sessions.Shutdown(ctx)
}
