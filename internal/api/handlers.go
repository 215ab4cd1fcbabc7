package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/auth"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
	"github.com/sirosfoundation/go-business-server/internal/storage"
	"github.com/sirosfoundation/go-business-server/pkg/middleware"
)

// publicAPIKey is handed to installers by /v1/desktop. Any key is accepted.
const publicAPIKey = "dummy-api-key"

// Authenticator is the part of the auth manager the HTTP API uses.
type Authenticator interface {
	RequestOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Revoke(token string) error
}

// StatsSource reports store health and entity counts.
type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
	Ping(ctx context.Context) error
}

// ConnectionCounter reports the number of open WebSocket sessions.
type ConnectionCounter interface {
	Len() int
}

// Deps are the collaborators of Handlers.
type Deps struct {
	Auth     Authenticator
	Store    StatsSource
	Sessions ConnectionCounter
	Metrics  *metrics.Metrics
	// VerifyLimiter limits OTP verification attempts per email.
	VerifyLimiter *middleware.RateLimiter
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	deps    Deps
	version string
	logger  *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps Deps, version string, logger *zap.Logger) *Handlers {
	return &Handlers{
		deps:    deps,
		version: version,
		logger:  logger.Named("api"),
	}
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	resp := StatusResponse{
		Status:          "ok",
		Service:         ServiceName,
		Version:         h.version,
		ProtocolVersion: protocol.Version,
		Capabilities:    Capabilities,
	}
	if h.deps.Sessions != nil {
		resp.Connections = h.deps.Sessions.Len()
	}
	stats, err := h.deps.Store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read store stats", zap.Error(err))
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Orgs, resp.Wallets, resp.Users = stats.Orgs, stats.Wallets, stats.Users
	c.JSON(http.StatusOK, resp)
}

// Health answers 200 while the store is usable.
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics serves the Prometheus registry.
func (h *Handlers) Metrics(c *gin.Context) {
	h.deps.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// DesktopConfig handles /v1/desktop. URLs are derived from the Host header
// the client used to reach us.
func (h *Handlers) DesktopConfig(c *gin.Context) {
	scheme, wsScheme := "http", "ws"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme, wsScheme = "https", "wss"
	}
	base := scheme + "://" + c.Request.Host
	c.JSON(http.StatusOK, ServiceConfig{
		AuthAPIURL:       base,
		AuthAPIPublicKey: publicAPIKey,
		BackendAPIURL:    base,
		WebSocketURL:     wsScheme + "://" + c.Request.Host + "/ws",
	})
}

// OTPRequest is the body of POST /auth/v1/otp.
type OTPRequest struct {
	Email      string `json:"email" binding:"required"`
	CreateUser bool   `json:"create_user"`
}

// VerifyRequest is the body of POST /auth/v1/verify. Token is the OTP code.
type VerifyRequest struct {
	Email string `json:"email" binding:"required"`
	Token string `json:"token" binding:"required"`
	Type  string `json:"type"`
}

// RefreshRequest is the body of POST /auth/v1/token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RequestOTP issues a login code. The answer is the same for known and
// unknown addresses.
func (h *Handlers) RequestOTP(c *gin.Context) {
	var req OTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Auth.RequestOTP(c.Request.Context(), req.Email); err != nil {
		h.logger.Error("Failed to issue OTP", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// VerifyOTP exchanges a login code for tokens.
func (h *Handlers) VerifyOTP(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := strings.ToLower(strings.TrimSpace(req.Email))
	if h.deps.VerifyLimiter != nil && !h.deps.VerifyLimiter.Allow(key) {
		h.deps.Metrics.OTPVerification("limited")
		middleware.TooManyRequests(c, h.deps.VerifyLimiter.RetryAfter())
		return
	}

	pair, err := h.deps.Auth.VerifyOTP(c.Request.Context(), req.Email, req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidOTP) {
			h.deps.Metrics.OTPVerification("invalid")
			h.logger.Warn("Invalid OTP code", zap.String("email", key))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid OTP code"})
			return
		}
		h.logger.Error("Failed to verify OTP", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify code"})
		return
	}

	h.deps.Metrics.OTPVerification("ok")
	c.JSON(http.StatusOK, pair)
}

// RefreshToken rotates a refresh token.
func (h *Handlers) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := h.deps.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
			return
		}
		h.logger.Error("Failed to refresh token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Logout revokes the bearer token of the request. Open sessions using it
// fail their next request with INVALID_TOKEN.
func (h *Handlers) Logout(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
		return
	}
	if err := h.deps.Auth.Revoke(token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	c.Status(http.StatusNoContent)
}
