package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/api"
	"github.com/sirosfoundation/go-business-server/internal/auth"
	"github.com/sirosfoundation/go-business-server/internal/client"
	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/handler"
	"github.com/sirosfoundation/go-business-server/internal/hub"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/server"
	"github.com/sirosfoundation/go-business-server/internal/session"
	"github.com/sirosfoundation/go-business-server/internal/storage/memory"
	"github.com/sirosfoundation/go-business-server/pkg/config"
	"github.com/sirosfoundation/go-business-server/pkg/middleware"
)

// OTPCode is the one-time code every login in the harness receives.
const OTPCode = "424242"

// TestHarness runs the complete server on an ephemeral port: the HTTP API
// and the WebSocket endpoint on one listener, over seeded memory storage.
type TestHarness struct {
	T       *testing.T
	Config  *config.Config
	Storage *memory.Store
	Auth    *auth.Manager
	Server  *server.Server
	Logger  *zap.Logger

	// Client is a pre-configured HTTP client for making requests
	Client *http.Client

	// BaseURL is the http:// root of the server, WSURL its /ws endpoint.
	BaseURL string
	WSURL   string
}

// TestHarnessOption configures the test harness
type TestHarnessOption func(*TestHarness)

// WithConfig sets a custom config for the test harness
func WithConfig(cfg *config.Config) TestHarnessOption {
	return func(h *TestHarness) {
		h.Config = cfg
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret-key-for-integration-tests"
	cfg.Metrics.Namespace = "it"
	return cfg
}

// NewTestHarness starts a server and stops it when the test ends.
func NewTestHarness(t *testing.T, opts ...TestHarnessOption) *TestHarness {
	t.Helper()

	gin.SetMode(gin.TestMode)

	h := &TestHarness{
		T:      t,
		Logger: zap.NewNop(),
		Client: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.Config == nil {
		h.Config = testConfig()
	}
	h.Config.Server.Host = "127.0.0.1"
	h.Config.Server.Port = 0

	h.Storage = memory.Seed()
	h.Auth = auth.NewManager(h.Config.Auth, h.Storage, h.Logger,
		auth.WithOTPGenerator(func() (string, error) { return OTPCode, nil }))
	h.Auth.Start()

	m := metrics.New(h.Config.Metrics.Namespace)
	sessions := session.NewManager(h.Config.Heartbeat, session.Deps{
		Auth:    h.Auth,
		Handler: handler.New(h.Storage, h.Logger),
		Orgs:    h.Storage,
		Hub:     hub.New(h.Logger),
		Metrics: m,
	}, h.Logger)

	limits := middleware.RateLimitConfig{
		Attempts: h.Config.Auth.OTPMaxAttempts,
		Window:   h.Config.Auth.OTPWindow(),
		Enabled:  true,
	}
	verifyLimiter := middleware.NewRateLimiter(limits, h.Logger)
	otpLimiter := middleware.NewRateLimiter(limits, h.Logger)

	handlers := api.NewHandlers(api.Deps{
		Auth:          h.Auth,
		Store:         h.Storage,
		Sessions:      sessions,
		Metrics:       m,
		VerifyLimiter: verifyLimiter,
	}, "integration", h.Logger)

	h.Server = server.New(h.Config.Server, false, h.Logger)
	h.Server.AddProvider(server.NewAPIProvider(handlers, otpLimiter))
	h.Server.AddProvider(server.NewWebSocketProvider(sessions))
	if err := h.Server.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Server.Serve() }()

	addr := h.Server.Addr().String()
	h.BaseURL = "http://" + addr
	h.WSURL = "ws://" + addr + "/ws"

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Server.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		<-done
		verifyLimiter.Stop()
		otpLimiter.Stop()
		h.Auth.Stop()
	})

	return h
}

// Dial opens a protocol client authenticated with token.
func (h *TestHarness) Dial(token string) *client.Client {
	h.T.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, h.WSURL, token)
	if err != nil {
		h.T.Fatalf("Failed to dial: %v", err)
	}
	h.T.Cleanup(func() { _ = c.Close() })
	return c
}

// Login runs the OTP flow over HTTP and returns the issued token pair.
func (h *TestHarness) Login(email string) *auth.TokenPair {
	h.T.Helper()
	h.POST("/auth/v1/otp", map[string]any{"email": email}).Status(http.StatusOK)

	var tokens auth.TokenPair
	h.POST("/auth/v1/verify", map[string]any{
		"email": email, "token": OTPCode, "type": "email",
	}).Status(http.StatusOK).JSON(&tokens)
	if tokens.AccessToken == "" {
		h.T.Fatalf("Login for %s returned no access token", email)
	}
	return &tokens
}

// WalletByName looks a seeded wallet up through the administrator's view.
func (h *TestHarness) WalletByName(name string) *domain.Wallet {
	h.T.Helper()
	ctx := context.Background()
	admin, err := h.Storage.UserByEmail(ctx, memory.AdminEmail)
	if err != nil {
		h.T.Fatalf("No administrator: %v", err)
	}
	orgs, err := h.Storage.VisibleOrgs(ctx, admin.ID)
	if err != nil {
		h.T.Fatalf("Failed to list orgs: %v", err)
	}
	for _, o := range orgs {
		for _, id := range o.Wallets {
			w, err := h.Storage.Wallet(ctx, admin.ID, id)
			if err == nil && w.Alias == name {
				return w
			}
		}
	}
	h.T.Fatalf("No wallet named %q", name)
	return nil
}

// Request makes an HTTP request to the test server
func (h *TestHarness) Request(method, path string, body any) *Response {
	h.T.Helper()
	return h.Do(h.newRequest(method, path, body))
}

func (h *TestHarness) newRequest(method, path string, body any) *http.Request {
	h.T.Helper()
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			h.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, bodyReader)
	if err != nil {
		h.T.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Do executes an HTTP request and returns a Response wrapper
func (h *TestHarness) Do(req *http.Request) *Response {
	h.T.Helper()
	resp, err := h.Client.Do(req)
	if err != nil {
		h.T.Fatalf("Request failed: %v", err)
	}
	return &Response{T: h.T, Response: resp}
}

// GET makes a GET request
func (h *TestHarness) GET(path string) *Response {
	return h.Request(http.MethodGet, path, nil)
}

// POST makes a POST request with a JSON body
func (h *TestHarness) POST(path string, body any) *Response {
	return h.Request(http.MethodPost, path, body)
}

// WithAuth returns a client that sends token as a bearer credential.
func (h *TestHarness) WithAuth(token string) *AuthenticatedClient {
	return &AuthenticatedClient{harness: h, token: token}
}

// AuthenticatedClient wraps the harness with auth headers
type AuthenticatedClient struct {
	harness *TestHarness
	token   string
}

// POST makes an authenticated POST request
func (c *AuthenticatedClient) POST(path string, body any) *Response {
	c.harness.T.Helper()
	req := c.harness.newRequest(http.MethodPost, path, body)
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.harness.Do(req)
}

// Response wraps an HTTP response with assertion helpers
type Response struct {
	T        *testing.T
	Response *http.Response
	body     []byte
	bodyRead bool
}

// Body returns the response body as bytes
func (r *Response) Body() []byte {
	r.T.Helper()
	if !r.bodyRead {
		var err error
		r.body, err = io.ReadAll(r.Response.Body)
		if err != nil {
			r.T.Fatalf("Failed to read response body: %v", err)
		}
		r.Response.Body.Close()
		r.bodyRead = true
	}
	return r.body
}

// JSON unmarshals the response body into the given target
func (r *Response) JSON(target any) *Response {
	r.T.Helper()
	if err := json.Unmarshal(r.Body(), target); err != nil {
		r.T.Fatalf("Failed to unmarshal response: %v\nBody: %s", err, string(r.Body()))
	}
	return r
}

// Status asserts the response status code
func (r *Response) Status(expected int) *Response {
	r.T.Helper()
	if r.Response.StatusCode != expected {
		r.T.Errorf("Expected status %d, got %d\nBody: %s", expected, r.Response.StatusCode, string(r.Body()))
	}
	return r
}

// Header returns the value of a response header
func (r *Response) Header(name string) string {
	return r.Response.Header.Get(name)
}

// BodyContains asserts the response body contains a substring
func (r *Response) BodyContains(substr string) *Response {
	r.T.Helper()
	if !bytes.Contains(r.Body(), []byte(substr)) {
		r.T.Errorf("Expected body to contain %q\nBody: %s", substr, string(r.Body()))
	}
	return r
}
