package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/api"
	"github.com/sirosfoundation/go-business-server/internal/auth"
	"github.com/sirosfoundation/go-business-server/internal/handler"
	"github.com/sirosfoundation/go-business-server/internal/hub"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
	"github.com/sirosfoundation/go-business-server/internal/session"
	"github.com/sirosfoundation/go-business-server/internal/storage/memory"
	"github.com/sirosfoundation/go-business-server/pkg/config"
	"github.com/sirosfoundation/go-business-server/pkg/middleware"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Auth.JWTSecret = "test-secret"

	store := memory.Seed()
	authMgr := auth.NewManager(cfg.Auth, store, logger)
	m := metrics.New("test")
	sessions := session.NewManager(cfg.Heartbeat, session.Deps{
		Auth:    authMgr,
		Handler: handler.New(store, logger),
		Orgs:    store,
		Hub:     hub.New(logger),
		Metrics: m,
	}, logger)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{Attempts: 5, Window: time.Minute, Enabled: true}, logger)
	t.Cleanup(limiter.Stop)
	handlers := api.NewHandlers(api.Deps{
		Auth:          authMgr,
		Store:         store,
		Sessions:      sessions,
		Metrics:       m,
		VerifyLimiter: limiter,
	}, "test", logger)

	srv := New(cfg.Server, false, logger)
	srv.AddProvider(NewAPIProvider(handlers, limiter))
	srv.AddProvider(NewWebSocketProvider(sessions))
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	})
	return srv, sessions
}

func dialConnected(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	req, err := protocol.EncodeRequest(&protocol.ConnectRequest{ProtocolVersion: protocol.Version}, token, "c1")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, id, err := protocol.DecodeResponse(data)
	require.NoError(t, err)
	require.IsType(t, &protocol.Connected{}, resp)
	require.Equal(t, "c1", id)
	return conn
}

func TestServer_HTTPAndWebSocketShareListener(t *testing.T) {
	srv, sessions := newTestServer(t)
	addr := srv.Addr().String()

	for _, path := range []string{"/ws", "/"} {
		dialConnected(t, "ws://"+addr+path, "owner-token")
	}
	require.Eventually(t, func() bool { return sessions.Len() == 2 }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status api.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 2, status.Connections)
	assert.Equal(t, protocol.Version, status.ProtocolVersion)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CORS(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, "http://"+srv.Addr().String()+"/auth/v1/otp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	srv := New(cfg, false, zap.NewNop())
	err = srv.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("failed to bind 127.0.0.1:%d", cfg.Port))
	assert.Nil(t, srv.Addr())
	assert.Error(t, srv.Serve())
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	srv, sessions := newTestServer(t)
	conn := dialConnected(t, "ws://"+srv.Addr().String()+"/ws", "ws-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, sessions.Len())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}

	_, err := http.Get("http://" + srv.Addr().String() + "/status")
	assert.Error(t, err, "listener is closed")
}
