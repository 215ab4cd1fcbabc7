package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/auth"
	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/handler"
	"github.com/sirosfoundation/go-business-server/internal/hub"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
	"github.com/sirosfoundation/go-business-server/internal/session"
	"github.com/sirosfoundation/go-business-server/internal/storage/memory"
	"github.com/sirosfoundation/go-business-server/pkg/config"
)

func startServer(t *testing.T) (string, *memory.Store) {
	t.Helper()
	return startServerWithMetrics(t, nil)
}

func startServerWithMetrics(t *testing.T, m *metrics.Metrics) (string, *memory.Store) {
	t.Helper()
	logger := zap.NewNop()
	store := memory.Seed()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"

	mgr := session.NewManager(cfg.Heartbeat, session.Deps{
		Auth:    auth.NewManager(cfg.Auth, store, logger),
		Handler: handler.New(store, logger),
		Orgs:    store,
		Hub:     hub.New(logger),
		Metrics: m,
	}, logger)
	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleConnection))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), store
}

func dial(t *testing.T, url, token string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextNotification(t *testing.T, c *Client) protocol.Response {
	t.Helper()
	select {
	case n, ok := <-c.Notifications():
		require.True(t, ok, "connection ended")
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
		return nil
	}
}

func TestDial_Handshake(t *testing.T) {
	url, _ := startServer(t)
	c := dial(t, url, "ws-token")

	require.NotNil(t, c.Connected)
	assert.Equal(t, memory.AdminEmail, c.Connected.Email)
	assert.Equal(t, domain.RoleAdministrator, c.Connected.Role)

	// The server pushes every visible org after connect.
	for i := 0; i < 2; i++ {
		assert.IsType(t, &protocol.OrgResponse{}, nextNotification(t, c))
	}

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	now, err := c.ServerTime(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, 5*time.Second)
}

func TestDial_InvalidToken(t *testing.T) {
	url, _ := startServer(t)
	_, err := Dial(context.Background(), url, "forged")
	require.Error(t, err)

	var e *protocol.ErrorResponse
	require.True(t, errors.As(err, &e))
	assert.Equal(t, protocol.ErrCodeInvalidToken, e.Code)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", "ws-token")
	assert.Error(t, err)
}

func TestClient_FetchAndEdit(t *testing.T) {
	url, store := startServer(t)
	ctx := context.Background()

	owner := dial(t, url, "owner-token")
	watcher := dial(t, url, "ws-token")
	for i := 0; i < 2; i++ {
		nextNotification(t, watcher)
	}

	orgs, err := store.VisibleOrgs(ctx, owner.Connected.UserID)
	require.NoError(t, err)
	var acme *domain.Org
	for _, o := range orgs {
		if o.Name == memory.AcmeOrgName {
			acme = o
		}
	}
	require.NotNil(t, acme)

	org, err := owner.FetchOrg(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.ID, org.ID)

	user, err := owner.FetchUser(ctx, owner.Connected.UserID)
	require.NoError(t, err)
	assert.Equal(t, memory.OwnerEmail, user.Email)

	created, err := owner.CreateWallet(ctx, "Treasury", acme.ID, owner.Connected.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, created.Status)

	n := nextNotification(t, watcher)
	w, ok := n.(*protocol.WalletResponse)
	require.True(t, ok, "got %T", n)
	assert.Equal(t, created.ID, w.Wallet.ID)

	created.Alias = "Treasury 2"
	edited, err := owner.EditWallet(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "Treasury 2", edited.Alias)

	fetched, err := watcher.FetchWallet(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, edited.Version, fetched.Version)

	_, err = owner.FetchWallet(ctx, uuid.New())
	var e *protocol.ErrorResponse
	require.True(t, errors.As(err, &e))
	assert.Equal(t, protocol.ErrCodeNotFound, e.Code)
}

func TestClient_RemoveWallet(t *testing.T) {
	url, store := startServer(t)
	ctx := context.Background()
	admin := dial(t, url, "ws-token")

	orgs, err := store.VisibleOrgs(ctx, admin.Connected.UserID)
	require.NoError(t, err)
	var acme *domain.Org
	for _, o := range orgs {
		if o.Name == memory.AcmeOrgName {
			acme = o
		}
	}
	require.NotNil(t, acme)
	require.NotEmpty(t, acme.Wallets)

	org, err := admin.RemoveWalletFromOrg(ctx, acme.ID, acme.Wallets[0])
	require.NoError(t, err)
	assert.NotContains(t, org.Wallets, acme.Wallets[0])
}

func TestClient_Close(t *testing.T) {
	url, _ := startServer(t)
	c := dial(t, url, "bob-token")

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client not done after Close")
	}
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)

	for range c.Notifications() {
	}
}

func TestClient_CloseEndsSessionCleanly(t *testing.T) {
	m := metrics.New("client_test")
	url, _ := startServerWithMetrics(t, m)
	c := dial(t, url, "bob-token")
	require.NoError(t, c.Ping(context.Background()))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), ErrClosed)

	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body, _ := io.ReadAll(rec.Body)
		return strings.Contains(string(body), `client_test_sessions_closed_total{reason="client_close"} 1`)
	}, 3*time.Second, 20*time.Millisecond, "the server saw a protocol close")
}
