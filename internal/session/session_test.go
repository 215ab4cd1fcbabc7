package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/auth"
	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/handler"
	"github.com/sirosfoundation/go-business-server/internal/hub"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
	"github.com/sirosfoundation/go-business-server/internal/storage/memory"
	"github.com/sirosfoundation/go-business-server/pkg/config"
)

const (
	readTimeout = 3 * time.Second
	xpubOne     = "xpub6ERApfZwUNrhLCkDtcHTcxd75RbzS1ed54G1LkBUHQVHQKqhMkhgbmJbZRkrgZw4koxb5JaHWkY4ALHY2grBGRjaDMzQLcgJvLJuZZvRcEL"
	xpubTwo     = "xpub6FHa3pjLCk84BayeJxFW2SP4XRrFd1JYnxeLeU8EqN3vDfZmbqBqaGJAyiLjTAwm6ZLRQUMv1ZACTj37sR62cfN7fe5JnJ7dh8zL4fiyLHV"
)

type testServer struct {
	url   string
	mgr   *Manager
	hub   *hub.Hub
	store *memory.Store
	auth  *auth.Manager
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memory.Seed()

	authCfg := config.Default().Auth
	authCfg.JWTSecret = "test-secret"
	authMgr := auth.NewManager(authCfg, store, logger)

	h := hub.New(logger)
	mgr := NewManager(config.Default().Heartbeat, Deps{
		Auth:    authMgr,
		Handler: handler.New(store, logger),
		Orgs:    store,
		Hub:     h,
	}, logger, opts...)

	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleConnection))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		srv.Close()
	})

	return &testServer{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		mgr:   mgr,
		hub:   h,
		store: store,
		auth:  authMgr,
	}
}

func (ts *testServer) wallet(t *testing.T, name string) *domain.Wallet {
	t.Helper()
	ctx := context.Background()
	admin, err := ts.store.UserByEmail(ctx, memory.AdminEmail)
	require.NoError(t, err)
	orgs, err := ts.store.VisibleOrgs(ctx, admin.ID)
	require.NoError(t, err)
	for _, o := range orgs {
		for _, id := range o.Wallets {
			w, err := ts.store.Wallet(ctx, admin.ID, id)
			require.NoError(t, err)
			if w.Alias == name {
				return w
			}
		}
	}
	t.Fatalf("no wallet named %q", name)
	return nil
}

func (ts *testServer) org(t *testing.T, name string) *domain.Org {
	t.Helper()
	ctx := context.Background()
	admin, err := ts.store.UserByEmail(ctx, memory.AdminEmail)
	require.NoError(t, err)
	orgs, err := ts.store.VisibleOrgs(ctx, admin.ID)
	require.NoError(t, err)
	for _, o := range orgs {
		if o.Name == name {
			return o
		}
	}
	t.Fatalf("no org named %q", name)
	return nil
}

type frame struct {
	resp      protocol.Response
	requestID string
	raw       []byte
}

// testClient reads in the background so control frames are answered.
type testClient struct {
	t     *testing.T
	conn  *websocket.Conn
	token string
	msgs  chan frame
	errs  chan error
	seq   int
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	c := &testClient{
		t:    t,
		conn: conn,
		msgs: make(chan frame, 64),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(c.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.errs <- err
				return
			}
			r, id, err := protocol.DecodeResponse(data)
			if err != nil {
				c.errs <- err
				return
			}
			c.msgs <- frame{resp: r, requestID: id, raw: data}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *testClient) request(token string, req protocol.Request) string {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("req-%d", c.seq)
	data, err := protocol.EncodeRequest(req, token, id)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
	return id
}

func (c *testClient) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.msgs:
		if !ok {
			c.t.Fatalf("connection closed: %v", <-c.errs)
		}
		return f
	case <-time.After(readTimeout):
		c.t.Fatal("timed out waiting for message")
		return frame{}
	}
}

// expectClosed waits for the server to end the connection.
func (c *testClient) expectClosed() error {
	c.t.Helper()
	deadline := time.After(readTimeout)
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				return <-c.errs
			}
		case <-deadline:
			c.t.Fatal("connection still open")
			return nil
		}
	}
}

// sync sends a ping and returns everything received before its pong.
func (c *testClient) sync() []frame {
	c.t.Helper()
	id := c.request(c.token, &protocol.PingRequest{})
	var before []frame
	for {
		f := c.next()
		if _, ok := f.resp.(*protocol.Pong); ok && f.requestID == id {
			return before
		}
		before = append(before, f)
	}
}

// connect performs the handshake and drains the org notifications.
func (c *testClient) connect(token string) (*protocol.Connected, []frame) {
	c.t.Helper()
	c.token = token
	id := c.request(token, &protocol.ConnectRequest{ProtocolVersion: protocol.Version})
	f := c.next()
	require.Equal(c.t, id, f.requestID)
	connected, ok := f.resp.(*protocol.Connected)
	require.True(c.t, ok, "expected connected, got %s", f.raw)
	return connected, c.sync()
}

func requireError(t *testing.T, f frame, code protocol.ErrorCode, requestID string) {
	t.Helper()
	e, ok := f.resp.(*protocol.ErrorResponse)
	require.True(t, ok, "expected error, got %s", f.raw)
	assert.Equal(t, code, e.Code, e.Message)
	assert.Equal(t, requestID, f.requestID)
}

func TestSession_ConnectHandshake(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)

	connected, orgs := c.connect("owner-token")
	assert.Equal(t, protocol.Version, connected.Version)
	assert.Equal(t, memory.OwnerEmail, connected.Email)

	owner, err := ts.store.UserByEmail(context.Background(), memory.OwnerEmail)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, connected.UserID)

	require.Len(t, orgs, 2, "owner belongs to both seeded orgs")
	for _, f := range orgs {
		assert.IsType(t, &protocol.OrgResponse{}, f.resp)
		assert.Empty(t, f.requestID)
		assert.NotContains(t, string(f.raw), "request_id")
	}
	assert.Equal(t, 1, ts.hub.Len())
}

func TestSession_ConnectVersionAlias(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)

	c.sendRaw(`{"type":"connect","token":"participant-token","request_id":"hi","payload":{"version":1}}`)
	f := c.next()
	assert.IsType(t, &protocol.Connected{}, f.resp)
	assert.Equal(t, "hi", f.requestID)
}

func TestSession_VersionMismatch(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)

	id := c.request("owner-token", &protocol.ConnectRequest{ProtocolVersion: 99})
	requireError(t, c.next(), protocol.ErrCodeVersionMismatch, id)

	err := c.expectClosed()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 0, ts.hub.Len())
}

func TestSession_InvalidTokenRetry(t *testing.T) {
	ts := newTestServer(t)

	t.Run("second attempt succeeds", func(t *testing.T) {
		c := dial(t, ts.url)
		id := c.request("nope", &protocol.ConnectRequest{ProtocolVersion: 1})
		requireError(t, c.next(), protocol.ErrCodeInvalidToken, id)

		connected, _ := c.connect("owner-token")
		assert.Equal(t, memory.OwnerEmail, connected.Email)
	})

	t.Run("second failure closes", func(t *testing.T) {
		c := dial(t, ts.url)
		id := c.request("nope", &protocol.ConnectRequest{ProtocolVersion: 1})
		requireError(t, c.next(), protocol.ErrCodeInvalidToken, id)
		id = c.request("still-nope", &protocol.ConnectRequest{ProtocolVersion: 1})
		requireError(t, c.next(), protocol.ErrCodeInvalidToken, id)
		c.expectClosed()
	})
}

func TestSession_RequestBeforeConnect(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)

	draft := ts.wallet(t, memory.DraftWalletName)
	id := c.request("owner-token", &protocol.FetchWalletRequest{ID: draft.ID})
	requireError(t, c.next(), protocol.ErrCodeNotConnected, id)

	connected, _ := c.connect("owner-token")
	assert.Equal(t, memory.OwnerEmail, connected.Email)
}

func TestSession_MalformedHandshake(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)

	c.sendRaw(`{not json`)
	requireError(t, c.next(), protocol.ErrCodeProtocol, "")
	c.expectClosed()
}

func TestSession_HandshakeTimeout(t *testing.T) {
	ts := newTestServer(t, WithTimeouts(time.Second, time.Second, 100*time.Millisecond))
	c := dial(t, ts.url)

	requireError(t, c.next(), protocol.ErrCodeProtocol, "")
	c.expectClosed()
}

func TestSession_PingPong(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts.url)
	b := dial(t, ts.url)
	a.connect("owner-token")
	b.connect("participant-token")

	id := a.request("owner-token", &protocol.PingRequest{})
	f := a.next()
	assert.IsType(t, &protocol.Pong{}, f.resp)
	assert.Equal(t, id, f.requestID)

	assert.Empty(t, b.sync(), "ping never broadcasts")
}

func TestSession_ServerTime(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	c.connect("alice-token")

	c.request("alice-token", &protocol.GetServerTimeRequest{})
	st, ok := c.next().resp.(*protocol.ServerTime)
	require.True(t, ok)
	assert.InDelta(t, time.Now().Unix(), st.Timestamp, 5)
}

func TestSession_BroadcastExclusion(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts.url)
	b := dial(t, ts.url)
	a.connect("ws-token")
	b.connect("owner-token")

	edit := ts.wallet(t, memory.DraftWalletName).Clone()
	edit.Template.Keys[3] = &domain.Key{ID: 3, Alias: "Vault", Email: memory.OwnerEmail, KeyType: domain.KeyTypeSafetyNet}

	id := a.request("ws-token", &protocol.EditWalletRequest{Wallet: edit})
	resp := a.next()
	assert.Equal(t, id, resp.requestID)
	w, ok := resp.resp.(*protocol.WalletResponse)
	require.True(t, ok, "got %s", resp.raw)
	assert.Contains(t, w.Wallet.Template.Keys, domain.KeyID(3))

	notes := b.sync()
	require.Len(t, notes, 1)
	note := notes[0]
	assert.Empty(t, note.requestID)

	var respEnv, noteEnv map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.raw, &respEnv))
	require.NoError(t, json.Unmarshal(note.raw, &noteEnv))
	delete(respEnv, "request_id")
	assert.Equal(t, respEnv, noteEnv, "notification differs from the response only by request_id")

	assert.Empty(t, a.sync(), "the originator gets no copy of its own notification")
}

func TestSession_ParticipantEditRejected(t *testing.T) {
	ts := newTestServer(t)
	p := dial(t, ts.url)
	other := dial(t, ts.url)
	p.connect("participant-token")
	other.connect("owner-token")

	before := ts.wallet(t, memory.DraftWalletName)
	edit := before.Clone()
	edit.Template.PrimaryPath.ThresholdN = 1

	id := p.request("participant-token", &protocol.EditWalletRequest{Wallet: edit})
	requireError(t, p.next(), protocol.ErrCodeAccessDenied, id)

	assert.Equal(t, before, ts.wallet(t, memory.DraftWalletName))
	assert.Empty(t, other.sync())
}

func TestSession_FinalizeBroadcast(t *testing.T) {
	ts := newTestServer(t)
	owner := dial(t, ts.url)
	watcher := dial(t, ts.url)
	owner.connect("owner-token")
	watcher.connect("alice-token")

	validated := ts.wallet(t, memory.ValidatedWalletName)

	owner.request("owner-token", &protocol.EditXpubRequest{
		WalletID: validated.ID, KeyID: 1,
		Xpub: &domain.Xpub{Value: xpubOne, Source: domain.XpubSourcePasted},
	})
	first := owner.next().resp.(*protocol.WalletResponse)
	assert.Equal(t, domain.StatusValidated, first.Wallet.Status)

	id := owner.request("owner-token", &protocol.EditXpubRequest{
		WalletID: validated.ID, KeyID: 2,
		Xpub: &domain.Xpub{Value: xpubTwo, Source: domain.XpubSourceDevice, DeviceKind: "ledger"},
	})
	last := owner.next()
	assert.Equal(t, id, last.requestID)
	assert.Equal(t, domain.StatusFinalized, last.resp.(*protocol.WalletResponse).Wallet.Status)

	notes := watcher.sync()
	require.Len(t, notes, 2)
	final, ok := notes[1].resp.(*protocol.WalletResponse)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFinalized, final.Wallet.Status)
	assert.Empty(t, notes[1].requestID)
}

func TestSession_TokenCheckedPerRequest(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	c.connect("owner-token")
	draft := ts.wallet(t, memory.DraftWalletName)

	id := c.request("forged", &protocol.FetchWalletRequest{ID: draft.ID})
	requireError(t, c.next(), protocol.ErrCodeInvalidToken, id)

	id = c.request("bob-token", &protocol.FetchWalletRequest{ID: draft.ID})
	requireError(t, c.next(), protocol.ErrCodeAccessDenied, id)

	c.request("owner-token", &protocol.FetchWalletRequest{ID: draft.ID})
	assert.IsType(t, &protocol.WalletResponse{}, c.next().resp)

	require.NoError(t, ts.auth.Revoke("owner-token"))
	id = c.request("owner-token", &protocol.FetchWalletRequest{ID: draft.ID})
	requireError(t, c.next(), protocol.ErrCodeInvalidToken, id)
	assert.Equal(t, 1, ts.hub.Len(), "auth errors keep the connection open")
}

func TestSession_RejectedTokenLeavesStateUntouched(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	other := dial(t, ts.url)
	c.connect("owner-token")
	other.connect("ws-token")

	owner, err := ts.store.UserByEmail(context.Background(), memory.OwnerEmail)
	require.NoError(t, err)
	acme := ts.org(t, memory.AcmeOrgName)
	draft := ts.wallet(t, memory.DraftWalletName)
	validated := ts.wallet(t, memory.ValidatedWalletName)

	renamed := draft.Clone()
	renamed.Alias = "Renamed"
	mutations := []protocol.Request{
		&protocol.EditWalletRequest{Wallet: renamed},
		&protocol.EditXpubRequest{
			WalletID: validated.ID, KeyID: 1,
			Xpub: &domain.Xpub{Value: xpubOne, Source: domain.XpubSourcePasted},
		},
		&protocol.CreateWalletRequest{Name: "Sneaky", OrgID: acme.ID, OwnerID: owner.ID},
		&protocol.RemoveWalletFromOrgRequest{OrgID: acme.ID, WalletID: draft.ID},
	}

	requireUntouched := func(token string) {
		t.Helper()
		for _, req := range mutations {
			id := c.request(token, req)
			requireError(t, c.next(), protocol.ErrCodeInvalidToken, id)
		}
		assert.Equal(t, draft, ts.wallet(t, memory.DraftWalletName), "edit_wallet")
		assert.Equal(t, validated, ts.wallet(t, memory.ValidatedWalletName), "edit_xpub")
		assert.Equal(t, acme, ts.org(t, memory.AcmeOrgName), "create_wallet and remove_wallet_from_org")
		assert.Empty(t, other.sync())
	}

	requireUntouched("forged")
	assert.Empty(t, c.sync())

	require.NoError(t, ts.auth.Revoke("owner-token"))
	requireUntouched("owner-token")
	assert.Equal(t, 2, ts.hub.Len())
}

func TestSession_ProtocolErrorsAreRecoverable(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	c.connect("owner-token")

	c.sendRaw(`{"type":"fetch_wallet","token":"owner-token","request_id":"x","payload":{"id":"nope"}}`)
	requireError(t, c.next(), protocol.ErrCodeProtocol, "x")

	c.sendRaw(`{"type":"self_destruct","token":"owner-token","request_id":"y"}`)
	requireError(t, c.next(), protocol.ErrCodeUnknownType, "y")

	c.sendRaw(`garbage`)
	requireError(t, c.next(), protocol.ErrCodeProtocol, "")

	assert.Empty(t, c.sync())
}

func TestSession_InvalidTokenOutranksDecodeErrors(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	c.connect("owner-token")

	frames := []struct{ requestID, frame string }{
		{"a", `{"type":"self_destruct","token":"forged","request_id":"a"}`},
		{"b", `{"type":"fetch_wallet","token":"forged","request_id":"b","payload":{"id":"nope"}}`},
		{"c", `{"type":"edit_wallet","request_id":"c","payload":{}}`},
	}
	for _, f := range frames {
		c.sendRaw(f.frame)
		requireError(t, c.next(), protocol.ErrCodeInvalidToken, f.requestID)
	}
	assert.Empty(t, c.sync())
	assert.Equal(t, 1, ts.hub.Len())
}

func TestSession_Close(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	c.connect("owner-token")
	require.Equal(t, 1, ts.hub.Len())

	c.request("owner-token", &protocol.CloseRequest{})
	err := c.expectClosed()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool { return ts.mgr.Len() == 0 }, readTimeout, 10*time.Millisecond)
	assert.Equal(t, 0, ts.hub.Len())
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	ts := newTestServer(t, WithTimeouts(50*time.Millisecond, 100*time.Millisecond, time.Second))
	alive := dial(t, ts.url)
	alive.connect("ws-token")

	// The silent client never reads, so it never answers pings.
	silent, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	defer silent.Close()
	data, err := protocol.EncodeRequest(&protocol.ConnectRequest{ProtocolVersion: 1}, "owner-token", "c")
	require.NoError(t, err)
	require.NoError(t, silent.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool { return ts.hub.Len() == 2 }, readTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ts.hub.Len() == 1 }, readTimeout, 10*time.Millisecond,
		"silent peer is dropped after ping interval plus pong timeout")

	edit := ts.wallet(t, memory.DraftWalletName).Clone()
	edit.Alias = "Still Serving"
	alive.request("ws-token", &protocol.EditWalletRequest{Wallet: edit})
	w, ok := alive.next().resp.(*protocol.WalletResponse)
	require.True(t, ok)
	assert.Equal(t, "Still Serving", w.Wallet.Alias)
}

func TestSession_AbruptDisconnect(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts.url)
	b := dial(t, ts.url)
	c := dial(t, ts.url)
	a.connect("ws-token")
	b.connect("owner-token")
	c.connect("bob-token")
	require.Equal(t, 3, ts.hub.Len())

	require.NoError(t, b.conn.UnderlyingConn().Close())
	require.Eventually(t, func() bool { return ts.hub.Len() == 2 }, readTimeout, 10*time.Millisecond)

	edit := ts.wallet(t, memory.DraftWalletName).Clone()
	edit.Alias = "After Crash"
	id := a.request("ws-token", &protocol.EditWalletRequest{Wallet: edit})
	assert.Equal(t, id, a.next().requestID)

	notes := c.sync()
	require.Len(t, notes, 1)
	assert.Equal(t, "After Crash", notes[0].resp.(*protocol.WalletResponse).Wallet.Alias)
}

func TestManager_Shutdown(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts.url)
	c.connect("owner-token")
	pending := dial(t, ts.url)
	require.Eventually(t, func() bool { return ts.mgr.Len() == 2 }, readTimeout, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	require.NoError(t, ts.mgr.Shutdown(ctx))

	err := c.expectClosed()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	pending.expectClosed()
	assert.Equal(t, 0, ts.mgr.Len())
	assert.Equal(t, 0, ts.hub.Len())

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
