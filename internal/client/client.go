// Package client is a Go client for the business server WebSocket
// protocol. It correlates responses with requests by request id and hands
// notifications to the caller on a channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
)

const writeWait = 10 * time.Second

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("client closed")

// Client is one authenticated connection.
type Client struct {
	conn   *websocket.Conn
	token  string
	logger *zap.Logger

	// Connected is the server's answer to the handshake.
	Connected *protocol.Connected

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	err     error

	notifications chan protocol.Response
	done          chan struct{}
}

type options struct {
	logger     *zap.Logger
	header     http.Header
	bufferSize int
}

// Option configures Dial.
type Option func(*options)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHeader adds HTTP headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithNotificationBuffer sets how many unread notifications are kept before
// new ones are dropped.
func WithNotificationBuffer(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// Dial connects to url and performs the handshake with token.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	o := options{logger: zap.NewNop(), bufferSize: 256}
	for _, opt := range opts {
		opt(&o)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:          conn,
		token:         token,
		logger:        o.logger.Named("client"),
		pending:       make(map[string]chan protocol.Response),
		notifications: make(chan protocol.Response, o.bufferSize),
		done:          make(chan struct{}),
	}
	go c.readLoop()

	r, err := c.Do(ctx, &protocol.ConnectRequest{ProtocolVersion: protocol.Version})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	connected, ok := r.(*protocol.Connected)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("handshake failed: unexpected %s", r.Type())
	}
	c.Connected = connected
	c.logger.Debug("Connected", zap.String("email", connected.Email), zap.String("role", string(connected.Role)))
	return c, nil
}

// Notifications delivers server pushes: org, wallet and user updates made
// by other clients. The channel is closed when the connection ends.
func (c *Client) Notifications() <-chan protocol.Response {
	return c.notifications
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Do sends req and waits for its response. Error responses are returned as
// *protocol.ErrorResponse errors.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req, id); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if e, ok := r.(*protocol.ErrorResponse); ok {
			return nil, e
		}
		return r, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(req protocol.Request, id string) error {
	data, err := protocol.EncodeRequest(req, c.token, id)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Type(), err)
	}
	return nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		close(c.notifications)
		close(c.done)
	}()

	for {
		var data []byte
		_, data, err = c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosed
			}
			return
		}
		resp, requestID, derr := protocol.DecodeResponse(data)
		if derr != nil {
			c.logger.Warn("Dropping undecodable frame", zap.Error(derr))
			continue
		}

		if requestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[requestID]
			c.mu.Unlock()
			if ok {
				ch <- resp
				continue
			}
		}

		select {
		case c.notifications <- resp:
		default:
			c.logger.Warn("Notification buffer full, dropping", zap.String("type", string(resp.Type())))
		}
	}
}

// Close sends a close request, waits briefly for the server to end the
// session and then closes the connection. Before the handshake completes,
// or when the server does not answer in time, a WebSocket close frame is
// sent instead.
func (c *Client) Close() error {
	c.mu.Lock()
	open := c.err == nil
	if open {
		c.err = ErrClosed
	}
	c.mu.Unlock()

	closeFrame := func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
	}

	if open && c.Connected != nil {
		id := strconv.FormatUint(c.seq.Add(1), 10)
		if err := c.send(&protocol.CloseRequest{}, id); err != nil {
			c.logger.Debug("Close request not sent", zap.Error(err))
			closeFrame()
		}
	} else {
		closeFrame()
	}

	select {
	case <-c.done:
	case <-time.After(time.Second):
		closeFrame()
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
	}
	return c.conn.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, &protocol.PingRequest{})
	return err
}

// ServerTime returns the server clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	r, err := c.Do(ctx, &protocol.GetServerTimeRequest{})
	if err != nil {
		return time.Time{}, err
	}
	st, ok := r.(*protocol.ServerTime)
	if !ok {
		return time.Time{}, unexpected(r)
	}
	return time.Unix(st.Timestamp, 0), nil
}

// FetchOrg returns an org as the caller sees it.
func (c *Client) FetchOrg(ctx context.Context, id uuid.UUID) (*domain.Org, error) {
	return orgOf(c.Do(ctx, &protocol.FetchOrgRequest{ID: id}))
}

// FetchWallet returns a wallet.
func (c *Client) FetchWallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	return walletOf(c.Do(ctx, &protocol.FetchWalletRequest{ID: id}))
}

// FetchUser returns a user projection.
func (c *Client) FetchUser(ctx context.Context, id uuid.UUID) (*domain.UserView, error) {
	r, err := c.Do(ctx, &protocol.FetchUserRequest{ID: id})
	if err != nil {
		return nil, err
	}
	u, ok := r.(*protocol.UserResponse)
	if !ok {
		return nil, unexpected(r)
	}
	return u.User, nil
}

// CreateWallet adds a Draft wallet to an org.
func (c *Client) CreateWallet(ctx context.Context, name string, orgID, ownerID uuid.UUID) (*domain.Wallet, error) {
	return walletOf(c.Do(ctx, &protocol.CreateWalletRequest{Name: name, OrgID: orgID, OwnerID: ownerID}))
}

// EditWallet submits w as the new wallet state.
func (c *Client) EditWallet(ctx context.Context, w *domain.Wallet) (*domain.Wallet, error) {
	return walletOf(c.Do(ctx, &protocol.EditWalletRequest{Wallet: w}))
}

// EditXpub sets or, with a nil xpub, clears the xpub of one key.
func (c *Client) EditXpub(ctx context.Context, walletID uuid.UUID, keyID domain.KeyID, xpub *domain.Xpub) (*domain.Wallet, error) {
	return walletOf(c.Do(ctx, &protocol.EditXpubRequest{WalletID: walletID, KeyID: keyID, Xpub: xpub}))
}

// RemoveWalletFromOrg detaches a wallet from an org.
func (c *Client) RemoveWalletFromOrg(ctx context.Context, orgID, walletID uuid.UUID) (*domain.Org, error) {
	return orgOf(c.Do(ctx, &protocol.RemoveWalletFromOrgRequest{OrgID: orgID, WalletID: walletID}))
}

func orgOf(r protocol.Response, err error) (*domain.Org, error) {
	if err != nil {
		return nil, err
	}
	o, ok := r.(*protocol.OrgResponse)
	if !ok {
		return nil, unexpected(r)
	}
	return o.Org, nil
}

func walletOf(r protocol.Response, err error) (*domain.Wallet, error) {
	if err != nil {
		return nil, err
	}
	w, ok := r.(*protocol.WalletResponse)
	if !ok {
		return nil, unexpected(r)
	}
	return w.Wallet, nil
}

func unexpected(r protocol.Response) error {
	return fmt.Errorf("unexpected %s response", r.Type())
}
