package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection. All socket writes happen on the run
// goroutine; a second goroutine only reads.
type Session struct {
	id     string
	m      *Manager
	conn   *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	identity domain.Identity

	inbound    chan []byte
	readErr    chan error
	readerDone chan struct{}
	send       chan []byte

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newSession(m *Manager, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		m:          m,
		conn:       conn,
		logger:     m.logger.With(zap.String("session_id", id)),
		ctx:        ctx,
		cancel:     cancel,
		inbound:    make(chan []byte),
		readErr:    make(chan error, 1),
		readerDone: make(chan struct{}),
		send:       make(chan []byte, m.sendBuffer),
		done:       make(chan struct{}),
	}
}

// ID identifies the session in the hub.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Deliver queues a notification without blocking. A session whose queue is
// full is closed as a slow consumer.
func (s *Session) Deliver(msg []byte) bool {
	if s.State() != StateAuthenticated {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.logger.Warn("Send queue full, closing slow connection")
		s.closeWith(metrics.ReasonSlowConsumer)
		return false
	}
}

// Close shuts the session down as part of server shutdown.
func (s *Session) Close() {
	s.closeWith(metrics.ReasonShutdown)
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

func (s *Session) idleTimeout() time.Duration {
	return s.m.pingInterval + s.m.pongTimeout
}

func (s *Session) run() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
	})
	go s.readLoop()

	if !s.handshake() {
		return
	}
	s.serve()
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr <- err
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		select {
		case s.inbound <- data:
		case <-s.done:
			return
		}
	}
}

// handshake waits for a valid connect request. It reports whether the
// session reached Authenticated.
func (s *Session) handshake() bool {
	timer := time.NewTimer(s.m.handshakeTimeout)
	defer timer.Stop()

	failures := 0
	fail := func(resp *protocol.ErrorResponse, requestID string) bool {
		failures++
		s.reply(resp, requestID)
		if failures >= maxHandshakeAttempts {
			s.closeWith(metrics.ReasonHandshake)
			return true
		}
		return false
	}

	for {
		select {
		case <-s.done:
			return false

		case err := <-s.readErr:
			s.closeWith(s.readFailure(err))
			return false

		case <-timer.C:
			s.reply(protocol.NewError(protocol.ErrCodeProtocol, "handshake timed out"), "")
			s.closeWith(metrics.ReasonHandshake)
			return false

		case data := <-s.inbound:
			in, err := protocol.Decode(data)
			if err != nil {
				var de *protocol.DecodeError
				if errors.As(err, &de) {
					s.reply(de.Response(), de.RequestID)
				}
				s.closeWith(metrics.ReasonHandshake)
				return false
			}

			connect, ok := in.Request.(*protocol.ConnectRequest)
			if !ok {
				if fail(protocol.NewError(protocol.ErrCodeNotConnected, "send connect first"), in.RequestID) {
					return false
				}
				continue
			}

			if connect.ProtocolVersion != protocol.Version {
				s.logger.Info("Protocol version mismatch", zap.Int("client_version", connect.ProtocolVersion))
				s.reply(protocol.NewError(protocol.ErrCodeVersionMismatch,
					fmt.Sprintf("unsupported protocol version %d, server speaks %d", connect.ProtocolVersion, protocol.Version)), in.RequestID)
				s.closeWith(metrics.ReasonHandshake)
				return false
			}

			id, err := s.m.deps.Auth.Authenticate(s.ctx, in.Token)
			if err != nil {
				s.logger.Info("Handshake rejected", zap.Error(err))
				if fail(protocol.NewError(protocol.ErrCodeInvalidToken, "invalid token"), in.RequestID) {
					return false
				}
				continue
			}

			return s.establish(id, in.RequestID)
		}
	}
}

// establish moves the session to Authenticated, answers the connect
// request and pushes the orgs the identity can see.
func (s *Session) establish(id domain.Identity, requestID string) bool {
	s.identity = id
	s.logger = s.logger.With(zap.String("email", id.Email))
	s.setState(StateAuthenticated)

	if err := s.m.deps.Hub.Register(s); err != nil {
		s.logger.Error("Failed to register session", zap.Error(err))
		s.closeWith(metrics.ReasonHandshake)
		return false
	}
	s.m.deps.Metrics.ConnectionOpened()
	s.logger.Info("Session established")

	if !s.reply(&protocol.Connected{
		Version: protocol.Version,
		Email:   id.Email,
		UserID:  id.UserID,
		Role:    id.Role,
	}, requestID) {
		return false
	}

	orgs, err := s.m.deps.Orgs.VisibleOrgs(s.ctx, id.UserID)
	if err != nil {
		s.logger.Error("Failed to list orgs", zap.Error(err))
		return true
	}
	for _, org := range orgs {
		if !s.reply(&protocol.OrgResponse{Org: org}, "") {
			return false
		}
	}
	return true
}

func (s *Session) serve() {
	ticker := time.NewTicker(s.m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case err := <-s.readErr:
			s.closeWith(s.readFailure(err))
			return

		case data := <-s.inbound:
			if !s.handleFrame(data) {
				return
			}

		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				s.logger.Debug("Failed to relay notification", zap.Error(err))
				s.closeWith(metrics.ReasonPeerGone)
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("Failed to send ping", zap.Error(err))
				s.closeWith(metrics.ReasonPeerGone)
				return
			}
		}
	}
}

// handleFrame serves one request. It returns false when the session must
// stop.
func (s *Session) handleFrame(data []byte) bool {
	in, err := protocol.Decode(data)
	if err != nil {
		var de *protocol.DecodeError
		if !errors.As(err, &de) {
			de = &protocol.DecodeError{Code: protocol.ErrCodeProtocol, Message: err.Error()}
		}
		s.logger.Debug("Malformed request", zap.Error(err))
		// A bad token outranks a bad payload once the envelope is readable.
		if de.Enveloped {
			if _, aerr := s.m.deps.Auth.Authenticate(s.ctx, de.Token); aerr != nil {
				return s.reply(protocol.NewError(protocol.ErrCodeInvalidToken, "invalid token"), de.RequestID)
			}
		}
		return s.reply(de.Response(), de.RequestID)
	}

	msgType := string(in.Request.Type())
	start := time.Now()

	id, err := s.m.deps.Auth.Authenticate(s.ctx, in.Token)
	if err != nil {
		s.m.deps.Metrics.Request(msgType, string(protocol.ErrCodeInvalidToken), time.Since(start))
		return s.reply(protocol.NewError(protocol.ErrCodeInvalidToken, "invalid token"), in.RequestID)
	}
	if id.UserID != s.identity.UserID {
		s.m.deps.Metrics.Request(msgType, string(protocol.ErrCodeAccessDenied), time.Since(start))
		return s.reply(protocol.NewError(protocol.ErrCodeAccessDenied,
			"token belongs to a different identity than this connection"), in.RequestID)
	}

	res := s.m.deps.Handler.Handle(s.ctx, id, in.Request)

	code := "ok"
	if e, ok := res.Response.(*protocol.ErrorResponse); ok {
		code = string(e.Code)
	}
	s.m.deps.Metrics.Request(msgType, code, time.Since(start))

	alive := true
	if res.Response != nil {
		alive = s.reply(res.Response, in.RequestID)
	}
	s.broadcast(res.Broadcasts)

	if res.Close {
		s.logger.Debug("Client requested close")
		s.closeWith(metrics.ReasonClientClose)
		return false
	}
	return alive
}

func (s *Session) broadcast(events []protocol.Response) {
	for _, ev := range events {
		data, err := protocol.Encode(ev, "")
		if err != nil {
			s.logger.Error("Failed to encode notification", zap.String("type", string(ev.Type())), zap.Error(err))
			continue
		}
		d := s.m.deps.Hub.Broadcast(data, s.id)
		s.m.deps.Metrics.Broadcast(d.Delivered, d.Dropped)
	}
}

// reply writes one message. It returns false if the socket failed, after
// marking the session closed.
func (s *Session) reply(resp protocol.Response, requestID string) bool {
	data, err := protocol.Encode(resp, requestID)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.String("type", string(resp.Type())), zap.Error(err))
		data, _ = protocol.Encode(protocol.NewError(protocol.ErrCodeInternal, "internal error"), requestID)
	}
	if err := s.write(data); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
		s.closeWith(metrics.ReasonPeerGone)
		return false
	}
	return true
}

func (s *Session) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readFailure classifies a read error into a close reason.
func (s *Session) readFailure(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Info("Heartbeat timeout")
		return metrics.ReasonHeartbeat
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("Connection lost", zap.Error(err))
	}
	return metrics.ReasonPeerGone
}

func (s *Session) teardown() {
	s.closeWith(metrics.ReasonPeerGone)

	if s.State() == StateAuthenticated {
		s.m.deps.Hub.Unregister(s.id)
		s.m.deps.Metrics.ConnectionClosed()
	}
	s.setState(StateClosing)

	if code, text, ok := closeFrame(s.reason); ok {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	}
	_ = s.conn.Close()
	<-s.readerDone
	s.cancel()

	s.setState(StateClosed)
	s.m.deps.Metrics.SessionClosed(s.reason)
	s.logger.Info("Session closed", zap.String("reason", s.reason))
	s.m.forget(s)
}

// closeFrame picks the close frame sent for reason. Dead peers get none.
func closeFrame(reason string) (int, string, bool) {
	switch reason {
	case metrics.ReasonClientClose:
		return websocket.CloseNormalClosure, "bye", true
	case metrics.ReasonShutdown:
		return websocket.CloseGoingAway, "server shutting down", true
	case metrics.ReasonHandshake:
		return websocket.ClosePolicyViolation, "handshake failed", true
	case metrics.ReasonSlowConsumer:
		return websocket.CloseTryAgainLater, "too slow", true
	default:
		return 0, "", false
	}
}
