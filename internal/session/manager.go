// Package session runs one actor per WebSocket connection: it performs the
// connect handshake, keeps the peer alive with pings, serves requests
// through the handler and relays notifications from the hub.
package session

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/handler"
	"github.com/sirosfoundation/go-business-server/internal/hub"
	"github.com/sirosfoundation/go-business-server/internal/metrics"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
	"github.com/sirosfoundation/go-business-server/pkg/config"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20

	// A connection may fail the handshake this many times before it is
	// closed.
	maxHandshakeAttempts = 2
)

// Authenticator resolves bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// RequestHandler serves decoded requests.
type RequestHandler interface {
	Handle(ctx context.Context, id domain.Identity, req protocol.Request) handler.Result
}

// OrgLister lists the orgs a user can see; they are pushed after connect.
type OrgLister interface {
	VisibleOrgs(ctx context.Context, viewer uuid.UUID) ([]*domain.Org, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Auth    Authenticator
	Handler RequestHandler
	Orgs    OrgLister
	Hub     *hub.Hub
	Metrics *metrics.Metrics
}

// Manager upgrades HTTP requests and owns the resulting sessions.
type Manager struct {
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader

	pingInterval     time.Duration
	pongTimeout      time.Duration
	handshakeTimeout time.Duration
	sendBuffer       int

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithAllowedOrigins restricts browser origins allowed to upgrade. An empty
// list or "*" allows any origin. Requests without an Origin header are
// always accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(m *Manager) {
		if len(origins) == 0 || slices.Contains(origins, "*") {
			return
		}
		m.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

// WithTimeouts overrides the heartbeat and handshake timings.
func WithTimeouts(pingInterval, pongTimeout, handshakeTimeout time.Duration) Option {
	return func(m *Manager) {
		m.pingInterval = pingInterval
		m.pongTimeout = pongTimeout
		m.handshakeTimeout = handshakeTimeout
	}
}

// NewManager creates a session manager
func NewManager(cfg config.HeartbeatConfig, deps Deps, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		deps:   deps,
		logger: logger.Named("session"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval:     cfg.PingInterval(),
		pongTimeout:      cfg.PongTimeout(),
		handshakeTimeout: cfg.HandshakeTimeout(),
		sendBuffer:       cfg.SendBuffer,
		sessions:         make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sendBuffer <= 0 {
		m.sendBuffer = 64
	}
	return m
}

// HandleConnection upgrades the request and starts a session for it.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	s := newSession(m, conn)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	s.logger.Debug("WebSocket client connected", zap.String("remote", r.RemoteAddr))
	go s.run()
}

// Len returns the number of open sessions, authenticated or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits for them to finish or for ctx to
// expire. New connections are refused from the first call on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.deps.Hub.CloseAll()
	for _, s := range sessions {
		s.closeWith(metrics.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed", zap.Int("count", len(sessions)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.wg.Done()
}
