// Package auth maps bearer tokens to identities. Tokens come either from a
// fixed table of demo tokens or from the OTP login flow, which issues
// HS256 JWTs.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/storage"
	"github.com/sirosfoundation/go-business-server/pkg/config"
)

var (
	// ErrInvalidToken is returned for unknown, expired, malformed or revoked
	// tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidOTP is returned when an OTP code does not match.
	ErrInvalidOTP = errors.New("invalid otp code")
)

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"

	otpLifetime = 10 * time.Minute
)

// DefaultStaticTokens is the demo token table of the reference deployment.
func DefaultStaticTokens() map[string]string {
	return map[string]string{
		"ws-token":           "ws@example.com",
		"owner-token":        "owner@example.com",
		"participant-token":  "user@example.com",
		"shared-owner-token": "shared-owner@example.com",
		"bob-token":          "bob@example.com",
		"alice-token":        "alice@example.com",
	}
}

// Claims are the JWT claims of issued tokens.
type Claims struct {
	Email string `json:"email"`
	Kind  string `json:"kind"`
	jwt.RegisteredClaims
}

// TokenPair is returned by the login endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

type otpEntry struct {
	hash    []byte
	expires time.Time
}

// Manager authenticates tokens.
type Manager struct {
	cfg         config.AuthConfig
	users       storage.UserLookup
	static      map[string]string
	revocations *Revocations
	logger      *zap.Logger
	now         func() time.Time
	genOTP      func() (string, error)

	otpMu sync.Mutex
	otps  map[string]otpEntry
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaticTokens replaces the demo token table. Pass nil to disable it.
func WithStaticTokens(tokens map[string]string) Option {
	return func(m *Manager) {
		m.static = tokens
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.revocations.now = now
	}
}

// WithOTPGenerator overrides how login codes are generated.
func WithOTPGenerator(gen func() (string, error)) Option {
	return func(m *Manager) {
		m.genOTP = gen
	}
}

// NewManager creates an auth manager
func NewManager(cfg config.AuthConfig, users storage.UserLookup, logger *zap.Logger, opts ...Option) *Manager {
	logger = logger.Named("auth")
	m := &Manager{
		cfg:         cfg,
		users:       users,
		revocations: NewRevocations(time.Minute, logger),
		logger:      logger,
		now:         time.Now,
		genOTP:      generateOTP,
		otps:        make(map[string]otpEntry),
	}
	if cfg.StaticTokens {
		m.static = DefaultStaticTokens()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts background cleanup.
func (m *Manager) Start() {
	m.revocations.Start()
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	m.revocations.Stop()
}

// Authenticate resolves a bearer token to the identity it stands for.
func (m *Manager) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, ErrInvalidToken
	}

	if email, ok := m.static[token]; ok {
		if m.revocations.IsRevoked(token) {
			return domain.Identity{}, ErrInvalidToken
		}
		return m.identityFor(ctx, email)
	}

	claims, err := m.parse(token, tokenKindAccess)
	if err != nil {
		return domain.Identity{}, err
	}
	return m.identityFor(ctx, claims.Email)
}

func (m *Manager) identityFor(ctx context.Context, email string) (domain.Identity, error) {
	u, err := m.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Identity{}, ErrInvalidToken
		}
		return domain.Identity{}, err
	}
	return u.Identity(), nil
}

func (m *Manager) parse(token, kind string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(m.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if m.revocations.IsRevoked(claims.ID) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue creates an access/refresh token pair for u.
func (m *Manager) Issue(u *domain.User) (*TokenPair, error) {
	now := m.now()
	accessExp := now.Add(m.cfg.TokenExpiry())

	access, err := m.sign(u.Email, tokenKindAccess, now, accessExp)
	if err != nil {
		return nil, err
	}
	refresh, err := m.sign(u.Email, tokenKindRefresh, now, now.Add(m.cfg.RefreshExpiry()))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExp.Unix(),
	}, nil
}

func (m *Manager) sign(email, kind string, now, exp time.Time) (string, error) {
	claims := Claims{
		Email: email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.cfg.Issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Refresh rotates a refresh token into a new pair. The old refresh token
// is revoked.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.parse(refreshToken, tokenKindRefresh)
	if err != nil {
		return nil, err
	}
	u, err := m.users.UserByEmail(ctx, claims.Email)
	if err != nil {
		return nil, ErrInvalidToken
	}
	m.revocations.Add(claims.ID, claims.ExpiresAt.Time)
	return m.Issue(u)
}

// Revoke invalidates token for every later request.
func (m *Manager) Revoke(token string) error {
	if _, ok := m.static[token]; ok {
		m.revocations.Add(token, time.Time{})
		m.logger.Info("Static token revoked")
		return nil
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(m.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	m.revocations.Add(claims.ID, claims.ExpiresAt.Time)
	m.logger.Info("Token revoked", zap.String("email", claims.Email), zap.String("jti", claims.ID))
	return nil
}

// RequestOTP generates a login code for email and logs it; there is no
// mail delivery. Unknown addresses succeed without issuing anything.
func (m *Manager) RequestOTP(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if _, err := m.users.UserByEmail(ctx, email); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("OTP requested for unknown email", zap.String("email", email))
			return nil
		}
		return err
	}

	code, err := m.genOTP()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash otp: %w", err)
	}

	m.otpMu.Lock()
	m.otps[email] = otpEntry{hash: hash, expires: m.now().Add(otpLifetime)}
	m.otpMu.Unlock()

	m.logger.Info("OTP issued", zap.String("email", email), zap.String("code", code))
	return nil
}

// VerifyOTP checks a code and issues tokens. Codes are single use.
func (m *Manager) VerifyOTP(ctx context.Context, email, code string) (*TokenPair, error) {
	email = domain.NormalizeEmail(email)

	m.otpMu.Lock()
	entry, ok := m.otps[email]
	if ok && m.now().After(entry.expires) {
		delete(m.otps, email)
		ok = false
	}
	if ok && bcrypt.CompareHashAndPassword(entry.hash, []byte(code)) == nil {
		delete(m.otps, email)
	} else {
		ok = false
	}
	m.otpMu.Unlock()

	if !ok {
		return nil, ErrInvalidOTP
	}

	u, err := m.users.UserByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidOTP
	}
	m.logger.Info("OTP verified", zap.String("email", email))
	return m.Issue(u)
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
