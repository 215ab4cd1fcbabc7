// Package handler turns decoded requests into responses and broadcast
// events. It holds no connection state; callers supply the authenticated
// identity with every request.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
	"github.com/sirosfoundation/go-business-server/internal/storage"
)

const tracerName = "github.com/sirosfoundation/go-business-server/internal/handler"

// Result is the outcome of one request.
type Result struct {
	// Response answers the originator. It is nil for close.
	Response protocol.Response
	// Broadcasts are sent, without a request id, to every other connection.
	Broadcasts []protocol.Response
	// Close asks the session to shut down after sending Response.
	Close bool
}

// Handler dispatches requests against the shared store.
type Handler struct {
	store  storage.Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = t
	}
}

// WithClock overrides the clock used by get_server_time.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates a handler over store.
func New(store storage.Store, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		logger: logger.Named("handler"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle serves one request for id. It never returns an error: every
// failure becomes an error response with no broadcasts.
func (h *Handler) Handle(ctx context.Context, id domain.Identity, req protocol.Request) (res Result) {
	ctx, span := h.tracer.Start(ctx, "business."+string(req.Type()),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("business.request", string(req.Type())),
			attribute.String("business.email", id.Email),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Request handler panicked",
				zap.String("type", string(req.Type())),
				zap.String("email", id.Email),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			span.RecordError(fmt.Errorf("panic: %v", r))
			res = Result{Response: protocol.NewError(protocol.ErrCodeInternal, "internal error")}
		}
		if e, ok := res.Response.(*protocol.ErrorResponse); ok {
			span.SetStatus(codes.Error, e.Message)
			span.SetAttributes(attribute.String("business.error_code", string(e.Code)))
			return
		}
		span.SetAttributes(attribute.Int("business.broadcasts", len(res.Broadcasts)))
		span.SetStatus(codes.Ok, "")
	}()

	res, err := h.dispatch(ctx, id, req)
	if err != nil {
		span.RecordError(err)
		return Result{Response: h.errorResponse(req, id, err)}
	}
	return res
}

func (h *Handler) dispatch(ctx context.Context, id domain.Identity, req protocol.Request) (Result, error) {
	switch r := req.(type) {
	case *protocol.PingRequest:
		return Result{Response: &protocol.Pong{}}, nil

	case *protocol.GetServerTimeRequest:
		return Result{Response: &protocol.ServerTime{Timestamp: h.now().Unix()}}, nil

	case *protocol.CloseRequest:
		return Result{Close: true}, nil

	case *protocol.ConnectRequest:
		return Result{Response: protocol.NewError(protocol.ErrCodeProtocol, "already connected")}, nil

	case *protocol.FetchOrgRequest:
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("business.org_id", r.ID.String()))
		org, err := h.store.Org(ctx, id.UserID, r.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{Response: &protocol.OrgResponse{Org: org}}, nil

	case *protocol.FetchWalletRequest:
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("business.wallet_id", r.ID.String()))
		w, err := h.store.Wallet(ctx, id.UserID, r.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{Response: &protocol.WalletResponse{Wallet: w}}, nil

	case *protocol.FetchUserRequest:
		u, err := h.store.UserView(ctx, r.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{Response: &protocol.UserResponse{User: u}}, nil

	case *protocol.CreateWalletRequest:
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("business.org_id", r.OrgID.String()))
		change, err := h.store.CreateWallet(ctx, id.UserID, storage.CreateWalletInput{
			Alias:   r.Name,
			OrgID:   r.OrgID,
			OwnerID: r.OwnerID,
		})
		if err != nil {
			return Result{}, err
		}
		h.logger.Info("Wallet created",
			zap.String("wallet_id", change.Wallet.ID.String()),
			zap.String("org_id", r.OrgID.String()),
			zap.String("by", id.Email),
		)
		return walletResult(change), nil

	case *protocol.EditWalletRequest:
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("business.wallet_id", r.Wallet.ID.String()))
		change, err := h.store.EditWallet(ctx, id.UserID, r.Wallet)
		if err != nil {
			return Result{}, err
		}
		if change.Unchanged {
			return Result{Response: &protocol.WalletResponse{Wallet: change.Wallet}}, nil
		}
		h.logger.Debug("Wallet edited",
			zap.String("wallet_id", change.Wallet.ID.String()),
			zap.String("status", string(change.Wallet.Status)),
			zap.Uint64("version", change.Wallet.Version),
			zap.String("by", id.Email),
		)
		return walletResult(change), nil

	case *protocol.EditXpubRequest:
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("business.wallet_id", r.WalletID.String()),
			attribute.Int("business.key_id", int(r.KeyID)),
		)
		change, err := h.store.EditXpub(ctx, id.UserID, storage.EditXpubInput{
			WalletID: r.WalletID,
			KeyID:    r.KeyID,
			Xpub:     r.Xpub,
		})
		if err != nil {
			return Result{}, err
		}
		if change.Finalized {
			h.logger.Info("Wallet finalized",
				zap.String("wallet_id", change.Wallet.ID.String()),
				zap.String("by", id.Email),
			)
		}
		return walletResult(change), nil

	case *protocol.RemoveWalletFromOrgRequest:
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("business.org_id", r.OrgID.String()),
			attribute.String("business.wallet_id", r.WalletID.String()),
		)
		org, err := h.store.RemoveWalletFromOrg(ctx, id.UserID, r.OrgID, r.WalletID)
		if err != nil {
			return Result{}, err
		}
		h.logger.Info("Wallet removed from org",
			zap.String("wallet_id", r.WalletID.String()),
			zap.String("org_id", r.OrgID.String()),
			zap.String("by", id.Email),
		)
		return Result{
			Response:   &protocol.OrgResponse{Org: org},
			Broadcasts: []protocol.Response{&protocol.OrgResponse{Org: org}},
		}, nil

	default:
		return Result{}, fmt.Errorf("unhandled request type %s", req.Type())
	}
}

// walletResult answers with the wallet and broadcasts it, followed by the
// org and user projections the change touched.
func walletResult(change *storage.WalletChange) Result {
	res := Result{
		Response:   &protocol.WalletResponse{Wallet: change.Wallet},
		Broadcasts: []protocol.Response{&protocol.WalletResponse{Wallet: change.Wallet}},
	}
	if change.Org != nil {
		res.Broadcasts = append(res.Broadcasts, &protocol.OrgResponse{Org: change.Org})
	}
	for _, u := range change.Users {
		res.Broadcasts = append(res.Broadcasts, &protocol.UserResponse{User: u})
	}
	return res
}

// errorResponse maps err to a wire error. Unexpected errors are logged and
// hidden behind INTERNAL_ERROR.
func (h *Handler) errorResponse(req protocol.Request, id domain.Identity, err error) *protocol.ErrorResponse {
	if derr, ok := domain.AsError(err); ok {
		level := zap.DebugLevel
		switch {
		case errors.Is(err, domain.ErrAccessDenied):
			level = zap.WarnLevel
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidXpub):
			level = zap.InfoLevel
		}
		if ce := h.logger.Check(level, "Request rejected"); ce != nil {
			ce.Write(
				zap.String("type", string(req.Type())),
				zap.String("email", id.Email),
				zap.String("code", string(derr.Code)),
				zap.String("reason", derr.Message),
			)
		}
		return protocol.NewError(protocol.ErrorCode(derr.Code), derr.Message)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.NewError(protocol.ErrCodeNotFound, err.Error())
	}

	h.logger.Error("Request failed",
		zap.String("type", string(req.Type())),
		zap.String("email", id.Email),
		zap.Error(err),
	)
	return protocol.NewError(protocol.ErrCodeInternal, "internal error")
}
