// Package protocol defines the JSON wire format spoken over the WebSocket:
// one envelope shape for requests, responses and notifications, and closed
// sets of request and response kinds.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-business-server/internal/domain"
)

// Version is the protocol version this server speaks.
const Version = 1

// MessageType identifies the kind of a message
type MessageType string

const (
	// Client → Server
	TypeConnect             MessageType = "connect"
	TypePing                MessageType = "ping"
	TypeClose               MessageType = "close"
	TypeGetServerTime       MessageType = "get_server_time"
	TypeFetchOrg            MessageType = "fetch_org"
	TypeFetchWallet         MessageType = "fetch_wallet"
	TypeFetchUser           MessageType = "fetch_user"
	TypeCreateWallet        MessageType = "create_wallet"
	TypeEditWallet          MessageType = "edit_wallet"
	TypeEditXpub            MessageType = "edit_xpub"
	TypeRemoveWalletFromOrg MessageType = "remove_wallet_from_org"

	// Server → Client
	TypeConnected  MessageType = "connected"
	TypePong       MessageType = "pong"
	TypeServerTime MessageType = "server_time"
	TypeOrg        MessageType = "org"
	TypeWallet     MessageType = "wallet"
	TypeUser       MessageType = "user"
	TypeError      MessageType = "error"
)

// ErrorCode is a machine-readable error code
type ErrorCode string

const (
	ErrCodeInvalidToken    ErrorCode = "INVALID_TOKEN"
	ErrCodeProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrCodeUnknownType     ErrorCode = "UNKNOWN_TYPE"
	ErrCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
	ErrCodeNotConnected    ErrorCode = "NOT_CONNECTED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"

	ErrCodeNotFound      = ErrorCode(domain.ErrCodeNotFound)
	ErrCodeAccessDenied  = ErrorCode(domain.ErrCodeAccessDenied)
	ErrCodeInvalidStatus = ErrorCode(domain.ErrCodeInvalidState)
	ErrCodeValidation    = ErrorCode(domain.ErrCodeValidation)
	ErrCodeInvalidXpub   = ErrorCode(domain.ErrCodeInvalidXpub)
	ErrCodeConflict      = ErrorCode(domain.ErrCodeConflict)
)

// Envelope is the frame shared by every message. Requests carry Token;
// responses echo RequestID; notifications leave RequestID empty.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Token     string          `json:"token,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the payload of an error response
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Request is one of the client request kinds defined in this package.
type Request interface {
	Type() MessageType
	isRequest()
}

// ConnectRequest opens a session. The version may be sent as either
// protocol_version or version.
type ConnectRequest struct {
	ProtocolVersion int `json:"protocol_version"`
}

func (r *ConnectRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		ProtocolVersion *int `json:"protocol_version"`
		Version         *int `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.ProtocolVersion != nil:
		r.ProtocolVersion = *raw.ProtocolVersion
	case raw.Version != nil:
		r.ProtocolVersion = *raw.Version
	default:
		r.ProtocolVersion = 0
	}
	return nil
}

type PingRequest struct{}

type CloseRequest struct{}

type GetServerTimeRequest struct{}

type FetchOrgRequest struct {
	ID uuid.UUID `json:"id"`
}

type FetchWalletRequest struct {
	ID uuid.UUID `json:"id"`
}

type FetchUserRequest struct {
	ID uuid.UUID `json:"id"`
}

type CreateWalletRequest struct {
	Name    string    `json:"name"`
	OrgID   uuid.UUID `json:"org_id"`
	OwnerID uuid.UUID `json:"owner_id"`
}

type EditWalletRequest struct {
	Wallet *domain.Wallet `json:"wallet"`
}

// EditXpubRequest sets one key's xpub; a null xpub clears it.
type EditXpubRequest struct {
	WalletID uuid.UUID    `json:"wallet_id"`
	KeyID    domain.KeyID `json:"key_id"`
	Xpub     *domain.Xpub `json:"xpub"`
}

type RemoveWalletFromOrgRequest struct {
	OrgID    uuid.UUID `json:"org_id"`
	WalletID uuid.UUID `json:"wallet_id"`
}

func (*ConnectRequest) Type() MessageType             { return TypeConnect }
func (*PingRequest) Type() MessageType                { return TypePing }
func (*CloseRequest) Type() MessageType               { return TypeClose }
func (*GetServerTimeRequest) Type() MessageType       { return TypeGetServerTime }
func (*FetchOrgRequest) Type() MessageType            { return TypeFetchOrg }
func (*FetchWalletRequest) Type() MessageType         { return TypeFetchWallet }
func (*FetchUserRequest) Type() MessageType           { return TypeFetchUser }
func (*CreateWalletRequest) Type() MessageType        { return TypeCreateWallet }
func (*EditWalletRequest) Type() MessageType          { return TypeEditWallet }
func (*EditXpubRequest) Type() MessageType            { return TypeEditXpub }
func (*RemoveWalletFromOrgRequest) Type() MessageType { return TypeRemoveWalletFromOrg }

func (*ConnectRequest) isRequest()             {}
func (*PingRequest) isRequest()                {}
func (*CloseRequest) isRequest()               {}
func (*GetServerTimeRequest) isRequest()       {}
func (*FetchOrgRequest) isRequest()            {}
func (*FetchWalletRequest) isRequest()         {}
func (*FetchUserRequest) isRequest()           {}
func (*CreateWalletRequest) isRequest()        {}
func (*EditWalletRequest) isRequest()          {}
func (*EditXpubRequest) isRequest()            {}
func (*RemoveWalletFromOrgRequest) isRequest() {}

// Response is one of the server message kinds defined in this package.
// The same value is sent as a response (with a request id) or as a
// notification (without one).
type Response interface {
	Type() MessageType
	isResponse()
}

// Connected acknowledges a successful handshake.
type Connected struct {
	Version int         `json:"version"`
	Email   string      `json:"email"`
	UserID  uuid.UUID   `json:"user_id"`
	Role    domain.Role `json:"role"`
}

type Pong struct{}

type ServerTime struct {
	Timestamp int64 `json:"timestamp"`
}

type OrgResponse struct {
	Org *domain.Org
}

type WalletResponse struct {
	Wallet *domain.Wallet
}

type UserResponse struct {
	User *domain.UserView
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Code    ErrorCode
	Message string
}

func (*Connected) Type() MessageType      { return TypeConnected }
func (*Pong) Type() MessageType           { return TypePong }
func (*ServerTime) Type() MessageType     { return TypeServerTime }
func (*OrgResponse) Type() MessageType    { return TypeOrg }
func (*WalletResponse) Type() MessageType { return TypeWallet }
func (*UserResponse) Type() MessageType   { return TypeUser }
func (*ErrorResponse) Type() MessageType  { return TypeError }

func (*Connected) isResponse()      {}
func (*Pong) isResponse()           {}
func (*ServerTime) isResponse()     {}
func (*OrgResponse) isResponse()    {}
func (*WalletResponse) isResponse() {}
func (*UserResponse) isResponse()   {}
func (*ErrorResponse) isResponse()  {}

// NewError builds an error response.
func NewError(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{Code: code, Message: message}
}

func (e *ErrorResponse) Error() string {
	return string(e.Code) + ": " + e.Message
}
