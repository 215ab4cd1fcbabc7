package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/sirosfoundation/go-business-server/internal/domain"
)

// Inbound is a decoded client message.
type Inbound struct {
	Token     string
	RequestID string
	Request   Request
}

// DecodeError is returned by Decode. When the envelope itself parsed,
// Enveloped is set and RequestID and Token are filled in, so the error can
// be correlated and the token still checked.
type DecodeError struct {
	Code      ErrorCode
	Message   string
	RequestID string
	Token     string
	Enveloped bool
}

func (e *DecodeError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Response converts the decode failure into an error response.
func (e *DecodeError) Response() *ErrorResponse {
	return NewError(e.Code, e.Message)
}

// Decode parses one client frame.
func Decode(data []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Code: ErrCodeProtocol, Message: "malformed message: " + err.Error()}
	}
	fail := func(code ErrorCode, msg string) error {
		return &DecodeError{Code: code, Message: msg, RequestID: env.RequestID, Token: env.Token, Enveloped: true}
	}
	if env.Type == "" {
		return nil, fail(ErrCodeProtocol, "missing message type")
	}

	req, err := newRequest(env.Type)
	if err != nil {
		return nil, fail(ErrCodeUnknownType, err.Error())
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, req); err != nil {
			return nil, fail(ErrCodeProtocol, fmt.Sprintf("invalid %s payload: %v", env.Type, err))
		}
	}
	if err := checkRequest(req); err != nil {
		return nil, fail(ErrCodeProtocol, err.Error())
	}

	return &Inbound{Token: env.Token, RequestID: env.RequestID, Request: req}, nil
}

func newRequest(t MessageType) (Request, error) {
	switch t {
	case TypeConnect:
		return &ConnectRequest{}, nil
	case TypePing:
		return &PingRequest{}, nil
	case TypeClose:
		return &CloseRequest{}, nil
	case TypeGetServerTime:
		return &GetServerTimeRequest{}, nil
	case TypeFetchOrg:
		return &FetchOrgRequest{}, nil
	case TypeFetchWallet:
		return &FetchWalletRequest{}, nil
	case TypeFetchUser:
		return &FetchUserRequest{}, nil
	case TypeCreateWallet:
		return &CreateWalletRequest{}, nil
	case TypeEditWallet:
		return &EditWalletRequest{}, nil
	case TypeEditXpub:
		return &EditXpubRequest{}, nil
	case TypeRemoveWalletFromOrg:
		return &RemoveWalletFromOrgRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}

func checkRequest(req Request) error {
	switch r := req.(type) {
	case *EditWalletRequest:
		if r.Wallet == nil {
			return fmt.Errorf("edit_wallet requires a wallet")
		}
	case *EditXpubRequest:
		if r.KeyID < 0 || r.KeyID > domain.MaxKeyID {
			return fmt.Errorf("key_id %d out of range", r.KeyID)
		}
	}
	return nil
}

// Encode serializes a server message. An empty requestID produces a
// notification.
func Encode(resp Response, requestID string) ([]byte, error) {
	env := Envelope{Type: resp.Type(), RequestID: requestID}

	switch r := resp.(type) {
	case *ErrorResponse:
		env.Error = &ErrorBody{Code: r.Code, Message: r.Message}
	case *Pong:
	default:
		payload, err := json.Marshal(responsePayload(resp))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", resp.Type(), err)
		}
		env.Payload = payload
	}

	return json.Marshal(env)
}

func responsePayload(resp Response) any {
	switch r := resp.(type) {
	case *OrgResponse:
		return r.Org
	case *WalletResponse:
		return r.Wallet
	case *UserResponse:
		return r.User
	default:
		return resp
	}
}

// EncodeRequest serializes a client request.
func EncodeRequest(req Request, token, requestID string) ([]byte, error) {
	env := Envelope{Type: req.Type(), Token: token, RequestID: requestID}

	switch req.(type) {
	case *PingRequest, *CloseRequest, *GetServerTimeRequest:
	default:
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", req.Type(), err)
		}
		env.Payload = payload
	}

	return json.Marshal(env)
}

// DecodeResponse parses a server frame. It returns the request id the
// message answers, empty for notifications.
func DecodeResponse(data []byte) (Response, string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("malformed server message: %w", err)
	}

	var resp Response
	var target any
	switch env.Type {
	case TypeConnected:
		r := &Connected{}
		resp, target = r, r
	case TypePong:
		return &Pong{}, env.RequestID, nil
	case TypeServerTime:
		r := &ServerTime{}
		resp, target = r, r
	case TypeOrg:
		r := &OrgResponse{Org: &domain.Org{}}
		resp, target = r, r.Org
	case TypeWallet:
		r := &WalletResponse{Wallet: &domain.Wallet{}}
		resp, target = r, r.Wallet
	case TypeUser:
		r := &UserResponse{User: &domain.UserView{}}
		resp, target = r, r.User
	case TypeError:
		if env.Error == nil {
			return nil, env.RequestID, fmt.Errorf("error message without body")
		}
		return NewError(env.Error.Code, env.Error.Message), env.RequestID, nil
	default:
		return nil, env.RequestID, fmt.Errorf("unknown server message type %q", env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, env.RequestID, fmt.Errorf("%s message without payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, env.RequestID, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return resp, env.RequestID, nil
}
