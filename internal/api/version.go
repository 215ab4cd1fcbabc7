// Package api provides the HTTP handlers served next to the WebSocket
// endpoint: status, service discovery and the OTP login flow.
package api

// ServiceName is reported by /status.
const ServiceName = "business-server"

// Capabilities lists the features advertised by /status.
var Capabilities = []string{
	"websocket",
	"otp-login",
	"token-refresh",
	"server-time",
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status          string   `json:"status"`
	Service         string   `json:"service"`
	Version         string   `json:"version"`
	ProtocolVersion int      `json:"protocol_version"`
	Connections     int      `json:"connections"`
	Orgs            int      `json:"orgs"`
	Wallets         int      `json:"wallets"`
	Users           int      `json:"users"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// ServiceConfig is returned by /v1/desktop so installers can discover the
// auth and backend endpoints.
type ServiceConfig struct {
	AuthAPIURL       string `json:"auth_api_url"`
	AuthAPIPublicKey string `json:"auth_api_public_key"`
	BackendAPIURL    string `json:"backend_api_url"`
	WebSocketURL     string `json:"ws_url"`
}
