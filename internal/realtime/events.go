package realtime

import "encoding/json"

// Server event types observed during and after the handshake.
const (
	// TypeConnectionEstablished is the server's explicit auth-success signal.
	TypeConnectionEstablished = "connection_established"
	// TypeAuthError is the server's auth-failure signal.
	TypeAuthError = "auth_error"
)

// Auth-failure codes the server may attach to an auth_error event.
// session_expired and token_expired are recoverable: the client should
// refresh its credential and reconnect. Everything else is terminal.
const (
	CodeSessionExpired = "session_expired"
	CodeTokenExpired   = "token_expired"
)

// Envelope is the wire frame exchanged with the realtime server.
type Envelope struct {
	Type    string          `json:"type"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func recoverableAuthCode(code string) bool {
	return code == CodeSessionExpired || code == CodeTokenExpired
}
