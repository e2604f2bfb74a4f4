package signaling

import (
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

// Error codes carried in error frames.
const (
	CodeBadMessage        = "bad_message"
	CodeRateLimited       = "rate_limited"
	CodeTooManyPeers      = "too_many_peers"
	CodeDuplicateIdentity = "duplicate_identity"
	CodeInvalidIdentity   = "invalid_identity"
	CodeAlreadyJoined     = "already_joined"
	CodeNotJoined         = "not_joined"
	CodeSenderMismatch    = "sender_mismatch"
	CodeUnavailable       = "unavailable"
)

type wsProtocolError struct {
	Code    string
	Message string
}

func (e *wsProtocolError) Error() string { return e.Code + ": " + e.Message }

// protocolError maps a hub error to the error frame sent to the client. None
// of these close the connection.
func protocolError(err error) *wsProtocolError {
	var code string
	switch {
	case errors.Is(err, registry.ErrDuplicateIdentity):
		code = CodeDuplicateIdentity
	case errors.Is(err, registry.ErrInvalidIdentity):
		code = CodeInvalidIdentity
	case errors.Is(err, mesh.ErrAlreadyJoined):
		code = CodeAlreadyJoined
	case errors.Is(err, mesh.ErrNotJoined):
		code = CodeNotJoined
	case errors.Is(err, mesh.ErrSenderMismatch):
		code = CodeSenderMismatch
	case errors.Is(err, relay.ErrInvalidSignal):
		code = CodeBadMessage
	default:
		// Fabric errors can carry peer addresses; keep them in the logs.
		return &wsProtocolError{Code: CodeUnavailable, Message: mesh.ErrUnavailable.Error()}
	}
	return &wsProtocolError{Code: code, Message: err.Error()}
}
