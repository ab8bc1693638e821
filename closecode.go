package voice

import (
	"errors"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/gorilla/websocket"
)

// Application close codes used by the relay.
const (
	CloseAuthenticationFailed = 4000
	CloseInvalidChannel       = 4001
	CloseNotMember            = 4002
	CloseUserNotFound         = 4003
)

// ClassifyClose maps a transport close code to its failure class.
func ClassifyClose(code int, reason string) *shared.CloseError {
	ce := &shared.CloseError{Code: code, Reason: reason}
	switch code {
	case CloseAuthenticationFailed, CloseUserNotFound:
		ce.Class = shared.ErrAuthentication
	case CloseInvalidChannel:
		ce.Class = shared.ErrInvalidChannel
	case CloseNotMember:
		ce.Class = shared.ErrMembership
	case websocket.CloseNormalClosure:
		ce.Class = shared.ErrNormalClosure
	default:
		ce.Class = shared.ErrTransport
	}
	return ce
}

// classifyTransportError turns a read or write failure into a classified close.
// Anything that is not a close frame counts as an abnormal closure.
func classifyTransportError(err error) *shared.CloseError {
	var ce *shared.CloseError
	if errors.As(err, &ce) {
		return ce
	}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return ClassifyClose(wsErr.Code, wsErr.Text)
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &shared.CloseError{
		Code:   websocket.CloseAbnormalClosure,
		Reason: reason,
		Class:  shared.ErrTransport,
	}
}
