package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoCredential          = errors.New("no credential provided")
	ErrNoChannel             = errors.New("no channel id provided")
	ErrNoHandler             = errors.New("no handler provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotRunning     = errors.New("session not running")
	ErrSendQueueFull         = errors.New("send queue full")
)

// Failure classes. Every error leaving the session core wraps exactly one of these.
var (
	ErrAuthentication  = errors.New("authentication failed")
	ErrMembership      = errors.New("not a member")
	ErrInvalidChannel  = errors.New("invalid voice channel")
	ErrDeviceAccess    = errors.New("device access failed")
	ErrTransport       = errors.New("transport failure")
	ErrProtocolDecode  = errors.New("protocol decode failed")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrNormalClosure   = errors.New("normal closure")
	ErrUnknownEnvelope = fmt.Errorf("%w: unknown envelope kind", ErrProtocolDecode)
)

// IsTerminal reports whether err ends the session without automatic retry.
func IsTerminal(err error) bool {
	if err == nil {
		return true
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Terminal()
	}
	switch {
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrMembership),
		errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrNormalClosure):
		return true
	}
	return false
}

// CloseError is a classified transport close.
type CloseError struct {
	Code   int
	Reason string
	Class  error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed (%d: %s): %v", e.Code, e.Reason, e.Class)
	}
	return fmt.Sprintf("connection closed (%d): %v", e.Code, e.Class)
}

func (e *CloseError) Unwrap() error {
	return e.Class
}

func (e *CloseError) Terminal() bool {
	switch e.Class {
	case ErrAuthentication, ErrMembership, ErrInvalidChannel, ErrNormalClosure:
		return true
	}
	return false
}

// UserMessage is the explanation shown to whoever drives the session.
func (e *CloseError) UserMessage() string {
	return UserMessage(e)
}

// UserMessage maps any session error to a short human readable explanation.
func UserMessage(err error) string {
	var ce *CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case 4000:
			return "Authentication failed. Please log in again."
		case 4001:
			return "Invalid voice channel."
		case 4002:
			return "You are not a member of this server."
		case 4003:
			return "User not found. Please log in again."
		case 1000:
			return "Disconnected."
		case 1006:
			return "Connection lost. Attempting to reconnect..."
		}
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "Authentication failed. Please log in again."
	case errors.Is(err, ErrMembership):
		return "You are not a member of this server."
	case errors.Is(err, ErrInvalidChannel):
		return "Invalid voice channel."
	case errors.Is(err, ErrConnectTimeout):
		return "Connection timed out."
	case errors.Is(err, ErrDeviceAccess):
		return "Could not access the media device. Please check permissions."
	case errors.Is(err, ErrNormalClosure):
		return "Disconnected."
	}
	return "Connection lost. Attempting to reconnect..."
}
