package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/looplab/fsm"
)

type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

func parseSessionState(s string) SessionState {
	switch s {
	case "connecting":
		return StateConnecting
	case "connected":
		return StateConnected
	}
	return StateDisconnected
}

// Session is a point in time view of the channel session.
type Session struct {
	State          SessionState
	ChannelID      string
	Credential     string
	LastActivityAt time.Time
}

const (
	eventOpen = "open"
	eventAck  = "ack"
	eventDrop = "drop"
)

// StateChangeHandler observes every accepted transition.
type StateChangeHandler func(from, to SessionState)

// sessionMachine is the only place SessionState changes. There is no event
// from disconnected to connected, so every path passes through connecting.
type sessionMachine struct {
	fsm *fsm.FSM
}

func newSessionMachine(onChange StateChangeHandler) *sessionMachine {
	disconnected := StateDisconnected.String()
	connecting := StateConnecting.String()
	connected := StateConnected.String()
	return &sessionMachine{
		fsm: fsm.NewFSM(
			disconnected,
			fsm.Events{
				{Name: eventOpen, Src: []string{disconnected}, Dst: connecting},
				{Name: eventAck, Src: []string{connecting}, Dst: connected},
				{Name: eventDrop, Src: []string{connecting, connected}, Dst: disconnected},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					if onChange != nil {
						onChange(parseSessionState(e.Src), parseSessionState(e.Dst))
					}
				},
			},
		),
	}
}

func (m *sessionMachine) Current() SessionState {
	return parseSessionState(m.fsm.Current())
}

// fire applies event. Transitions are never cancelled, so no caller context is used.
func (m *sessionMachine) fire(event string) error {
	err := m.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) && event == eventOpen {
		return shared.ErrSessionAlreadyRunning
	}
	return fmt.Errorf("session %s from %s: %w", event, m.fsm.Current(), err)
}
