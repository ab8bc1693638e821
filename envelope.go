package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EnvelopeKind string

const (
	KindJoin              EnvelopeKind = "join"
	KindLeave             EnvelopeKind = "leave"
	KindAudio             EnvelopeKind = "audio"
	KindPing              EnvelopeKind = "ping"
	KindPong              EnvelopeKind = "pong"
	KindMuteState         EnvelopeKind = "mute_state"
	KindDeafenState       EnvelopeKind = "deafen_state"
	KindVideoState        EnvelopeKind = "video_state"
	KindVideoStart        EnvelopeKind = "video_start"
	KindVideoStop         EnvelopeKind = "video_stop"
	KindScreenShareState  EnvelopeKind = "screen_share_state"
	KindScreenShareStart  EnvelopeKind = "screen_share_start"
	KindScreenShareStop   EnvelopeKind = "screen_share_stop"
	KindParticipants      EnvelopeKind = "participants"
	KindParticipantJoined EnvelopeKind = "participant_joined"
	KindParticipantLeft   EnvelopeKind = "participant_left"
	KindEcho              EnvelopeKind = "echo"
	KindConnectionStatus  EnvelopeKind = "connection_status"
	KindTokenRefresh      EnvelopeKind = "token_refresh"
)

// Kinds lists every envelope kind understood on the wire.
var Kinds = []EnvelopeKind{
	KindJoin, KindLeave, KindAudio, KindPing, KindPong,
	KindMuteState, KindDeafenState,
	KindVideoState, KindVideoStart, KindVideoStop,
	KindScreenShareState, KindScreenShareStart, KindScreenShareStop,
	KindParticipants, KindParticipantJoined, KindParticipantLeft,
	KindEcho, KindConnectionStatus, KindTokenRefresh,
}

// Payload is the kind specific body of an Envelope.
type Payload interface {
	Kind() EnvelopeKind
	New(map[string]any) error
	Json() map[string]any
}

// Envelope is one structured message on the session transport.
type Envelope struct {
	Kind    EnvelopeKind
	Payload Payload
}

// NewEnvelope wraps p, taking the kind from the payload.
func NewEnvelope(p Payload) *Envelope {
	return &Envelope{Kind: p.Kind(), Payload: p}
}

func (e *Envelope) fields() (map[string]any, error) {
	if e.Kind == "" {
		return nil, errors.New("Kind is empty")
	}
	if e.Payload == nil {
		return nil, errors.New("Payload is nil")
	}
	if e.Payload.Kind() != e.Kind {
		return nil, fmt.Errorf("payload kind %s does not match envelope kind %s", e.Payload.Kind(), e.Kind)
	}
	resp := map[string]any{}
	for k, v := range e.Payload.Json() {
		resp[k] = v
	}
	resp["type"] = e.Kind
	return resp, nil
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrProtocolDecode, err)
	}
	return e.decode(raw)
}

func (e *Envelope) MarshalYAML() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *Envelope) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrProtocolDecode, err)
	}
	return e.decode(raw)
}

func (e *Envelope) decode(raw map[string]any) error {
	if raw == nil {
		return fmt.Errorf("%w: empty envelope", shared.ErrProtocolDecode)
	}
	v, ok := raw["type"].(string)
	if !ok {
		return fmt.Errorf("%w: missing type", shared.ErrProtocolDecode)
	}
	delete(raw, "type")
	e.Kind = EnvelopeKind(v)
	e.Payload = newPayload(e.Kind)
	if e.Payload == nil {
		return fmt.Errorf("%w: %s", shared.ErrUnknownEnvelope, v)
	}
	if err := e.Payload.New(raw); err != nil {
		return fmt.Errorf("%w: %s: %w", shared.ErrProtocolDecode, v, err)
	}
	return nil
}

func newPayload(kind EnvelopeKind) Payload {
	switch kind {
	case KindJoin:
		return new(JoinPayload)
	case KindLeave:
		return new(LeavePayload)
	case KindAudio:
		return new(AudioPayload)
	case KindPing:
		return new(PingPayload)
	case KindPong:
		return new(PongPayload)
	case KindMuteState:
		return new(MuteStatePayload)
	case KindDeafenState:
		return new(DeafenStatePayload)
	case KindVideoState:
		return &TrackStatePayload{kind: KindVideoState}
	case KindScreenShareState:
		return &TrackStatePayload{kind: KindScreenShareState}
	case KindVideoStart, KindVideoStop, KindScreenShareStart, KindScreenShareStop:
		return &TrackEventPayload{kind: kind}
	case KindParticipants:
		return new(ParticipantsPayload)
	case KindParticipantJoined:
		return new(ParticipantJoinedPayload)
	case KindParticipantLeft:
		return new(ParticipantLeftPayload)
	case KindEcho:
		return new(EchoPayload)
	case KindConnectionStatus:
		return new(ConnectionStatusPayload)
	case KindTokenRefresh:
		return new(TokenRefreshPayload)
	}
	return nil
}

// Helpers for loosely typed wire values
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// asID accepts string ids as well as the numeric ids the relay uses.
func asID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case nil:
		return "", false
	}
	if n, ok := asInt64(v); ok {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

func asBool(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, fmt.Errorf("missing %s", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("invalid %s", key)
	}
	return b, nil
}

// optBool reads key if it is a bool and reports false otherwise.
func optBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// join
type JoinPayload struct{}

func (p *JoinPayload) Kind() EnvelopeKind {
	return KindJoin
}

func (p *JoinPayload) New(map[string]any) error {
	return nil
}

func (p *JoinPayload) Json() map[string]any {
	return map[string]any{}
}

// leave
type LeavePayload struct{}

func (p *LeavePayload) Kind() EnvelopeKind {
	return KindLeave
}

func (p *LeavePayload) New(map[string]any) error {
	return nil
}

func (p *LeavePayload) Json() map[string]any {
	return map[string]any{}
}

// ping
type PingPayload struct{}

func (p *PingPayload) Kind() EnvelopeKind {
	return KindPing
}

func (p *PingPayload) New(map[string]any) error {
	return nil
}

func (p *PingPayload) Json() map[string]any {
	return map[string]any{}
}

// pong
type PongPayload struct{}

func (p *PongPayload) Kind() EnvelopeKind {
	return KindPong
}

func (p *PongPayload) New(map[string]any) error {
	return nil
}

func (p *PongPayload) Json() map[string]any {
	return map[string]any{}
}

// audio
type AudioPayload struct {
	// Data is base64 encoded 16-bit little-endian PCM.
	Data      string
	Timestamp int64
	SenderID  string
	// Raw carries PCM bytes that arrived as a binary frame. It is never serialized.
	Raw []byte
}

func (p *AudioPayload) Kind() EnvelopeKind { return KindAudio }

func (p *AudioPayload) New(m map[string]any) error {
	if v, ok := m["data"].(string); ok {
		p.Data = v
	} else {
		return errors.New("missing data")
	}
	if v, ok := asInt64(m["timestamp"]); ok {
		p.Timestamp = v
	}
	if v, ok := asID(m["sender_id"]); ok {
		p.SenderID = v
	}
	return nil
}

func (p *AudioPayload) Json() map[string]any {
	resp := map[string]any{
		"data":      p.Data,
		"timestamp": p.Timestamp,
	}
	if p.SenderID != "" {
		resp["sender_id"] = p.SenderID
	}
	return resp
}

// mute_state
type MuteStatePayload struct {
	IsMuted bool
}

func (p *MuteStatePayload) Kind() EnvelopeKind { return KindMuteState }

func (p *MuteStatePayload) New(m map[string]any) (err error) {
	p.IsMuted, err = asBool(m, "isMuted")
	return err
}

func (p *MuteStatePayload) Json() map[string]any {
	return map[string]any{"isMuted": p.IsMuted}
}

// deafen_state
type DeafenStatePayload struct {
	IsDeafened bool
}

func (p *DeafenStatePayload) Kind() EnvelopeKind { return KindDeafenState }

func (p *DeafenStatePayload) New(m map[string]any) (err error) {
	p.IsDeafened, err = asBool(m, "isDeafened")
	return err
}

func (p *DeafenStatePayload) Json() map[string]any {
	return map[string]any{"isDeafened": p.IsDeafened}
}

// video_state, screen_share_state
type TrackStatePayload struct {
	kind      EnvelopeKind
	IsEnabled bool
}

func NewVideoState(enabled bool) *TrackStatePayload {
	return &TrackStatePayload{kind: KindVideoState, IsEnabled: enabled}
}

func NewScreenShareState(enabled bool) *TrackStatePayload {
	return &TrackStatePayload{kind: KindScreenShareState, IsEnabled: enabled}
}

func (p *TrackStatePayload) Kind() EnvelopeKind { return p.kind }

func (p *TrackStatePayload) New(m map[string]any) (err error) {
	p.IsEnabled, err = asBool(m, "isEnabled")
	return err
}

func (p *TrackStatePayload) Json() map[string]any {
	return map[string]any{"isEnabled": p.IsEnabled}
}

// video_start, video_stop, screen_share_start, screen_share_stop
type TrackEventPayload struct {
	kind   EnvelopeKind
	UserID string
}

func NewTrackEvent(kind EnvelopeKind, userID string) *TrackEventPayload {
	return &TrackEventPayload{kind: kind, UserID: userID}
}

func (p *TrackEventPayload) Kind() EnvelopeKind { return p.kind }

// New tolerates a missing userId; the relay fills it in for outbound events.
func (p *TrackEventPayload) New(m map[string]any) error {
	if v, ok := asID(m["userId"]); ok {
		p.UserID = v
	}
	return nil
}

func (p *TrackEventPayload) Json() map[string]any {
	if p.UserID == "" {
		return map[string]any{}
	}
	return map[string]any{"userId": p.UserID}
}

// Participant is one roster entry as pushed by the relay.
type Participant struct {
	ID              string
	Username        string
	IsMuted         bool
	IsDeafened      bool
	IsVideoEnabled  bool
	IsScreenSharing bool
}

func (p *Participant) New(m map[string]any) error {
	id, ok := asID(m["id"])
	if !ok {
		return errors.New("missing participant id")
	}
	p.ID = id
	if v, ok := m["username"].(string); ok {
		p.Username = v
	}
	p.IsMuted = optBool(m, "isMuted")
	p.IsDeafened = optBool(m, "isDeafened")
	p.IsVideoEnabled = optBool(m, "isVideoEnabled")
	p.IsScreenSharing = optBool(m, "isScreenSharing")
	return nil
}

func (p *Participant) Json() map[string]any {
	return map[string]any{
		"id":              p.ID,
		"username":        p.Username,
		"isMuted":         p.IsMuted,
		"isDeafened":      p.IsDeafened,
		"isVideoEnabled":  p.IsVideoEnabled,
		"isScreenSharing": p.IsScreenSharing,
	}
}

// participants
type ParticipantsPayload struct {
	Participants []Participant
	IsEchoMode   bool
}

func (p *ParticipantsPayload) Kind() EnvelopeKind { return KindParticipants }

func (p *ParticipantsPayload) New(m map[string]any) error {
	list, ok := m["participants"].([]any)
	if !ok {
		return errors.New("missing participants")
	}
	p.Participants = make([]Participant, 0, len(list))
	for _, item := range list {
		pm, ok := item.(map[string]any)
		if !ok {
			return errors.New("invalid element in participants")
		}
		var part Participant
		if err := part.New(pm); err != nil {
			return err
		}
		p.Participants = append(p.Participants, part)
	}
	p.IsEchoMode = optBool(m, "isEchoMode")
	return nil
}

func (p *ParticipantsPayload) Json() map[string]any {
	list := make([]any, 0, len(p.Participants))
	for i := range p.Participants {
		list = append(list, p.Participants[i].Json())
	}
	return map[string]any{
		"participants": list,
		"isEchoMode":   p.IsEchoMode,
	}
}

// participant_joined
type ParticipantJoinedPayload struct {
	Participant Participant
	IsEchoMode  bool
}

func (p *ParticipantJoinedPayload) Kind() EnvelopeKind { return KindParticipantJoined }

func (p *ParticipantJoinedPayload) New(m map[string]any) error {
	pm, ok := m["participant"].(map[string]any)
	if !ok {
		return errors.New("missing participant")
	}
	if err := p.Participant.New(pm); err != nil {
		return err
	}
	p.IsEchoMode = optBool(m, "isEchoMode")
	return nil
}

func (p *ParticipantJoinedPayload) Json() map[string]any {
	return map[string]any{
		"participant": p.Participant.Json(),
		"isEchoMode":  p.IsEchoMode,
	}
}

// participant_left
type ParticipantLeftPayload struct {
	UserID     string
	IsEchoMode bool
}

func (p *ParticipantLeftPayload) Kind() EnvelopeKind { return KindParticipantLeft }

func (p *ParticipantLeftPayload) New(m map[string]any) error {
	id, ok := asID(m["userId"])
	if !ok {
		return errors.New("missing userId")
	}
	p.UserID = id
	p.IsEchoMode = optBool(m, "isEchoMode")
	return nil
}

func (p *ParticipantLeftPayload) Json() map[string]any {
	return map[string]any{
		"userId":     p.UserID,
		"isEchoMode": p.IsEchoMode,
	}
}

// echo wraps a message the relay bounced back while the sender is alone.
type EchoPayload struct {
	Original *Envelope
}

func (p *EchoPayload) Kind() EnvelopeKind { return KindEcho }

func (p *EchoPayload) New(m map[string]any) error {
	om, ok := m["original_message"].(map[string]any)
	if !ok {
		return errors.New("missing original_message")
	}
	p.Original = new(Envelope)
	return p.Original.decode(om)
}

func (p *EchoPayload) Json() map[string]any {
	if p.Original == nil {
		return map[string]any{"original_message": nil}
	}
	inner, err := p.Original.fields()
	if err != nil {
		return map[string]any{"original_message": nil}
	}
	return map[string]any{"original_message": inner}
}

// connection_status
type ConnectionStatusPayload struct {
	Status  string
	Message string
}

func (p *ConnectionStatusPayload) Kind() EnvelopeKind { return KindConnectionStatus }

func (p *ConnectionStatusPayload) New(m map[string]any) error {
	if v, ok := m["status"].(string); ok {
		p.Status = v
	} else {
		return errors.New("missing status")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	}
	return nil
}

func (p *ConnectionStatusPayload) Json() map[string]any {
	return map[string]any{
		"status":  p.Status,
		"message": p.Message,
	}
}

// Connected reports whether the relay accepted the session.
func (p *ConnectionStatusPayload) Connected() bool {
	return p.Status == "connected"
}

// token_refresh
type TokenRefreshPayload struct {
	Token string
}

func (p *TokenRefreshPayload) Kind() EnvelopeKind { return KindTokenRefresh }

func (p *TokenRefreshPayload) New(m map[string]any) error {
	v, ok := m["token"].(string)
	if !ok || v == "" {
		return errors.New("missing token")
	}
	p.Token = v
	return nil
}

func (p *TokenRefreshPayload) Json() map[string]any {
	return map[string]any{"token": p.Token}
}
