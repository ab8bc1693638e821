package voice

import (
	"testing"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeDecodeRelayMessages(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Payload
	}{
		{
			name: "participants with numeric ids",
			data: `{"type":"participants","participants":[{"id":7,"username":"alice","isMuted":false,"isDeafened":true},{"id":"8","username":"bob","isVideoEnabled":true}],"isEchoMode":true}`,
			want: &ParticipantsPayload{
				Participants: []Participant{
					{ID: "7", Username: "alice", IsDeafened: true},
					{ID: "8", Username: "bob", IsVideoEnabled: true},
				},
				IsEchoMode: true,
			},
		},
		{
			name: "participant joined",
			data: `{"type":"participant_joined","participant":{"id":9,"username":"carol","isScreenSharing":true},"isEchoMode":false}`,
			want: &ParticipantJoinedPayload{Participant: Participant{ID: "9", Username: "carol", IsScreenSharing: true}},
		},
		{
			name: "participant left",
			data: `{"type":"participant_left","userId":9,"isEchoMode":true}`,
			want: &ParticipantLeftPayload{UserID: "9", IsEchoMode: true},
		},
		{
			name: "audio with sender",
			data: `{"type":"audio","data":"AAAB","timestamp":1718000000000,"sender_id":8}`,
			want: &AudioPayload{Data: "AAAB", Timestamp: 1718000000000, SenderID: "8"},
		},
		{
			name: "echo of audio",
			data: `{"type":"echo","original_message":{"type":"audio","data":"AAAB","timestamp":3}}`,
			want: &EchoPayload{Original: NewEnvelope(&AudioPayload{Data: "AAAB", Timestamp: 3})},
		},
		{
			name: "video started by peer",
			data: `{"type":"video_start","userId":8}`,
			want: NewTrackEvent(KindVideoStart, "8"),
		},
		{
			name: "screen share state",
			data: `{"type":"screen_share_state","isEnabled":true}`,
			want: NewScreenShareState(true),
		},
		{
			name: "mute state",
			data: `{"type":"mute_state","isMuted":true}`,
			want: &MuteStatePayload{IsMuted: true},
		},
		{
			name: "connection status",
			data: `{"type":"connection_status","status":"connected","message":"Connected to voice channel"}`,
			want: &ConnectionStatusPayload{Status: "connected", Message: "Connected to voice channel"},
		},
		{
			name: "token refresh",
			data: `{"type":"token_refresh","token":"abc"}`,
			want: &TokenRefreshPayload{Token: "abc"},
		},
		{
			name: "ping",
			data: `{"type":"ping"}`,
			want: new(PingPayload),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := new(Envelope)
			require.NoError(t, env.UnmarshalJSON([]byte(tt.data)))
			assert.Equal(t, tt.want.Kind(), env.Kind)
			assert.Equal(t, tt.want, env.Payload)
		})
	}
}

func TestEnvelopeDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		unknown bool
	}{
		{"not json", `{"type":`, false},
		{"no type", `{"data":"AAAB"}`, false},
		{"unknown kind", `{"type":"karaoke"}`, true},
		{"audio without data", `{"type":"audio","timestamp":1}`, false},
		{"mute state without flag", `{"type":"mute_state"}`, false},
		{"mute state with string flag", `{"type":"mute_state","isMuted":"yes"}`, false},
		{"participants not a list", `{"type":"participants","participants":{}}`, false},
		{"participant without id", `{"type":"participant_joined","participant":{"username":"x"}}`, false},
		{"token refresh without token", `{"type":"token_refresh","token":""}`, false},
		{"echo of unknown kind", `{"type":"echo","original_message":{"type":"karaoke"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := new(Envelope).UnmarshalJSON([]byte(tt.data))
			assert.ErrorIs(t, err, shared.ErrProtocolDecode)
			if tt.unknown {
				assert.ErrorIs(t, err, shared.ErrUnknownEnvelope)
			}
		})
	}
}

func TestEnvelopeEncodeOutbound(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
		want map[string]any
	}{
		{"join", NewEnvelope(new(JoinPayload)), map[string]any{"type": "join"}},
		{"leave", NewEnvelope(new(LeavePayload)), map[string]any{"type": "leave"}},
		{
			"audio",
			NewEnvelope(&AudioPayload{Data: "AAAB", Timestamp: 42, Raw: []byte{1, 2}}),
			map[string]any{"type": "audio", "data": "AAAB", "timestamp": float64(42)},
		},
		{"deafen state", NewEnvelope(&DeafenStatePayload{IsDeafened: true}), map[string]any{"type": "deafen_state", "isDeafened": true}},
		{"video state", NewEnvelope(NewVideoState(false)), map[string]any{"type": "video_state", "isEnabled": false}},
		{"screen share stop", NewEnvelope(NewTrackEvent(KindScreenShareStop, "7")), map[string]any{"type": "screen_share_stop", "userId": "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.MarshalJSON()
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, sonic.Unmarshal(data, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvelopeKindMismatch(t *testing.T) {
	_, err := (&Envelope{Kind: KindLeave, Payload: new(JoinPayload)}).MarshalJSON()
	assert.Error(t, err)
	_, err = (&Envelope{Kind: KindJoin}).MarshalJSON()
	assert.Error(t, err)
	_, err = (&Envelope{Payload: new(JoinPayload)}).MarshalJSON()
	assert.Error(t, err)
}

func TestEveryKindHasPayload(t *testing.T) {
	for _, kind := range Kinds {
		p := newPayload(kind)
		require.NotNil(t, p, kind)
		assert.Equal(t, kind, p.Kind())
	}
	assert.Len(t, Kinds, 19)
}

func TestEnvelopeYAML(t *testing.T) {
	env := NewEnvelope(&ParticipantJoinedPayload{
		Participant: Participant{ID: "9", Username: "carol", IsMuted: true},
		IsEchoMode:  true,
	})
	data, err := env.MarshalYAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: participant_joined")

	got := new(Envelope)
	require.NoError(t, got.UnmarshalYAML(data))
	assert.Equal(t, env, got)
}
