package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bt-bridge/voice-client/media"
	"github.com/bt-bridge/voice-client/shared"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connHarness struct {
	conn    *Connection
	metrics *Metrics
	inbound chan *Envelope
	closed  chan *shared.CloseError
	states  chan SessionState
}

func newConnHarness(t *testing.T, cfg ConnectionConfig) *connHarness {
	t.Helper()
	h := &connHarness{
		metrics: NewMetrics("test"),
		inbound: make(chan *Envelope, 64),
		closed:  make(chan *shared.CloseError, 4),
		states:  make(chan SessionState, 16),
	}
	conn, err := NewConnection(context.Background(), shared.NewNopLogger(), cfg, NewCredentialStore(""), h.metrics)
	require.NoError(t, err)
	require.NoError(t, conn.RegisterEnvelopeHandler(func(env *Envelope) { h.inbound <- env }))
	require.NoError(t, conn.RegisterCloseHandler(func(ce *shared.CloseError) { h.closed <- ce }))
	require.NoError(t, conn.RegisterStateHandler(func(_, to SessionState) { h.states <- to }))
	t.Cleanup(func() { _ = conn.Shutdown("test done") })
	h.conn = conn
	return h
}

func (h *connHarness) next(t *testing.T, kind EnvelopeKind) *Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-h.inbound:
			if env.Kind == kind {
				return env
			}
		case <-timeout:
			t.Fatalf("no inbound %s envelope", kind)
		}
	}
}

func (h *connHarness) closeEvent(t *testing.T) *shared.CloseError {
	t.Helper()
	select {
	case ce := <-h.closed:
		return ce
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
	return nil
}

func (h *connHarness) noCloseEvent(t *testing.T) {
	t.Helper()
	select {
	case ce := <-h.closed:
		t.Fatalf("unexpected close event: %v", ce)
	case <-time.After(100 * time.Millisecond):
	}
}

func openAsync(conn *Connection, channelID, token string) <-chan error {
	errC := make(chan error, 1)
	go func() {
		errC <- conn.Open(context.Background(), channelID, token)
	}()
	return errC
}

func TestNewConnection(t *testing.T) {
	_, err := NewConnection(context.Background(), nil, ConnectionConfig{}, NewCredentialStore(""), nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewConnection(context.Background(), shared.NewNopLogger(), ConnectionConfig{}, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoCredential)
	_, err = NewConnection(context.Background(), shared.NewNopLogger(), ConnectionConfig{ServerURL: "ftp://relay"}, NewCredentialStore(""), nil)
	assert.Error(t, err)

	conn, err := NewConnection(context.Background(), shared.NewNopLogger(), ConnectionConfig{ServerURL: "https://relay.example:8443"}, NewCredentialStore(""), nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example:8443/ws/voice/42?token=a+b", conn.endpoint("42", "a b"))
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnectionOpenAcknowledgedByParticipants(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	relay.echo = true
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	assert.Equal(t, "general", rc.channel)
	assert.Equal(t, "secret", rc.token)
	assert.True(t, h.conn.Connected())
	assert.True(t, h.conn.IsOpen())
	assert.Equal(t, StateConnecting, <-h.states)
	assert.Equal(t, StateConnected, <-h.states)

	env := h.next(t, KindParticipants)
	p := env.Payload.(*ParticipantsPayload)
	assert.Equal(t, testRoster, p.Participants)
	assert.True(t, p.IsEchoMode)

	s := h.conn.Session()
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, "general", s.ChannelID)
	assert.Equal(t, "secret", s.Credential)
	assert.False(t, s.LastActivityAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.connectAttempts.WithLabelValues("ok")))

	assert.ErrorIs(t, h.conn.Open(context.Background(), "general", "secret"), shared.ErrSessionAlreadyRunning)
}

func TestConnectionOpenAcknowledgedByConnectionStatus(t *testing.T) {
	relay := newTestRelay(t, nil)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	rc.expect(t, KindJoin)
	require.NoError(t, rc.send(NewEnvelope(&ConnectionStatusPayload{Status: "pending"})))
	select {
	case err := <-errC:
		t.Fatalf("Open returned before acknowledgment: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, rc.send(NewEnvelope(&ConnectionStatusPayload{Status: "connected", Message: "welcome"})))
	require.NoError(t, <-errC)
	assert.True(t, h.conn.Connected())
}

func TestConnectionHandshakeTimeout(t *testing.T) {
	relay := newTestRelay(t, nil)
	cfg := testConnectionConfig(relay.URL())
	cfg.HandshakeTimeout = 150 * time.Millisecond
	h := newConnHarness(t, cfg)

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	rc.expect(t, KindJoin)

	err := <-errC
	assert.ErrorIs(t, err, shared.ErrConnectTimeout)
	assert.Equal(t, StateDisconnected, h.conn.State())
	assert.False(t, h.conn.IsOpen())
	h.noCloseEvent(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.connectAttempts.WithLabelValues("timeout")))
}

func TestConnectionHandshakeRejected(t *testing.T) {
	relay := newTestRelay(t, nil)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	rc.expect(t, KindJoin)
	rc.closeWith(CloseNotMember, "Not a member")

	err := <-errC
	assert.ErrorIs(t, err, shared.ErrMembership)
	assert.True(t, shared.IsTerminal(err))
	var ce *shared.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CloseNotMember, ce.Code)
	assert.Equal(t, StateDisconnected, h.conn.State())
	h.noCloseEvent(t)
}

func TestConnectionDialFailure(t *testing.T) {
	h := newConnHarness(t, testConnectionConfig("ws://127.0.0.1:1"))
	err := h.conn.Open(context.Background(), "general", "secret")
	assert.ErrorIs(t, err, shared.ErrTransport)
	assert.Equal(t, StateDisconnected, h.conn.State())

	assert.ErrorIs(t, h.conn.Open(context.Background(), "", "secret"), shared.ErrNoChannel)
	assert.ErrorIs(t, h.conn.Open(context.Background(), "general", ""), shared.ErrNoCredential)
}

func TestConnectionCloseClassification(t *testing.T) {
	tests := []struct {
		name     string
		close    func(rc *relayConn)
		code     int
		class    error
		terminal bool
	}{
		{"abnormal drop", func(rc *relayConn) { rc.drop() }, websocket.CloseAbnormalClosure, shared.ErrTransport, false},
		{"invalid channel", func(rc *relayConn) { rc.closeWith(CloseInvalidChannel, "") }, CloseInvalidChannel, shared.ErrInvalidChannel, true},
		{"authentication", func(rc *relayConn) { rc.closeWith(CloseAuthenticationFailed, "") }, CloseAuthenticationFailed, shared.ErrAuthentication, true},
		{"server restart", func(rc *relayConn) { rc.closeWith(websocket.CloseServiceRestart, "") }, websocket.CloseServiceRestart, shared.ErrTransport, false},
		{"normal", func(rc *relayConn) { rc.closeWith(websocket.CloseNormalClosure, "bye") }, websocket.CloseNormalClosure, shared.ErrNormalClosure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := newTestRelay(t, testRoster)
			h := newConnHarness(t, testConnectionConfig(relay.URL()))
			errC := openAsync(h.conn, "general", "secret")
			rc := relay.accept(t)
			require.NoError(t, <-errC)

			tt.close(rc)
			ce := h.closeEvent(t)
			assert.Equal(t, tt.code, ce.Code)
			assert.ErrorIs(t, ce, tt.class)
			assert.Equal(t, tt.terminal, ce.Terminal())
			assert.Eventually(t, func() bool { return h.conn.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
			assert.False(t, h.conn.IsOpen())
		})
	}
}

func TestConnectionLocalClose(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	require.NoError(t, h.conn.Close("user left"))
	rc.expect(t, KindLeave)
	assert.Equal(t, StateDisconnected, h.conn.State())
	h.noCloseEvent(t)
	assert.ErrorIs(t, h.conn.Send(NewEnvelope(new(PingPayload))), shared.ErrSessionNotRunning)

	// the same connection can open again
	errC = openAsync(h.conn, "general", "secret")
	relay.accept(t)
	require.NoError(t, <-errC)
	assert.True(t, h.conn.Connected())
}

func TestConnectionHeartbeat(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	cfg := testConnectionConfig(relay.URL())
	cfg.PingInterval = 30 * time.Millisecond
	h := newConnHarness(t, cfg)

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	rc.expect(t, KindPing)
	require.NoError(t, rc.send(NewEnvelope(new(PingPayload))))
	rc.expect(t, KindPong)
}

func TestConnectionTokenRefreshEnvelope(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	require.NoError(t, rc.send(NewEnvelope(&TokenRefreshPayload{Token: "rotated"})))
	assert.Eventually(t, func() bool { return h.conn.Session().Credential == "rotated" }, time.Second, 5*time.Millisecond)
	assert.True(t, h.conn.IsOpen())
}

func TestConnectionInboundAudio(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	pcm := media.EncodePCM16LE([]int16{1, -1, 32767})
	require.NoError(t, rc.write(websocket.BinaryMessage, pcm))
	env := h.next(t, KindAudio)
	audio := env.Payload.(*AudioPayload)
	assert.Equal(t, pcm, audio.Raw)
	assert.Empty(t, audio.Data)

	require.NoError(t, rc.send(NewEnvelope(&AudioPayload{Data: "AAAB", Timestamp: 12, SenderID: "8"})))
	audio = h.next(t, KindAudio).Payload.(*AudioPayload)
	assert.Equal(t, "AAAB", audio.Data)
	assert.Equal(t, "8", audio.SenderID)
	assert.Nil(t, audio.Raw)
}

func TestConnectionSkipsUndecodableMessages(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	require.NoError(t, rc.write(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, rc.write(websocket.TextMessage, []byte(`{"type":"karaoke"}`)))
	require.NoError(t, rc.send(NewEnvelope(&ParticipantLeftPayload{UserID: "8"})))

	env := h.next(t, KindParticipantLeft)
	assert.Equal(t, "8", env.Payload.(*ParticipantLeftPayload).UserID)
	assert.True(t, h.conn.IsOpen())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.decodeErrors))
}

func TestConnectionSend(t *testing.T) {
	relay := newTestRelay(t, testRoster)
	h := newConnHarness(t, testConnectionConfig(relay.URL()))
	assert.ErrorIs(t, h.conn.TrySend(NewEnvelope(new(PingPayload))), shared.ErrSessionNotRunning)

	errC := openAsync(h.conn, "general", "secret")
	rc := relay.accept(t)
	require.NoError(t, <-errC)

	require.NoError(t, h.conn.Send(NewEnvelope(&MuteStatePayload{IsMuted: true})))
	env := rc.expect(t, KindMuteState)
	assert.True(t, env.Payload.(*MuteStatePayload).IsMuted)

	require.NoError(t, h.conn.TrySend(NewEnvelope(&AudioPayload{Data: "AAAA", Timestamp: 1})))
	rc.expect(t, KindAudio)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.envelopesSent.WithLabelValues("mute_state")))
}
