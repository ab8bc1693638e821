package voice

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testRelay is an in-process voice relay. Each accepted socket is handed to
// the test through accept.
type testRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *relayConn
	// roster, when set, is sent as participants as soon as a join arrives.
	roster []Participant
	echo   bool
}

type relayConn struct {
	ws      *websocket.Conn
	channel string
	token   string
	in      chan *Envelope
	mu      sync.Mutex
}

func newTestRelay(t *testing.T, roster []Participant) *testRelay {
	t.Helper()
	r := &testRelay{
		conns:  make(chan *relayConn, 8),
		roster: roster,
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) serve(w http.ResponseWriter, req *http.Request) {
	channel, ok := strings.CutPrefix(req.URL.Path, "/ws/voice/")
	if !ok {
		http.NotFound(w, req)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	rc := &relayConn{
		ws:      ws,
		channel: channel,
		token:   req.URL.Query().Get("token"),
		in:      make(chan *Envelope, 256),
	}
	r.conns <- rc
	go func() {
		defer close(rc.in)
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			env := new(Envelope)
			if err := env.UnmarshalJSON(data); err != nil {
				continue
			}
			if env.Kind == KindJoin && r.roster != nil {
				_ = rc.send(NewEnvelope(&ParticipantsPayload{Participants: r.roster, IsEchoMode: r.echo}))
			}
			rc.in <- env
		}
	}()
}

func (r *testRelay) accept(t *testing.T) *relayConn {
	t.Helper()
	select {
	case rc := <-r.conns:
		t.Cleanup(func() { _ = rc.ws.Close() })
		return rc
	case <-time.After(2 * time.Second):
		t.Fatal("no connection reached the relay")
	}
	return nil
}

func (rc *relayConn) send(env *Envelope) error {
	data, err := env.MarshalJSON()
	if err != nil {
		return err
	}
	return rc.write(websocket.TextMessage, data)
}

func (rc *relayConn) write(mt int, data []byte) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.ws.WriteMessage(mt, data)
}

// closeWith sends a close frame with code and drops the socket.
func (rc *relayConn) closeWith(code int, reason string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_ = rc.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	time.Sleep(20 * time.Millisecond)
	_ = rc.ws.Close()
}

// drop closes the socket without a close frame.
func (rc *relayConn) drop() {
	_ = rc.ws.UnderlyingConn().Close()
}

// expect reads envelopes until one of kind arrives.
func (rc *relayConn) expect(t *testing.T, kind EnvelopeKind) *Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-rc.in:
			if !ok {
				t.Fatalf("relay connection closed while waiting for %s", kind)
			}
			if env.Kind == kind {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope reached the relay", kind)
		}
	}
}

func testConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		ServerURL:        url,
		HandshakeTimeout: time.Second,
		PingInterval:     time.Hour,
		WriteTimeout:     time.Second,
		CloseTimeout:     500 * time.Millisecond,
		SendQueueSize:    16,
	}
}

func testConfig(t *testing.T, relay *testRelay) *shared.Config {
	t.Helper()
	cfg := shared.DefaultConfig()
	cfg.ServerURL = relay.URL()
	cfg.APIURL = relay.srv.URL
	cfg.ChannelID = "general"
	cfg.UserID = "7"
	cfg.Token = "initial"
	cfg.Session.HandshakeTimeout = shared.Duration(time.Second)
	cfg.Session.ReconnectDelay = shared.Duration(50 * time.Millisecond)
	cfg.Session.HealthCheckInterval = shared.Duration(time.Hour)
	cfg.Session.CloseTimeout = shared.Duration(500 * time.Millisecond)
	require.NoError(t, cfg.Validate())
	return cfg
}

var testRoster = []Participant{
	{ID: "7", Username: "alice"},
	{ID: "8", Username: "bob", IsMuted: true},
}
