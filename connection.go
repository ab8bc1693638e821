package voice

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type EnvelopeHandler func(env *Envelope)

// CloseHandler receives every loss of an established transport that the
// caller did not request.
type CloseHandler func(err *shared.CloseError)

type ConnectionConfig struct {
	ServerURL        string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration
	SendQueueSize    int
	ReadLimit        int64
}

func ConnectionConfigFrom(cfg *shared.Config) ConnectionConfig {
	return ConnectionConfig{
		ServerURL:        cfg.ServerURL,
		HandshakeTimeout: cfg.Session.HandshakeTimeout.Std(),
		PingInterval:     cfg.Session.PingInterval.Std(),
		WriteTimeout:     cfg.Session.WriteTimeout.Std(),
		CloseTimeout:     cfg.Session.CloseTimeout.Std(),
		SendQueueSize:    cfg.Session.SendQueueSize,
	}
}

func (c *ConnectionConfig) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

var errLocalClose = errors.New("closed locally")

// Connection owns the session transport. At most one transport exists at a
// time and every outbound frame is written by that transport's writer goroutine.
type Connection struct {
	logger  shared.LoggerAdapter
	cfg     ConnectionConfig
	baseUrl *url.URL
	dialer  *websocket.Dialer
	creds   *CredentialStore
	metrics *Metrics

	onEnvelope EnvelopeHandler
	onClosed   CloseHandler
	onState    StateChangeHandler

	mu        sync.Mutex
	machine   *sessionMachine
	channelID string
	tr        *transport

	state        atomic.Int32
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewConnection(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg ConnectionConfig,
	creds *CredentialStore,
	metrics *Metrics,
) (*Connection, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if creds == nil {
		return nil, shared.ErrNoCredential
	}
	cfg.setDefaults()
	baseUrl, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	switch baseUrl.Scheme {
	case "ws", "wss":
	case "http":
		baseUrl.Scheme = "ws"
	case "https":
		baseUrl.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server URL scheme %q", baseUrl.Scheme)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c := &Connection{
		logger:  logger.With(zap.String("component", "connection")),
		cfg:     cfg,
		baseUrl: baseUrl,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		creds:   creds,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.machine = newSessionMachine(c.stateChanged)
	return c, nil
}

// RegisterEnvelopeHandler sets the receiver for every inbound envelope the
// connection does not consume itself. It runs on the read goroutine, in order.
func (c *Connection) RegisterEnvelopeHandler(h EnvelopeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		return shared.ErrSessionAlreadyRunning
	}
	if h == nil {
		return shared.ErrNoHandler
	}
	c.onEnvelope = h
	return nil
}

func (c *Connection) RegisterCloseHandler(h CloseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		return shared.ErrSessionAlreadyRunning
	}
	if h == nil {
		return shared.ErrNoHandler
	}
	c.onClosed = h
	return nil
}

// RegisterStateHandler observes state changes. It is called with the
// connection locked and must not call back into the connection.
func (c *Connection) RegisterStateHandler(h StateChangeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		return shared.ErrSessionAlreadyRunning
	}
	c.onState = h
	return nil
}

func (c *Connection) stateChanged(from, to SessionState) {
	c.state.Store(int32(to))
	c.metrics.setState(to)
	c.logger.Debug("session state changed",
		zap.String("prev", from.String()),
		zap.String("new", to.String()),
	)
	if c.onState != nil {
		c.onState(from, to)
	}
}

func (c *Connection) State() SessionState {
	return SessionState(c.state.Load())
}

// Connected reports whether the handshake completed on the live transport.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// IsOpen reports whether a transport exists and has been acknowledged.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr != nil && c.machine.Current() == StateConnected
}

func (c *Connection) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Session{
		State:      c.machine.Current(),
		ChannelID:  c.channelID,
		Credential: c.creds.Get(),
	}
	if ns := c.lastActivity.Load(); ns > 0 {
		s.LastActivityAt = time.Unix(0, ns)
	}
	return s
}

func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	default:
	}
	return nil
}

func (c *Connection) endpoint(channelID, credential string) string {
	u := c.baseUrl.JoinPath("ws", "voice", channelID)
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String()
}

// Open dials the relay, sends join and waits for the acknowledgment. Failures
// during the handshake are returned here and never reach the close handler.
func (c *Connection) Open(ctx context.Context, channelID, credential string) error {
	if channelID == "" {
		return shared.ErrNoChannel
	}
	if credential == "" {
		return shared.ErrNoCredential
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting connection context: %w", err)
	}
	c.mu.Lock()
	if err := c.machine.fire(eventOpen); err != nil {
		c.mu.Unlock()
		return err
	}
	c.channelID = channelID
	c.creds.Replace(credential)
	c.mu.Unlock()

	attempt := uuid.NewString()
	logger := c.logger.With(zap.String("attempt", attempt), zap.String("channel", channelID))
	logger.Info("opening voice session")

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(hctx, c.endpoint(channelID, credential), nil)
	if err != nil {
		c.mu.Lock()
		_ = c.machine.fire(eventDrop)
		c.mu.Unlock()
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: dialing: %w", shared.ErrConnectTimeout, err)
		} else {
			err = fmt.Errorf("%w: dialing: %w", shared.ErrTransport, err)
		}
		c.metrics.connectResult("dial_error")
		logger.Error("dialing relay", err)
		return err
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	tr := newTransport(c, ws, attempt, logger)
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	tr.start()
	go c.watch(tr)

	if err := tr.enqueue(outboundOf(KindJoin, mustMarshal(NewEnvelope(new(JoinPayload)))), false, 0); err != nil {
		tr.shutdown(err)
	}

	select {
	case <-tr.acked:
		c.metrics.connectResult("ok")
		return nil
	case <-tr.finalized:
		select {
		case <-tr.acked:
			return nil
		default:
		}
		c.metrics.connectResult("closed")
		return tr.err
	case <-hctx.Done():
		select {
		case <-tr.acked:
			c.metrics.connectResult("ok")
			return nil
		default:
		}
		var cause error = shared.ErrConnectTimeout
		if !errors.Is(hctx.Err(), context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %w", shared.ErrTransport, hctx.Err())
		}
		tr.shutdown(cause)
		<-tr.finalized
		c.metrics.connectResult("timeout")
		logger.Warn("handshake not acknowledged", zap.Duration("timeout", c.cfg.HandshakeTimeout))
		return cause
	}
}

// acknowledge moves the session to connected the first time the relay
// confirms the join.
func (c *Connection) acknowledge(tr *transport) {
	c.mu.Lock()
	if c.tr == tr && c.machine.Current() == StateConnecting {
		if err := c.machine.fire(eventAck); err != nil {
			c.logger.Error("acknowledging session", err)
		} else {
			tr.established.Store(true)
		}
	}
	c.mu.Unlock()
	tr.ackOnce.Do(func() { close(tr.acked) })
}

// watch finalizes one transport once all of its goroutines have returned.
func (c *Connection) watch(tr *transport) {
	err := tr.group.Wait()
	ce := tr.classify(err)
	tr.err = ce

	c.mu.Lock()
	current := c.tr == tr
	if current {
		c.tr = nil
		if err := c.machine.fire(eventDrop); err != nil {
			c.logger.Error("dropping session", err)
		}
	}
	onClosed := c.onClosed
	c.mu.Unlock()

	c.metrics.closed(closeClass(ce))
	tr.logger.Info("voice session transport closed",
		zap.Int("code", ce.Code),
		zap.String("reason", ce.Reason),
		zap.Bool("terminal", ce.Terminal()),
	)
	close(tr.finalized)
	if current && tr.established.Load() && !tr.closing.Load() && onClosed != nil {
		onClosed(ce)
	}
}

func closeClass(ce *shared.CloseError) string {
	switch {
	case errors.Is(ce, shared.ErrAuthentication):
		return "authentication"
	case errors.Is(ce, shared.ErrMembership):
		return "membership"
	case errors.Is(ce, shared.ErrInvalidChannel):
		return "invalid_channel"
	case errors.Is(ce, shared.ErrNormalClosure):
		return "normal"
	case errors.Is(ce, shared.ErrConnectTimeout):
		return "timeout"
	}
	return "transport"
}

// Send queues env, waiting up to the write timeout for queue space.
func (c *Connection) Send(env *Envelope) error {
	return c.send(env, true)
}

// TrySend queues env or fails immediately. It never blocks.
func (c *Connection) TrySend(env *Envelope) error {
	return c.send(env, false)
}

func (c *Connection) send(env *Envelope, block bool) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return shared.ErrSessionNotRunning
	}
	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", env.Kind, err)
	}
	return tr.enqueue(outboundOf(env.Kind, data), block, c.cfg.WriteTimeout)
}

// Close sends leave and a normal close frame, then waits a bounded time for
// the transport to finish. It does not invoke the close handler.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return nil
	}
	tr.closing.Store(true)
	if data, err := NewEnvelope(new(LeavePayload)).MarshalJSON(); err == nil {
		_ = tr.enqueue(outboundOf(KindLeave, data), false, 0)
	}
	_ = tr.enqueue(outbound{
		close: true,
		data:  websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
	}, true, c.cfg.CloseTimeout)

	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-tr.finalized:
	case <-timer.C:
		tr.shutdown(errLocalClose)
		<-tr.finalized
	}
	return nil
}

// Shutdown closes the transport and ends the connection for good.
func (c *Connection) Shutdown(reason string) error {
	err := c.Close(reason)
	c.cancel(errors.New("connection shut down"))
	return err
}

func (c *Connection) handleInbound(tr *transport, env *Envelope) {
	c.metrics.received(env.Kind)
	switch p := env.Payload.(type) {
	case *PingPayload:
		if err := tr.enqueue(outboundOf(KindPong, mustMarshal(NewEnvelope(new(PongPayload)))), false, 0); err != nil {
			tr.logger.Warn("answering ping", zap.Error(err))
		}
		return
	case *PongPayload:
		return
	case *TokenRefreshPayload:
		c.creds.Replace(p.Token)
		tr.logger.Info("credential replaced by relay")
		return
	case *ParticipantsPayload:
		c.acknowledge(tr)
	case *ConnectionStatusPayload:
		if p.Connected() {
			c.acknowledge(tr)
		}
	}
	c.mu.Lock()
	h := c.onEnvelope
	c.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func mustMarshal(env *Envelope) []byte {
	data, err := env.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return data
}
