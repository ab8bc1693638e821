package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-client/media"
	"github.com/bt-bridge/voice-client/shared"
	"go.uber.org/zap"
)

type StatusLevel int

const (
	StatusInfo StatusLevel = iota
	StatusWarning
	StatusError
)

func (l StatusLevel) String() string {
	switch l {
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	}
	return "info"
}

// Status is a user visible message about the session.
type Status struct {
	Level   StatusLevel
	Message string
	Err     error
	At      time.Time
}

// ClientOptions carries the collaborators of a Client. Nil devices disable the
// matching feature: no microphone means listen only, no speaker means no playback.
type ClientOptions struct {
	Refresher  CredentialRefresher
	Microphone media.SourceAcquirer
	Camera     media.TrackAcquirer
	Screen     media.TrackAcquirer
	Speaker    media.Sink
	Metrics    *Metrics
}

// Client drives one voice channel session at a time.
type Client struct {
	logger    shared.LoggerAdapter
	cfg       *shared.Config
	creds     *CredentialStore
	refresher CredentialRefresher
	conn      *Connection
	presence  *PresenceRegistry
	capture   *media.CapturePipeline
	playback  *media.PlaybackEngine
	tracks    *media.TrackController
	metrics   *Metrics
	status    chan Status

	muted    atomic.Bool
	deafened atomic.Bool

	mu         sync.Mutex
	running    bool
	channelID  string
	supervisor *ReconnectionSupervisor
	stopHealth context.CancelFunc
	healthDone chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, cfg *shared.Config, opts ClientOptions) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer func() {
		if err != nil {
			cancel(err)
		}
	}()
	c = &Client{
		logger:    logger.With(zap.String("user", cfg.UserID)),
		cfg:       cfg,
		creds:     NewCredentialStore(cfg.Token),
		refresher: opts.Refresher,
		presence:  NewPresenceRegistry(),
		metrics:   opts.Metrics,
		status:    make(chan Status, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	if c.refresher == nil {
		c.refresher, err = NewHTTPRefresher(logger, cfg.APIURL, cfg.Session.RefreshTimeout.Std())
		if err != nil {
			return nil, fmt.Errorf("creating credential refresher: %w", err)
		}
	}

	c.conn, err = NewConnection(ctx, logger, ConnectionConfigFrom(cfg), c.creds, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}
	if err := c.conn.RegisterEnvelopeHandler(c.onEnvelope); err != nil {
		return nil, fmt.Errorf("registering envelope handler: %w", err)
	}
	if err := c.conn.RegisterCloseHandler(c.onClosed); err != nil {
		return nil, fmt.Errorf("registering close handler: %w", err)
	}

	if opts.Microphone != nil {
		captureCfg := media.CaptureConfig{
			Constraints: media.CaptureConstraints{
				SampleRate:       cfg.Audio.SampleRate,
				ChannelCount:     cfg.Audio.ChannelCount,
				EchoCancellation: cfg.Audio.EchoCancellation,
				NoiseSuppression: cfg.Audio.NoiseSuppression,
				AutoGainControl:  cfg.Audio.AutoGainControl,
			},
			FrameSamples: cfg.Audio.FrameSamples,
		}
		if c.metrics != nil {
			captureCfg.Metrics = c.metrics.CaptureMetrics()
		}
		c.capture, err = media.NewCapturePipeline(logger, opts.Microphone, c.conn, audioTransmitter{c.conn}, captureCfg)
		if err != nil {
			return nil, fmt.Errorf("creating capture pipeline: %w", err)
		}
	}
	if opts.Speaker != nil {
		playbackCfg := media.PlaybackConfig{
			SampleRate:   cfg.Audio.SampleRate,
			ChannelCount: cfg.Audio.ChannelCount,
			Volume:       cfg.Audio.Volume,
		}
		if c.metrics != nil {
			playbackCfg.Metrics = c.metrics.PlaybackMetrics()
		}
		c.playback, err = media.NewPlaybackEngine(logger, opts.Speaker, playbackCfg)
		if err != nil {
			return nil, fmt.Errorf("creating playback engine: %w", err)
		}
	}
	c.tracks, err = media.NewTrackController(logger, opts.Camera, opts.Screen, trackNotifier{conn: c.conn, userID: cfg.UserID})
	if err != nil {
		return nil, fmt.Errorf("creating track controller: %w", err)
	}
	return c, nil
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	default:
	}
	return nil
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Status delivers user visible messages. Messages are dropped while nobody reads.
func (c *Client) Status() <-chan Status {
	return c.status
}

func (c *Client) Session() Session {
	return c.conn.Session()
}

func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) Participants() []Participant {
	return c.presence.Get()
}

func (c *Client) IsEchoMode() bool {
	return c.presence.IsEchoMode()
}

// OnPresenceChange installs h as the roster observer.
func (c *Client) OnPresenceChange(h PresenceHandler) {
	c.presence.OnChange(h)
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Open refreshes the credential, joins channelID and starts capture. An empty
// channelID falls back to the configured one.
func (c *Client) Open(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if channelID == "" {
		channelID = c.cfg.ChannelID
	}
	if channelID == "" {
		return shared.ErrNoChannel
	}
	c.emit(StatusInfo, "Connecting to voice channel...", nil)
	if err := c.connect(ctx, channelID); err != nil {
		c.emit(StatusError, describe(err), err)
		return err
	}

	sup, err := NewReconnectionSupervisor(c.logger, SupervisorConfig{
		Delay:     c.cfg.Session.ReconnectDelay.Std(),
		IsOpen:    c.conn.IsOpen,
		Reconnect: c.reconnect,
		OnGiveUp:  func(err error) { c.terminate(err, false) },
		Metrics:   c.metrics,
	})
	if err != nil {
		_ = c.conn.Close("client error")
		return fmt.Errorf("creating reconnection supervisor: %w", err)
	}
	c.running = true
	c.channelID = channelID
	c.supervisor = sup
	c.startHealth(sup)
	c.announceState()
	c.startCapture()
	c.emit(StatusInfo, "Connected to voice channel.", nil)
	return nil
}

// connect performs one attempt: credential refresh, then the transport handshake.
func (c *Client) connect(ctx context.Context, channelID string) error {
	token, err := c.refresher.Refresh(ctx, c.creds.Get())
	if err != nil {
		return err
	}
	c.creds.Replace(token)
	return c.conn.Open(ctx, channelID, token)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	running, channelID := c.running, c.channelID
	c.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %w", shared.ErrNormalClosure, shared.ErrSessionNotRunning)
	}
	c.emit(StatusInfo, "Reconnecting...", nil)
	if err := c.connect(ctx, channelID); err != nil {
		return err
	}
	c.restoreState()
	c.emit(StatusInfo, "Reconnected.", nil)
	return nil
}

// restoreState tells a fresh transport about local state the relay forgot.
func (c *Client) restoreState() {
	c.announceState()
	c.startCapture()
}

// announceState sends mute and deafen flags that differ from the relay's defaults.
func (c *Client) announceState() {
	if c.muted.Load() {
		if err := c.sendState(&MuteStatePayload{IsMuted: true}); err != nil {
			c.logger.Warn("restoring mute state", zap.Error(err))
		}
	}
	if c.deafened.Load() {
		if err := c.sendState(&DeafenStatePayload{IsDeafened: true}); err != nil {
			c.logger.Warn("restoring deafen state", zap.Error(err))
		}
	}
}

func (c *Client) startCapture() {
	if c.capture == nil {
		return
	}
	if err := c.capture.Start(c.ctx); err != nil {
		c.logger.Warn("starting capture", zap.Error(err))
		c.emit(StatusWarning, "Microphone unavailable. You can still listen.", err)
	}
}

func (c *Client) startHealth(sup *ReconnectionSupervisor) {
	interval := c.cfg.Session.HealthCheckInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.stopHealth, c.healthDone = cancel, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.conn.IsOpen() && sup.OnFailure(shared.ErrTransport) {
					c.logger.Warn("health check found no open transport")
				}
			}
		}
	}()
}

// detach marks the session ended and hands back what must be stopped outside the lock.
func (c *Client) detach() (sup *ReconnectionSupervisor, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, false
	}
	c.running = false
	sup = c.supervisor
	c.supervisor = nil
	if c.stopHealth != nil {
		c.stopHealth()
		<-c.healthDone
		c.stopHealth, c.healthDone = nil, nil
	}
	return sup, true
}

func (c *Client) releaseMedia() {
	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			c.logger.Error("stopping capture", err)
		}
	}
	c.tracks.StopAll()
	c.presence.Reset()
}

// Close leaves the channel and returns once every device is released, so a
// following Open is safe.
func (c *Client) Close() error {
	sup, ok := c.detach()
	if !ok {
		return nil
	}
	if sup != nil {
		sup.Stop()
	}
	err := c.conn.Close("client closed")
	c.releaseMedia()
	c.emit(StatusInfo, "Disconnected.", nil)
	return err
}

// Shutdown closes the session and ends the client for good.
func (c *Client) Shutdown() error {
	err := c.Close()
	if serr := c.conn.Shutdown("client shut down"); serr != nil {
		err = errors.Join(err, serr)
	}
	if c.playback != nil {
		if perr := c.playback.Close(); perr != nil {
			err = errors.Join(err, fmt.Errorf("closing playback: %w", perr))
		}
	}
	c.cancel(errors.New("client shut down"))
	return err
}

// terminate ends the session after a failure that must not be retried.
func (c *Client) terminate(cause error, stopSupervisor bool) {
	sup, ok := c.detach()
	if !ok {
		return
	}
	if sup != nil && stopSupervisor {
		sup.Stop()
	}
	c.releaseMedia()
	c.logger.Warn("voice session ended", zap.Error(cause))
	c.emit(StatusError, describe(cause), cause)
}

func (c *Client) onClosed(ce *shared.CloseError) {
	c.mu.Lock()
	running, sup := c.running, c.supervisor
	c.mu.Unlock()
	if !running {
		return
	}
	if ce.Terminal() {
		c.terminate(ce, true)
		return
	}
	c.emit(StatusWarning, describe(ce), ce)
	sup.OnFailure(ce)
}

func (c *Client) onEnvelope(env *Envelope) {
	switch p := env.Payload.(type) {
	case *ParticipantsPayload:
		c.presence.ReplaceAll(p.Participants, p.IsEchoMode)
	case *ParticipantJoinedPayload:
		c.presence.AddOne(p.Participant, p.IsEchoMode)
	case *ParticipantLeftPayload:
		c.presence.RemoveOne(p.UserID, p.IsEchoMode)
	case *AudioPayload:
		c.play(p)
	case *EchoPayload:
		if p.Original == nil {
			return
		}
		if audio, ok := p.Original.Payload.(*AudioPayload); ok {
			c.play(audio)
		}
	case *ConnectionStatusPayload:
		if p.Message != "" && !p.Connected() {
			c.emit(StatusInfo, p.Message, nil)
		}
	default:
		c.logger.Debug("state update from relay", zap.String("kind", string(env.Kind)), zap.Any("payload", p.Json()))
	}
}

func (c *Client) play(p *AudioPayload) {
	if c.playback == nil {
		return
	}
	err := c.playback.OnFrame(p.Data, p.Raw)
	switch {
	case err == nil, errors.Is(err, media.ErrDeafened):
	case errors.Is(err, shared.ErrProtocolDecode):
		c.logger.Debug("dropping malformed audio", zap.String("sender", p.SenderID), zap.Error(err))
	default:
		c.logger.Warn("playing audio", zap.Error(err))
	}
}

// SetMuted gates outbound audio and tells the relay. The microphone stays open.
func (c *Client) SetMuted(muted bool) error {
	c.muted.Store(muted)
	if c.capture != nil {
		c.capture.SetMuted(muted)
	}
	return c.sendState(&MuteStatePayload{IsMuted: muted})
}

func (c *Client) Muted() bool {
	return c.muted.Load()
}

// SetDeafened silences playback and tells the relay. Audio is still received.
func (c *Client) SetDeafened(deafened bool) error {
	c.deafened.Store(deafened)
	if c.playback != nil {
		c.playback.SetDeafened(deafened)
	}
	return c.sendState(&DeafenStatePayload{IsDeafened: deafened})
}

func (c *Client) Deafened() bool {
	return c.deafened.Load()
}

// SetVolume sets local playback volume in percent, clamped to [0, 100].
func (c *Client) SetVolume(v int) {
	if c.playback != nil {
		c.playback.SetVolume(v)
	}
}

func (c *Client) Volume() int {
	if c.playback == nil {
		return 0
	}
	return c.playback.Volume()
}

// sendState is a no-op while no session is connected; the state is restored on reconnect.
func (c *Client) sendState(p Payload) error {
	if !c.conn.Connected() {
		return nil
	}
	if err := c.conn.Send(NewEnvelope(p)); err != nil {
		return fmt.Errorf("sending %s: %w", p.Kind(), err)
	}
	return nil
}

func (c *Client) StartVideo(ctx context.Context) error {
	if !c.Running() {
		return shared.ErrSessionNotRunning
	}
	return c.tracks.StartVideo(ctx)
}

func (c *Client) StopVideo() error {
	return c.tracks.StopVideo()
}

func (c *Client) StartScreenShare(ctx context.Context) error {
	if !c.Running() {
		return shared.ErrSessionNotRunning
	}
	return c.tracks.StartScreenShare(ctx)
}

func (c *Client) StopScreenShare() error {
	return c.tracks.StopScreenShare()
}

func (c *Client) VideoEnabled() bool {
	return c.tracks.VideoEnabled()
}

func (c *Client) ScreenSharing() bool {
	return c.tracks.ScreenSharing()
}

func (c *Client) emit(level StatusLevel, msg string, err error) {
	select {
	case c.status <- Status{Level: level, Message: msg, Err: err, At: time.Now()}:
	default:
		c.logger.Debug("status dropped", zap.String("message", msg))
	}
}

func describe(err error) string {
	if msg := shared.UserMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}

type audioTransmitter struct {
	conn *Connection
}

func (t audioTransmitter) TransmitAudio(frame *media.AudioFrame, encoded string) error {
	return t.conn.TrySend(NewEnvelope(&AudioPayload{
		Data:      encoded,
		Timestamp: frame.Timestamp().UnixMilli(),
	}))
}

// trackNotifier announces a track change with an event followed by the state.
type trackNotifier struct {
	conn   *Connection
	userID string
}

func (n trackNotifier) TrackStarted(kind media.TrackKind) error {
	return n.notify(kind, true)
}

func (n trackNotifier) TrackStopped(kind media.TrackKind) error {
	return n.notify(kind, false)
}

func (n trackNotifier) notify(kind media.TrackKind, enabled bool) error {
	var (
		event EnvelopeKind
		state *TrackStatePayload
	)
	switch kind {
	case media.TrackVideo:
		event, state = KindVideoStop, NewVideoState(enabled)
		if enabled {
			event = KindVideoStart
		}
	case media.TrackScreen:
		event, state = KindScreenShareStop, NewScreenShareState(enabled)
		if enabled {
			event = KindScreenShareStart
		}
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}
	if err := n.conn.Send(NewEnvelope(NewTrackEvent(event, n.userID))); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	if err := n.conn.Send(NewEnvelope(state)); err != nil {
		return fmt.Errorf("sending %s: %w", state.Kind(), err)
	}
	return nil
}
