package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type outbound struct {
	kind  EnvelopeKind
	data  []byte
	close bool
}

func outboundOf(kind EnvelopeKind, data []byte) outbound {
	return outbound{kind: kind, data: data}
}

// transport is one connection attempt: a websocket plus the goroutines that
// serve it. It is never reused after it finishes.
type transport struct {
	conn   *Connection
	ws     *websocket.Conn
	id     string
	logger shared.LoggerAdapter

	send chan outbound

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	acked       chan struct{}
	ackOnce     sync.Once
	established atomic.Bool
	closing     atomic.Bool

	finalized chan struct{}
	err       *shared.CloseError
}

func newTransport(c *Connection, ws *websocket.Conn, id string, logger shared.LoggerAdapter) *transport {
	base, cancel := context.WithCancelCause(c.ctx)
	group, ctx := errgroup.WithContext(base)
	return &transport{
		conn:      c,
		ws:        ws,
		id:        id,
		logger:    logger,
		send:      make(chan outbound, c.cfg.SendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		acked:     make(chan struct{}),
		finalized: make(chan struct{}),
	}
}

func (t *transport) start() {
	t.group.Go(t.readLoop)
	t.group.Go(t.writeLoop)
	t.group.Go(t.heartbeatLoop)
	t.group.Go(func() error {
		<-t.ctx.Done()
		// unblocks the reader; the writer has already stopped on ctx
		return t.ws.Close()
	})
}

// shutdown tears the transport down with cause.
func (t *transport) shutdown(cause error) {
	t.cancel(cause)
}

// enqueue hands msg to the writer. With block set it waits up to wait for room.
func (t *transport) enqueue(msg outbound, block bool, wait time.Duration) error {
	select {
	case <-t.ctx.Done():
		return shared.ErrSessionNotRunning
	default:
	}
	if !block {
		select {
		case t.send <- msg:
			return nil
		default:
			return shared.ErrSendQueueFull
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case t.send <- msg:
		return nil
	case <-t.ctx.Done():
		return shared.ErrSessionNotRunning
	case <-timer.C:
		return shared.ErrSendQueueFull
	}
}

func (t *transport) readLoop() error {
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			return err
		}
		t.conn.touch()
		var env *Envelope
		switch mt {
		case websocket.BinaryMessage:
			// legacy path: raw PCM without an envelope
			env = NewEnvelope(&AudioPayload{Raw: data, Timestamp: time.Now().UnixMilli()})
		case websocket.TextMessage:
			env = new(Envelope)
			if err := env.UnmarshalJSON(data); err != nil {
				t.conn.metrics.decodeError()
				t.logger.Error("can not decode envelope", err, zap.ByteString("data", truncate(data, 256)))
				continue
			}
		default:
			continue
		}
		t.conn.handleInbound(t, env)
	}
}

// writeLoop is the only goroutine that writes data frames.
func (t *transport) writeLoop() error {
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case msg := <-t.send:
			deadline := time.Now().Add(t.conn.cfg.WriteTimeout)
			if msg.close {
				if err := t.ws.WriteControl(websocket.CloseMessage, msg.data, deadline); err != nil {
					return err
				}
				continue
			}
			if err := t.ws.SetWriteDeadline(deadline); err != nil {
				return err
			}
			if err := t.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return err
			}
			t.conn.metrics.sent(msg.kind)
		}
	}
}

// heartbeatLoop pings the relay once the session is acknowledged.
func (t *transport) heartbeatLoop() error {
	select {
	case <-t.ctx.Done():
		return nil
	case <-t.acked:
	}
	ticker := time.NewTicker(t.conn.cfg.PingInterval)
	defer ticker.Stop()
	ping := mustMarshal(NewEnvelope(new(PingPayload)))
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.enqueue(outboundOf(KindPing, ping), false, 0); err != nil {
				t.logger.Warn("queueing ping", zap.Error(err))
			}
		}
	}
}

// classify turns the first goroutine error, or the shutdown cause, into a CloseError.
func (t *transport) classify(err error) *shared.CloseError {
	cause := context.Cause(t.ctx)
	switch {
	case errors.Is(cause, shared.ErrConnectTimeout):
		return &shared.CloseError{Code: websocket.CloseAbnormalClosure, Reason: "handshake timeout", Class: shared.ErrConnectTimeout}
	case t.closing.Load():
		return &shared.CloseError{Code: websocket.CloseNormalClosure, Reason: "closed locally", Class: shared.ErrNormalClosure}
	case err == nil && cause != nil && !errors.Is(cause, context.Canceled):
		return classifyTransportError(cause)
	}
	return classifyTransportError(err)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
