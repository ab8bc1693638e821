package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"go.uber.org/zap"
)

// ReconnectFunc performs one full open sequence, credential refresh included.
type ReconnectFunc func(ctx context.Context) error

type SupervisorConfig struct {
	Delay     time.Duration
	IsOpen    func() bool
	Reconnect ReconnectFunc
	// OnGiveUp, when set, receives the terminal error that ended recovery.
	// It runs on the supervisor goroutine and must not call Stop.
	OnGiveUp func(err error)
	Metrics  *Metrics
}

// ReconnectionSupervisor turns non-terminal failures into delayed reopen
// attempts. At most one attempt is pending at any time.
type ReconnectionSupervisor struct {
	logger    shared.LoggerAdapter
	delay     time.Duration
	isOpen    func() bool
	reconnect ReconnectFunc
	onGiveUp  func(err error)
	metrics   *Metrics

	pending atomic.Bool
	trigger chan error

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewReconnectionSupervisor(logger shared.LoggerAdapter, cfg SupervisorConfig) (*ReconnectionSupervisor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.IsOpen == nil || cfg.Reconnect == nil {
		return nil, shared.ErrNoHandler
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ReconnectionSupervisor{
		logger:    logger.With(zap.String("component", "reconnect")),
		delay:     cfg.Delay,
		isOpen:    cfg.IsOpen,
		reconnect: cfg.Reconnect,
		onGiveUp:  cfg.OnGiveUp,
		metrics:   cfg.Metrics,
		trigger:   make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// OnFailure schedules a reopen for non-terminal failures. It reports whether
// a new attempt was scheduled.
func (s *ReconnectionSupervisor) OnFailure(cause error) bool {
	if shared.IsTerminal(cause) {
		s.logger.Info("terminal failure, not reconnecting", zap.Error(cause))
		return false
	}
	select {
	case <-s.stop:
		return false
	default:
	}
	if !s.pending.CompareAndSwap(false, true) {
		s.logger.Debug("reconnect already pending", zap.Error(cause))
		return false
	}
	s.trigger <- cause
	s.metrics.reconnect("scheduled")
	s.logger.Info("reconnect scheduled", zap.Duration("delay", s.delay), zap.Error(cause))
	return true
}

func (s *ReconnectionSupervisor) Pending() bool {
	return s.pending.Load()
}

// Stop cancels any pending attempt and waits for an in-flight one to return.
func (s *ReconnectionSupervisor) Stop() {
	s.halt()
	<-s.done
}

func (s *ReconnectionSupervisor) halt() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
}

func (s *ReconnectionSupervisor) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.trigger:
		}
		timer := time.NewTimer(s.delay)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.pending.Store(false)
		if s.isOpen() {
			s.metrics.reconnect("discarded")
			s.logger.Info("transport already open, discarding reconnect")
			continue
		}
		s.metrics.reconnect("attempted")
		err := s.reconnect(s.ctx)
		switch {
		case err == nil:
			s.metrics.reconnect("succeeded")
			s.logger.Info("reconnected")
		case errors.Is(err, shared.ErrSessionAlreadyRunning):
			// another path is already opening the session
			s.metrics.reconnect("discarded")
		case s.ctx.Err() != nil:
			return
		case shared.IsTerminal(err):
			s.metrics.reconnect("abandoned")
			s.logger.Error("reconnect failed, giving up", err)
			s.halt()
			if s.onGiveUp != nil {
				s.onGiveUp(err)
			}
			return
		default:
			s.metrics.reconnect("failed")
			s.logger.Error("reconnect failed", err)
			s.OnFailure(err)
		}
	}
}
