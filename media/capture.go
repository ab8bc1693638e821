package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-client/shared"
	"go.uber.org/zap"
)

// CaptureConstraints are requested from the input device when capture starts.
type CaptureConstraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	// Latency is the extra buffering the device may add. Zero asks for none.
	Latency time.Duration
}

func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       DefaultSampleRate,
		ChannelCount:     DefaultChannelCount,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Source yields mono float samples in [-1, 1] in chunks of any length.
// Read returns io.EOF once the source is closed.
type Source interface {
	Read(ctx context.Context) ([]float32, error)
	Close() error
}

// SourceAcquirer opens an exclusive input device.
type SourceAcquirer interface {
	Acquire(ctx context.Context, c CaptureConstraints) (Source, error)
}

// Gate reports whether the session currently accepts outbound audio.
type Gate interface {
	Connected() bool
}

// Transmitter hands an encoded frame to the transport. It must not block.
type Transmitter interface {
	TransmitAudio(frame *AudioFrame, encoded string) error
}

// GainStage scales a window in place.
type GainStage func(window []float32)

// UnityGain leaves samples untouched.
func UnityGain([]float32) {}

type CaptureConfig struct {
	Constraints  CaptureConstraints
	FrameSamples int
	Gain         GainStage
	Metrics      CaptureMetrics
}

// CapturePipeline pulls microphone audio, windows it and transmits gated frames.
type CapturePipeline struct {
	logger   shared.LoggerAdapter
	acquirer SourceAcquirer
	gate     Gate
	tx       Transmitter
	cfg      CaptureConfig

	muted atomic.Bool

	mu      sync.Mutex
	source  Source
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCapturePipeline(
	logger shared.LoggerAdapter,
	acquirer SourceAcquirer,
	gate Gate,
	tx Transmitter,
	cfg CaptureConfig,
) (*CapturePipeline, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if acquirer == nil || gate == nil || tx == nil {
		return nil, shared.ErrNoHandler
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = DefaultFrameSamples
	}
	if cfg.Constraints.SampleRate <= 0 {
		cfg.Constraints.SampleRate = DefaultSampleRate
	}
	if cfg.Constraints.ChannelCount <= 0 {
		cfg.Constraints.ChannelCount = DefaultChannelCount
	}
	if cfg.Gain == nil {
		cfg.Gain = UnityGain
	}
	return &CapturePipeline{
		logger:   logger.With(zap.String("component", "capture")),
		acquirer: acquirer,
		gate:     gate,
		tx:       tx,
		cfg:      cfg,
	}, nil
}

// SetMuted gates transmission only. The device stays open.
func (p *CapturePipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

func (p *CapturePipeline) Muted() bool {
	return p.muted.Load()
}

func (p *CapturePipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start acquires the input device and begins processing. A second Start while
// running is a no-op. Device failures wrap shared.ErrDeviceAccess.
func (p *CapturePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	src, err := p.acquirer.Acquire(ctx, p.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("%w: acquiring microphone: %w", shared.ErrDeviceAccess, err)
	}
	// the loop outlives ctx; Stop is the only way to end it
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.source = src
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.run(loopCtx, src, p.done)
	p.logger.Info("capture started",
		zap.Int("sampleRate", p.cfg.Constraints.SampleRate),
		zap.Int("frameSamples", p.cfg.FrameSamples),
	)
	return nil
}

// Stop releases the device and returns after the processing goroutine exits.
func (p *CapturePipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	src, cancel, done := p.source, p.cancel, p.done
	p.source, p.cancel, p.done = nil, nil, nil
	p.running = false
	p.mu.Unlock()

	cancel()
	err := src.Close()
	<-done
	if err != nil {
		p.logger.Error("closing capture source", err)
		return fmt.Errorf("closing capture source: %w", err)
	}
	p.logger.Info("capture stopped")
	return nil
}

func (p *CapturePipeline) run(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)
	fb := NewFrameBuffer(p.cfg.FrameSamples)
	failures := 0
	for {
		chunk, err := src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 {
				p.logger.Error("reading capture source", err)
			} else {
				p.logger.Debug("capture source still failing", zap.Int("failures", failures), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(readBackoff(failures)):
			}
			continue
		}
		if failures > 0 {
			p.logger.Info("capture source recovered", zap.Int("failures", failures))
			failures = 0
		}
		for _, window := range fb.Add(chunk) {
			p.process(window)
		}
	}
}

// readBackoff doubles from 10ms per consecutive read failure, up to one second.
func readBackoff(failures int) time.Duration {
	d := 10 * time.Millisecond
	for i := 1; i < failures && d < time.Second; i++ {
		d *= 2
	}
	return min(d, time.Second)
}

// process handles one window. No frame is built unless the gate is open.
func (p *CapturePipeline) process(window []float32) {
	inc(p.cfg.Metrics.Captured)
	p.cfg.Gain(window)
	if p.muted.Load() || !p.gate.Connected() {
		inc(p.cfg.Metrics.Gated)
		return
	}
	frame := NewAudioFrame(
		time.Now(),
		FloatToPCM16(window),
		p.cfg.Constraints.SampleRate,
		p.cfg.Constraints.ChannelCount,
	)
	if err := p.tx.TransmitAudio(frame, EncodeFrame(frame)); err != nil {
		inc(p.cfg.Metrics.SendFailed)
		p.logger.Debug("dropping audio frame", zap.Error(err))
		return
	}
	inc(p.cfg.Metrics.Sent)
}
