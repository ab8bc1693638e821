package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/voice-client/shared"
	"go.uber.org/zap"
)

var ErrDeafened = errors.New("playback deafened")

// Sink renders one self contained buffer of float samples. Play must return
// promptly; buffers are handed over strictly in arrival order.
type Sink interface {
	Play(samples []float32, sampleRate, channels int) error
	Close() error
}

type PlaybackConfig struct {
	SampleRate   int
	ChannelCount int
	Volume       int
	Metrics      PlaybackMetrics
}

// PlaybackEngine decodes inbound audio and plays each frame as it arrives.
// There is no jitter buffer and no reordering.
type PlaybackEngine struct {
	logger shared.LoggerAdapter
	sink   Sink
	cfg    PlaybackConfig

	deafened atomic.Bool
	volume   atomic.Int32

	mu sync.Mutex // serializes OnFrame so frames reach the sink in order
}

func NewPlaybackEngine(logger shared.LoggerAdapter, sink Sink, cfg PlaybackConfig) (*PlaybackEngine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sink == nil {
		return nil, errors.New("no sink provided")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChannelCount <= 0 {
		cfg.ChannelCount = DefaultChannelCount
	}
	e := &PlaybackEngine{
		logger: logger.With(zap.String("component", "playback")),
		sink:   sink,
		cfg:    cfg,
	}
	e.SetVolume(cfg.Volume)
	return e, nil
}

// SetDeafened silences playback only. Reception and capture are unaffected.
func (e *PlaybackEngine) SetDeafened(deafened bool) {
	e.deafened.Store(deafened)
}

func (e *PlaybackEngine) Deafened() bool {
	return e.deafened.Load()
}

// SetVolume clamps v to [0, 100].
func (e *PlaybackEngine) SetVolume(v int) {
	e.volume.Store(int32(min(max(v, 0), 100)))
}

func (e *PlaybackEngine) Volume() int {
	return int(e.volume.Load())
}

// OnFrame plays one inbound frame. raw, when set, is PCM from a binary
// transport frame; otherwise encoded is decoded from base64.
func (e *PlaybackEngine) OnFrame(encoded string, raw []byte) error {
	if e.deafened.Load() {
		inc(e.cfg.Metrics.Deafened)
		return ErrDeafened
	}
	var (
		samples []int16
		err     error
	)
	if raw != nil {
		samples, err = DecodePCM16LE(raw)
	} else {
		samples, err = DecodeFrameData(encoded)
	}
	if err != nil {
		inc(e.cfg.Metrics.Malformed)
		return fmt.Errorf("%w: %w", shared.ErrProtocolDecode, err)
	}
	if len(samples) == 0 {
		return nil
	}
	buf := PCM16ToFloat(samples)
	gain := float32(e.volume.Load()) / 100
	if gain != 1 {
		for i := range buf {
			buf[i] *= gain
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.sink.Play(buf, e.cfg.SampleRate, e.cfg.ChannelCount); err != nil {
		inc(e.cfg.Metrics.SinkError)
		return fmt.Errorf("playing frame: %w", err)
	}
	inc(e.cfg.Metrics.Played)
	return nil
}

func (e *PlaybackEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink.Close()
}
