package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/voice-client/media"
	"github.com/bt-bridge/voice-client/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

var ErrSpeakerClosed = errors.New("speaker closed")

// Speaker plays every buffer on its own oto player as soon as it arrives.
// Overlapping buffers are mixed by oto.
type Speaker struct {
	logger     shared.LoggerAdapter
	otoCtx     *oto.Context
	sampleRate int
	channels   int

	mu      sync.Mutex
	players []*oto.Player
	closed  bool
}

var _ media.Sink = (*Speaker)(nil)

// NewSpeaker opens the default output device. oto allows one context per
// process, so a program creates at most one Speaker.
func NewSpeaker(logger shared.LoggerAdapter, sampleRate, channels int, buffer time.Duration) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating audio output: %w", shared.ErrDeviceAccess, err)
	}
	<-ready
	return &Speaker{
		logger:     logger.With(zap.String("component", "speaker")),
		otoCtx:     otoCtx,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (s *Speaker) Play(samples []float32, sampleRate, channels int) error {
	if sampleRate != s.sampleRate || channels != s.channels {
		return fmt.Errorf("buffer format %d Hz x%d does not match output %d Hz x%d",
			sampleRate, channels, s.sampleRate, s.channels)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpeakerClosed
	}
	s.prune()
	player := s.otoCtx.NewPlayer(bytes.NewReader(encodeFloat32LE(samples)))
	player.Play()
	s.players = append(s.players, player)
	return nil
}

// prune releases players that have drained their buffer.
func (s *Speaker) prune() {
	s.players = slices.DeleteFunc(s.players, func(p *oto.Player) bool {
		if p.IsPlaying() {
			return false
		}
		if err := p.Close(); err != nil {
			s.logger.Debug("closing finished player", zap.Error(err))
		}
		return true
	})
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, p := range s.players {
		errs = append(errs, p.Close())
	}
	s.players = nil
	if err := s.otoCtx.Suspend(); err != nil {
		errs = append(errs, fmt.Errorf("suspending audio output: %w", err))
	}
	return errors.Join(errs...)
}

func encodeFloat32LE(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}
