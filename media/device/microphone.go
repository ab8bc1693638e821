// Package device binds the media pipelines to real hardware: pion/mediadevices
// for capture and ebitengine/oto for playback.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bt-bridge/voice-client/media"
	"github.com/bt-bridge/voice-client/shared"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var ErrUnsupportedChunk = errors.New("unsupported audio chunk format")

// Microphone acquires the default input device.
type Microphone struct {
	logger shared.LoggerAdapter
}

var _ media.SourceAcquirer = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Microphone{logger: logger.With(zap.String("component", "microphone"))}, nil
}

func (m *Microphone) Acquire(ctx context.Context, c media.CaptureConstraints) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// the drivers expose no echo cancellation, noise suppression or gain control
	m.logger.Debug("requesting microphone",
		zap.Int("sampleRate", c.SampleRate),
		zap.Int("channels", c.ChannelCount),
		zap.Bool("echoCancellation", c.EchoCancellation),
		zap.Bool("noiseSuppression", c.NoiseSuppression),
		zap.Bool("autoGainControl", c.AutoGainControl),
	)
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.SampleRate)
			mc.ChannelCount = prop.Int(c.ChannelCount)
			mc.SampleSize = prop.Int(16)
			mc.Latency = prop.Duration(c.Latency)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok || track.Kind() != webrtc.RTPCodecTypeAudio {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("unexpected microphone track %T", tracks[0])
	}
	m.logger.Info("microphone opened", zap.String("track", track.ID()))
	return &micSource{
		track:  track,
		reader: track.NewReader(false),
		closed: make(chan struct{}),
	}, nil
}

type micSource struct {
	track  *mediadevices.AudioTrack
	reader audio.Reader

	once   sync.Once
	closed chan struct{}
}

// Read blocks on the driver. Closing the source unblocks it with io.EOF.
func (s *micSource) Read(ctx context.Context) ([]float32, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	chunk, release, err := s.reader.Read()
	if err != nil {
		select {
		case <-s.closed:
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	defer release()
	return toMono(chunk)
}

func (s *micSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.track.Close()
	})
	return err
}

// toMono copies chunk into mono float samples, averaging interleaved channels.
func toMono(chunk wave.Audio) ([]float32, error) {
	info := chunk.ChunkInfo()
	channels := max(info.Channels, 1)
	out := make([]float32, info.Len)
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := range out {
			var sum float32
			for ch := range channels {
				sum += float32(c.Data[i*channels+ch]) / 32768
			}
			out[i] = sum / float32(channels)
		}
	case *wave.Float32Interleaved:
		for i := range out {
			var sum float32
			for ch := range channels {
				sum += c.Data[i*channels+ch]
			}
			out[i] = min(max(sum/float32(channels), -1), 1)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedChunk, chunk)
	}
	return out, nil
}
