package media

import (
	"slices"
	"time"
)

const (
	DefaultSampleRate   = 16000
	DefaultChannelCount = 1
	DefaultFrameSamples = 1024
)

// AudioFrame is one captured window of 16-bit PCM. It is immutable once built.
type AudioFrame struct {
	timestamp    time.Time
	samples      []int16
	sampleRateHz int
	channelCount int
}

// NewAudioFrame copies samples so later changes by the caller do not leak in.
func NewAudioFrame(ts time.Time, samples []int16, sampleRateHz, channelCount int) *AudioFrame {
	return &AudioFrame{
		timestamp:    ts,
		samples:      slices.Clone(samples),
		sampleRateHz: sampleRateHz,
		channelCount: channelCount,
	}
}

func (f *AudioFrame) Timestamp() time.Time { return f.timestamp }
func (f *AudioFrame) SampleRateHz() int    { return f.sampleRateHz }
func (f *AudioFrame) ChannelCount() int    { return f.channelCount }
func (f *AudioFrame) Len() int             { return len(f.samples) }

// Samples returns a copy of the frame's PCM samples.
func (f *AudioFrame) Samples() []int16 {
	return slices.Clone(f.samples)
}

// Duration is the playback length of the frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.sampleRateHz <= 0 || f.channelCount <= 0 {
		return 0
	}
	perChannel := len(f.samples) / f.channelCount
	return time.Duration(perChannel) * time.Second / time.Duration(f.sampleRateHz)
}
