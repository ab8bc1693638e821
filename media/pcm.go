package media

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrOddPCMLength = errors.New("pcm payload has odd length")

// FrameSamples is the number of interleaved samples in duration of audio.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// FloatToPCM16 scales samples in [-1, 1] to int16, clamping anything outside
// to [-32768, 32767].
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, x := range in {
		v := math.Round(float64(x) * 32767)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// PCM16ToFloat normalizes samples to [-1, 1].
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		f := float32(s) / 32767
		if f < -1 {
			f = -1
		}
		out[i] = f
	}
	return out
}

func EncodePCM16LE(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// EncodeFrame is the transport text encoding of a frame: base64 of little-endian PCM.
func EncodeFrame(f *AudioFrame) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(f.samples))
}

// DecodeFrameData reverses EncodeFrame.
func DecodeFrameData(data string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 audio: %w", err)
	}
	return DecodePCM16LE(raw)
}
