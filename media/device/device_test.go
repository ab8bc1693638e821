package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMono(t *testing.T) {
	t.Run("int16 mono", func(t *testing.T) {
		chunk := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 3, Channels: 1, SamplingRate: 16000})
		copy(chunk.Data, []int16{0, 16384, -32768})
		got, err := toMono(chunk)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0.5, -1}, got)
	})
	t.Run("int16 stereo is averaged", func(t *testing.T) {
		chunk := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 2, Channels: 2, SamplingRate: 16000})
		copy(chunk.Data, []int16{16384, 0, -16384, -16384})
		got, err := toMono(chunk)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.25, -0.5}, got)
	})
	t.Run("float32 is clamped", func(t *testing.T) {
		chunk := wave.NewFloat32Interleaved(wave.ChunkInfo{Len: 2, Channels: 1, SamplingRate: 16000})
		copy(chunk.Data, []float32{1.5, -0.25})
		got, err := toMono(chunk)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, -0.25}, got)
	})
	t.Run("unsupported layout", func(t *testing.T) {
		chunk := wave.NewInt16NonInterleaved(wave.ChunkInfo{Len: 1, Channels: 1, SamplingRate: 16000})
		_, err := toMono(chunk)
		assert.ErrorIs(t, err, ErrUnsupportedChunk)
	})
}

func TestEncodeFloat32LE(t *testing.T) {
	out := encodeFloat32LE([]float32{0.5, -1})
	require.Len(t, out, 8)
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(out[0:])))
	assert.Equal(t, float32(-1), math.Float32frombits(binary.LittleEndian.Uint32(out[4:])))
}
