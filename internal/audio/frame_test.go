package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcm(samples ...int16) []byte {
	var b bytes.Buffer
	for _, s := range samples {
		_ = binary.Write(&b, binary.LittleEndian, s)
	}
	return b.Bytes()
}

func constant(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestFrameReaderCutsFixedFrames(t *testing.T) {
	// 8 samples at 16 Hz = 0.5s, frames of 250ms = 4 samples.
	data := pcm(append(constant(4, 16384), constant(4, -8192)...)...)
	fr := NewFrameReader(bytes.NewReader(data), 16, 250*time.Millisecond, t0)

	f1, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, t0, f1.Timestamp)
	assert.Equal(t, 250*time.Millisecond, f1.Duration)
	assert.InDelta(t, 0.5, f1.RMS, 1e-9)
	assert.InDelta(t, 0.5, f1.Peak, 1e-9)
	assert.Len(t, f1.Samples, 4)

	f2, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, t0.Add(250*time.Millisecond), f2.Timestamp)
	assert.InDelta(t, 0.25, f2.RMS, 1e-9)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderDropsPartialTail(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(pcm(1, 2, 3, 4, 5, 6)), 16, 250*time.Millisecond, t0)
	_, err := fr.Next()
	require.NoError(t, err)
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLevelsAndDB(t *testing.T) {
	rms, peak := Levels(nil)
	assert.Zero(t, rms)
	assert.Zero(t, peak)

	rms, peak = Levels([]int{32767, -32768})
	assert.InDelta(t, 1.0, rms, 1e-4)
	assert.InDelta(t, 1.0, peak, 1e-9)

	assert.InDelta(t, -6.02, Frame{RMS: 0.5}.DB(), 0.01)
	assert.Equal(t, -100.0, ToDB(0))
	assert.False(t, math.IsInf(ToDB(1e-9), 0))
}

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Frames())
	for i := 0; i < 5; i++ {
		r.Push(frameAt(i, float64(i)))
	}
	got := r.Frames()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{got[0].RMS, got[1].RMS, got[2].RMS})

	r.Reset()
	assert.Empty(t, r.Frames())
}
