package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Frame is a fixed-duration slice of mono PCM plus its energy.
// RMS and Peak are normalised to [0,1].
type Frame struct {
	Timestamp time.Time
	Duration  time.Duration
	RMS       float64
	Peak      float64
	Samples   []int // s16 PCM, kept for recording
}

// DB returns the frame level in dBFS.
func (f Frame) DB() float64 {
	return ToDB(f.RMS)
}

// ToDB converts a normalised level to dBFS, floored at -100.
func ToDB(level float64) float64 {
	if level <= 1e-5 {
		return -100
	}
	return 20 * math.Log10(level)
}

// Levels computes the normalised RMS and peak of s16 samples.
func Levels(samples []int) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}

// FrameReader cuts a raw PCM s16le mono stream into Frames.
// Timestamps are derived from the sample count, so they never go backwards
// even when the underlying reader delivers data in bursts.
type FrameReader struct {
	r          io.Reader
	sampleRate int
	frameLen   int // samples per frame
	start      time.Time
	consumed   int64
	buf        []byte
}

// NewFrameReader reads frames of the given duration. start anchors the
// timestamp of the first sample.
func NewFrameReader(r io.Reader, sampleRate int, frame time.Duration, start time.Time) *FrameReader {
	n := int(int64(sampleRate) * int64(frame) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return &FrameReader{
		r:          r,
		sampleRate: sampleRate,
		frameLen:   n,
		start:      start,
		buf:        make([]byte, n*2),
	}
}

// FrameDuration is the exact duration of one frame.
func (fr *FrameReader) FrameDuration() time.Duration {
	return time.Duration(int64(fr.frameLen) * int64(time.Second) / int64(fr.sampleRate))
}

// Next blocks until a full frame is available. A trailing partial frame is
// discarded and reported as io.EOF.
func (fr *FrameReader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read pcm: %w", err)
	}

	samples := make([]int, fr.frameLen)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(fr.buf[i*2:])))
	}
	rms, peak := Levels(samples)

	ts := fr.start.Add(time.Duration(fr.consumed * int64(time.Second) / int64(fr.sampleRate)))
	fr.consumed += int64(fr.frameLen)

	return Frame{
		Timestamp: ts,
		Duration:  fr.FrameDuration(),
		RMS:       rms,
		Peak:      peak,
		Samples:   samples,
	}, nil
}
