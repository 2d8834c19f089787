package agent

import (
	"errors"
	"io"
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/detector"
)

// ReplayStats summarises a replayed recording.
type ReplayStats struct {
	Frames     int
	Loud       int
	Duration   time.Duration
	NoiseFloor float64
	MaxLevel   float64
}

// Replay runs PCM s16le mono through a fresh classifier and detector the
// way the live chain does, calling fn with every event. End of input counts
// as a stalled source, so an open session is still closed.
func Replay(r io.Reader, sampleRate int, frame time.Duration, start time.Time, t Tuning, fn func(detector.Event, audio.Sample)) (ReplayStats, error) {
	fr := audio.NewFrameReader(r, sampleRate, frame, start)
	cls := audio.NewClassifier(t.Classifier)
	det := detector.New(t.Detector)

	var st ReplayStats
	var last audio.Sample
	end := start
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, err
		}
		s := cls.Classify(f)
		st.Frames++
		st.Duration += f.Duration
		st.MaxLevel = max(st.MaxLevel, f.RMS)
		if s.Loud {
			st.Loud++
		}
		last = s
		end = f.Timestamp.Add(f.Duration)
		if ev, ok := det.Observe(s); ok {
			fn(ev, s)
		}
	}
	st.NoiseFloor = cls.NoiseFloor()

	if det.Active() {
		flush := end.Add(t.Detector.StallTimeout + t.Detector.EndAfter)
		if ev, ok := det.Tick(flush); ok {
			fn(ev, last)
		}
	}
	return st, nil
}
