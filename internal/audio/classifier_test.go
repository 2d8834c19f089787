package audio

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func frameAt(i int, rms float64) Frame {
	return Frame{
		Timestamp: t0.Add(time.Duration(i) * 250 * time.Millisecond),
		Duration:  250 * time.Millisecond,
		RMS:       rms,
	}
}

func TestClassifierSteadyQuietNeverLoud(t *testing.T) {
	levels := []float64{0, 0.001, 0.01, 0.03, 0.05}
	for _, lvl := range levels {
		c := NewClassifier(DefaultClassifierConfig())
		rng := rand.New(rand.NewPCG(1, uint64(lvl*1000)))
		for i := 0; i < 2000; i++ {
			// +/-20% jitter around a steady level
			rms := lvl * (0.8 + 0.4*rng.Float64())
			s := c.Classify(frameAt(i, rms))
			if !assert.False(t, s.Loud, "level %v frame %d rms %v floor %v", lvl, i, rms, c.NoiseFloor()) {
				break
			}
		}
	}
}

func TestClassifierLoudOverFloor(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	for i := 0; i < 40; i++ {
		c.Classify(frameAt(i, 0.02))
	}
	s := c.Classify(frameAt(40, 0.3))
	assert.True(t, s.Loud)
	assert.InDelta(t, 0.06, s.Threshold, 1e-6)
}

func TestClassifierMinLevel(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Multiplier: 3, MinLevel: 0.05, Alpha: 0.05})
	for i := 0; i < 20; i++ {
		c.Classify(frameAt(i, 0.001))
	}
	// 10x the floor but under the absolute minimum
	assert.False(t, c.Classify(frameAt(20, 0.01)).Loud)
	assert.True(t, c.Classify(frameAt(21, 0.06)).Loud)
}

func TestClassifierFloorHoldsDuringLongLoudRun(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	for i := 0; i < 100; i++ {
		c.Classify(frameAt(i, 0.02))
	}
	floor := c.NoiseFloor()

	// Four minutes of sustained recitation.
	for i := 100; i < 100+4*60*4; i++ {
		s := c.Classify(frameAt(i, 0.4))
		assert.True(t, s.Loud, "frame %d", i)
	}
	assert.InDelta(t, floor, c.NoiseFloor(), 1e-12)
}

func TestClassifierFirstFrameSeeds(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	s := c.Classify(frameAt(0, 0.01))
	assert.False(t, s.Loud)
	assert.Equal(t, 0.01, c.NoiseFloor())

	c.Reset()
	assert.Zero(t, c.NoiseFloor())
	c.Classify(frameAt(1, 0.03))
	assert.Equal(t, 0.03, c.NoiseFloor())
}

func TestClassifierEnabledMidCall(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	// A minute of recitation with no quiet lead-in.
	for i := 0; i < 240; i++ {
		s := c.Classify(frameAt(i, 0.3))
		if !assert.True(t, s.Loud, "frame %d threshold %v", i, s.Threshold) {
			break
		}
	}
	assert.Equal(t, 0.05, c.NoiseFloor())

	// The floor learns the real ambient level once the call ends.
	for i := 240; i < 400; i++ {
		c.Classify(frameAt(i, 0.005))
	}
	assert.Less(t, c.NoiseFloor(), 0.01)
	assert.True(t, c.Classify(frameAt(400, 0.3)).Loud)
}

func TestClassifierSeedCeilingDisabled(t *testing.T) {
	cfg := DefaultClassifierConfig()
	cfg.SeedCeiling = 0
	c := NewClassifier(cfg)
	assert.False(t, c.Classify(frameAt(0, 0.3)).Loud)
	assert.Equal(t, 0.3, c.NoiseFloor())
}
