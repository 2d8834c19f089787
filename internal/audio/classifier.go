package audio

import (
	"math"
	"time"
)

// ClassifierConfig tunes the adaptive loudness threshold.
type ClassifierConfig struct {
	// Multiplier is k in "loud if rms > floor*k".
	Multiplier float64
	// MinLevel is an absolute RMS floor for the threshold so dithering on a
	// near-silent stream never counts as loud.
	MinLevel float64
	// Alpha is the EMA weight given to each new quiet frame.
	Alpha float64
	// SeedCeiling caps the floor seeded from the first frame, so a chain
	// enabled in the middle of a call still hears it as loud. Zero disables
	// the cap.
	SeedCeiling float64
}

// DefaultClassifierConfig matches the tuning used in the field.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{Multiplier: 3.0, MinLevel: 0.02, Alpha: 0.05, SeedCeiling: 0.05}
}

// Sample is the loud/quiet verdict for one frame.
type Sample struct {
	Timestamp time.Time
	Duration  time.Duration
	Loud      bool
	Level     float64
	Threshold float64
}

// Classifier labels frames loud or quiet against a rolling noise floor.
//
// The floor is an exponential moving average fed only by frames that were
// classified quiet. A sustained loud signal therefore never raises its own
// threshold. The first frame seeds the floor, capped at SeedCeiling, and is
// then classified like any other frame.
//
// Not safe for concurrent use; it belongs to a single ingestion chain.
type Classifier struct {
	cfg    ClassifierConfig
	floor  float64
	seeded bool
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// SetConfig swaps the tuning and keeps the learned floor.
func (c *Classifier) SetConfig(cfg ClassifierConfig) {
	c.cfg = cfg
}

// NoiseFloor returns the current floor estimate.
func (c *Classifier) NoiseFloor() float64 {
	return c.floor
}

// Threshold returns the level a frame must exceed to be loud.
func (c *Classifier) Threshold() float64 {
	return math.Max(c.floor*c.cfg.Multiplier, c.cfg.MinLevel)
}

// Classify labels f and updates the floor when f is quiet.
func (c *Classifier) Classify(f Frame) Sample {
	s := Sample{Timestamp: f.Timestamp, Duration: f.Duration, Level: f.RMS}

	if !c.seeded {
		c.floor = f.RMS
		if c.cfg.SeedCeiling > 0 {
			c.floor = math.Min(c.floor, c.cfg.SeedCeiling)
		}
		c.seeded = true
	}

	s.Threshold = c.Threshold()
	s.Loud = f.RMS > s.Threshold
	if !s.Loud {
		c.floor += c.cfg.Alpha * (f.RMS - c.floor)
	}
	return s
}

// Reset forgets the floor; the next frame seeds it again.
func (c *Classifier) Reset() {
	c.floor = 0
	c.seeded = false
}
