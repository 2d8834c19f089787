// Package detector turns a stream of loud/quiet samples into Adhaan start
// and end events using debounced run lengths.
package detector

import (
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
)

// Config holds the debounce thresholds. All durations are measured on the
// sample clock except StallTimeout and the cap check in Tick, which use the
// wall clock passed to Tick.
type Config struct {
	StartAfter   time.Duration // sustained loud before AdhaanStarted
	EndAfter     time.Duration // sustained quiet before AdhaanEnded
	MaxDuration  time.Duration // hard cap on a single session
	StallTimeout time.Duration // silence from the source counted as quiet after this
}

func DefaultConfig() Config {
	return Config{
		StartAfter:   3 * time.Second,
		EndAfter:     5 * time.Second,
		MaxDuration:  12 * time.Minute,
		StallTimeout: 8 * time.Second, // HLS delivers audio in segment-sized bursts
	}
}

type Kind int

const (
	Started Kind = iota + 1
	Ended
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Reason explains why a session ended.
type Reason string

const (
	ReasonQuiet   Reason = "quiet"
	ReasonTimeout Reason = "timeout"
	ReasonStall   Reason = "stall"
)

// Event is AdhaanStarted or AdhaanEnded.
//
// For Started, At is the onset of the loud run that crossed the threshold.
// For Ended, At is the moment the end was decided, or start+MaxDuration
// when the cap fired.
type Event struct {
	Kind   Kind
	At     time.Time
	Reason Reason // Ended only
	Level  float64
}

// Detector is a run-length debouncer. It is driven by a single goroutine.
type Detector struct {
	cfg Config

	active    bool
	startedAt time.Time

	loudRun    time.Duration
	loudStart  time.Time
	quietRun   time.Duration
	quietStart time.Time

	lastTS  time.Time // timestamp of the newest accepted sample
	covered time.Time // end of the time span accounted for, samples or stalls

	// After a forced timeout the signal must go quiet for EndAfter before
	// a new start is allowed, so a stuck-loud stream cannot loop sessions.
	needQuiet bool
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// SetConfig replaces thresholds without dropping run state.
func (d *Detector) SetConfig(cfg Config) { d.cfg = cfg }

// Active reports whether an Adhaan is in progress.
func (d *Detector) Active() bool { return d.active }

// StartedAt is the onset of the active session, zero when idle.
func (d *Detector) StartedAt() time.Time { return d.startedAt }

// Reset clears all run state. Call when detection is (re)enabled.
func (d *Detector) Reset() {
	*d = Detector{cfg: d.cfg}
}

// Observe feeds one sample. Samples older than the last one are ignored.
func (d *Detector) Observe(s audio.Sample) (Event, bool) {
	if !d.lastTS.IsZero() && !s.Timestamp.After(d.lastTS) {
		return Event{}, false
	}
	d.lastTS = s.Timestamp
	end := s.Timestamp.Add(s.Duration)
	if end.After(d.covered) {
		d.covered = end
	}

	if s.Loud {
		if d.loudRun == 0 {
			d.loudStart = s.Timestamp
		}
		d.loudRun += s.Duration
		d.quietRun = 0
	} else {
		d.addQuiet(s.Timestamp, s.Duration)
	}

	if !d.active {
		if !d.needQuiet && d.loudRun >= d.cfg.StartAfter {
			d.active = true
			d.startedAt = d.loudStart
			return Event{Kind: Started, At: d.loudStart, Level: s.Level}, true
		}
		return Event{}, false
	}

	if end.Sub(d.startedAt) >= d.cfg.MaxDuration {
		return d.timeout(s.Level), true
	}
	if d.quietRun >= d.cfg.EndAfter {
		return d.end(end, ReasonQuiet, s.Level), true
	}
	return Event{}, false
}

// Tick enforces the wall-clock rules that must fire even when no samples
// arrive: the safety cap and stall-as-quiet.
func (d *Detector) Tick(now time.Time) (Event, bool) {
	if !d.active {
		if d.needQuiet && !d.covered.IsZero() && now.Sub(d.covered) >= d.cfg.StallTimeout {
			d.addQuiet(d.covered, now.Sub(d.covered))
			d.covered = now
		}
		return Event{}, false
	}

	if now.Sub(d.startedAt) >= d.cfg.MaxDuration {
		return d.timeout(0), true
	}

	gap := now.Sub(d.covered)
	if gap < d.cfg.StallTimeout {
		return Event{}, false
	}
	d.loudRun = 0
	d.addQuiet(d.covered, gap)
	d.covered = now
	if d.quietRun >= d.cfg.EndAfter {
		return d.end(now, ReasonStall, 0), true
	}
	return Event{}, false
}

func (d *Detector) addQuiet(from time.Time, dur time.Duration) {
	if d.quietRun == 0 {
		d.quietStart = from
	}
	d.quietRun += dur
	d.loudRun = 0
	if d.needQuiet && d.quietRun >= d.cfg.EndAfter {
		d.needQuiet = false
	}
}

func (d *Detector) timeout(level float64) Event {
	ev := d.end(d.startedAt.Add(d.cfg.MaxDuration), ReasonTimeout, level)
	d.needQuiet = true
	return ev
}

func (d *Detector) end(at time.Time, reason Reason, level float64) Event {
	d.active = false
	d.startedAt = time.Time{}
	d.loudRun, d.quietRun = 0, 0
	return Event{Kind: Ended, At: at, Reason: reason, Level: level}
}
