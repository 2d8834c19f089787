package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
)

const step = 250 * time.Millisecond

var t0 = time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

// feeder drives a detector with consecutive 250ms samples.
type feeder struct {
	d      *Detector
	i      int
	events []Event
}

func (f *feeder) now() time.Time { return t0.Add(time.Duration(f.i) * step) }

func (f *feeder) feed(loud bool, dur time.Duration) {
	for n := 0; n < int(dur/step); n++ {
		s := audio.Sample{Timestamp: f.now(), Duration: step, Loud: loud, Level: 0.1}
		if ev, ok := f.d.Observe(s); ok {
			f.events = append(f.events, ev)
		}
		f.i++
	}
}

func TestShortBurstDoesNotStart(t *testing.T) {
	f := &feeder{d: New(DefaultConfig())}
	f.feed(false, 10*time.Second)
	f.feed(true, time.Second)
	f.feed(false, 10*time.Second)
	assert.Empty(t, f.events)
	assert.False(t, f.d.Active())
}

func TestBurstsJustUnderThresholdDoNotAccumulate(t *testing.T) {
	f := &feeder{d: New(DefaultConfig())}
	for i := 0; i < 10; i++ {
		f.feed(true, 2750*time.Millisecond)
		f.feed(false, step)
	}
	assert.Empty(t, f.events)
}

func TestSustainedLoudThenQuiet(t *testing.T) {
	f := &feeder{d: New(DefaultConfig())}
	f.feed(false, 5*time.Second)
	onset := f.now()
	f.feed(true, 3*time.Second)
	f.feed(false, 5*time.Second)

	require.Len(t, f.events, 2)
	start, end := f.events[0], f.events[1]
	assert.Equal(t, Started, start.Kind)
	assert.Equal(t, onset, start.At)
	assert.Equal(t, Ended, end.Kind)
	assert.Equal(t, ReasonQuiet, end.Reason)
	assert.GreaterOrEqual(t, end.At.Sub(start.At), 3*time.Second)
	assert.False(t, f.d.Active())
}

func TestPausesInsideRecitationAreTolerated(t *testing.T) {
	f := &feeder{d: New(DefaultConfig())}
	f.feed(true, 10*time.Second)
	for i := 0; i < 6; i++ {
		f.feed(false, 4*time.Second) // breath between phrases
		f.feed(true, 8*time.Second)
	}
	f.feed(false, 6*time.Second)

	require.Len(t, f.events, 2)
	assert.Equal(t, Started, f.events[0].Kind)
	assert.Equal(t, Ended, f.events[1].Kind)
}

func TestSafetyCapForcesEnd(t *testing.T) {
	f := &feeder{d: New(DefaultConfig())}
	onset := f.now()
	f.feed(true, 12*time.Minute)

	require.Len(t, f.events, 2)
	start, end := f.events[0], f.events[1]
	assert.Equal(t, onset, start.At)
	assert.Equal(t, ReasonTimeout, end.Reason)
	assert.Equal(t, 12*time.Minute, end.At.Sub(start.At))
}

func TestStuckLoudDoesNotRestartAfterCap(t *testing.T) {
	f := &feeder{d: New(DefaultConfig())}
	f.feed(true, 20*time.Minute)
	require.Len(t, f.events, 2)

	f.feed(false, 5*time.Second)
	f.feed(true, 3*time.Second)
	require.Len(t, f.events, 3)
	assert.Equal(t, Started, f.events[2].Kind)
}

func TestTickCapWithoutFrames(t *testing.T) {
	d := New(DefaultConfig())
	f := &feeder{d: d}
	f.feed(true, 3*time.Second)
	require.Len(t, f.events, 1)

	// A stall would end it first, so make the stall timeout generous.
	d.SetConfig(Config{StartAfter: 3 * time.Second, EndAfter: 5 * time.Second, MaxDuration: 12 * time.Minute, StallTimeout: time.Hour})
	_, ok := d.Tick(t0.Add(11 * time.Minute))
	assert.False(t, ok)
	ev, ok := d.Tick(t0.Add(12*time.Minute + time.Second))
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, ev.Reason)
	assert.Equal(t, t0.Add(12*time.Minute), ev.At)
}

func TestTickStallCountsAsQuiet(t *testing.T) {
	d := New(DefaultConfig())
	f := &feeder{d: d}
	f.feed(true, 4*time.Second)
	require.Len(t, f.events, 1)
	last := f.now()

	_, ok := d.Tick(last.Add(time.Second))
	assert.False(t, ok, "under stall timeout")
	_, ok = d.Tick(last.Add(7 * time.Second))
	assert.False(t, ok, "a gap shorter than one HLS segment is not a stall")

	ev, ok := d.Tick(last.Add(8 * time.Second))
	require.True(t, ok)
	assert.Equal(t, Ended, ev.Kind)
	assert.Equal(t, ReasonStall, ev.Reason)
	assert.False(t, d.Active())
}

func TestTickStallShorterThanEndAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallTimeout = 2 * time.Second
	d := New(cfg)
	f := &feeder{d: d}
	f.feed(true, 4*time.Second)
	last := f.now()

	_, ok := d.Tick(last.Add(3 * time.Second))
	assert.False(t, ok, "stalled but quiet run too short")
	ev, ok := d.Tick(last.Add(5 * time.Second))
	require.True(t, ok)
	assert.Equal(t, ReasonStall, ev.Reason)
}

func TestDefaultStallCoversSegmentGaps(t *testing.T) {
	assert.Equal(t, 8*time.Second, DefaultConfig().StallTimeout)
}

func TestResetClearsRuns(t *testing.T) {
	d := New(DefaultConfig())
	f := &feeder{d: d}
	f.feed(true, 2500*time.Millisecond)
	d.Reset()
	f.feed(true, time.Second)
	assert.Empty(t, f.events)
	f.feed(true, 2*time.Second)
	assert.Len(t, f.events, 1)
}

func TestOutOfOrderSamplesIgnored(t *testing.T) {
	d := New(DefaultConfig())
	f := &feeder{d: d}
	f.feed(true, 2*time.Second)
	_, ok := d.Observe(audio.Sample{Timestamp: t0, Duration: step, Loud: true})
	assert.False(t, ok)
	f.feed(true, 750*time.Millisecond)
	assert.Empty(t, f.events)
	f.feed(true, step)
	assert.Len(t, f.events, 1)
}
