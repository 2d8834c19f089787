// Package prayer models the five daily prayer times, the detection windows
// around them, and the providers that supply them.
package prayer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Prayer is one of the five daily prayers, in schedule order.
type Prayer int

const (
	NoPrayer Prayer = iota - 1
	Fajr
	Dhuhr
	Asr
	Maghrib
	Isha
)

// All lists the prayers in the fixed daily order.
var All = [5]Prayer{Fajr, Dhuhr, Asr, Maghrib, Isha}

var names = [5]string{"Fajr", "Dhuhr", "Asr", "Maghrib", "Isha"}

func (p Prayer) String() string {
	if p < Fajr || p > Isha {
		return ""
	}
	return names[p]
}

// MarshalText renders the name, or "" for NoPrayer.
func (p Prayer) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts a name in any case; "" is NoPrayer.
func (p *Prayer) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = NoPrayer
		return nil
	}
	v, err := ParsePrayer(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePrayer accepts a prayer name in any case.
func ParsePrayer(s string) (Prayer, error) {
	for i, n := range names {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return Prayer(i), nil
		}
	}
	return NoPrayer, fmt.Errorf("unknown prayer %q", s)
}

// Clock is a time of day with minute resolution.
type Clock struct {
	Hour, Minute int
}

// ParseClock parses "HH:MM", ignoring a trailing annotation such as
// "05:31 (CDT)".
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return Clock{}, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return Clock{}, fmt.Errorf("bad hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return Clock{}, fmt.Errorf("bad minute in %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("time out of range %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func ClockOf(t time.Time) Clock { return Clock{Hour: t.Hour(), Minute: t.Minute()} }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant this clock time occurs on the calendar day of day,
// in day's location.
func (c Clock) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

// Schedule is one day's prayer times. It is a value; once built it is not
// modified.
type Schedule struct {
	Day    time.Time // midnight of the day in the schedule's location
	Times  [5]Clock
	Source string
	Stale  bool // previous day's schedule reused after a failed refresh
}

// ErrInvalidSchedule marks a schedule that is not strictly increasing.
var ErrInvalidSchedule = errors.New("invalid schedule")

// NewSchedule builds and validates a schedule.
func NewSchedule(day time.Time, times [5]Clock, source string) (Schedule, error) {
	s := Schedule{Day: Midnight(day), Times: times, Source: source}
	return s, s.Validate()
}

// Validate checks the five times are strictly increasing within the day.
func (s Schedule) Validate() error {
	for i := 1; i < len(s.Times); i++ {
		if s.Times[i].minutes() <= s.Times[i-1].minutes() {
			return fmt.Errorf("%w: %s %s is not after %s %s", ErrInvalidSchedule,
				All[i], s.Times[i], All[i-1], s.Times[i-1])
		}
	}
	return nil
}

// IsZero reports whether the schedule was never set.
func (s Schedule) IsZero() bool { return s.Day.IsZero() }

// Time returns the instant of p on the schedule's own day.
func (s Schedule) Time(p Prayer) time.Time { return s.Times[p].On(s.Day) }

// Map renders the schedule as name → "HH:MM".
func (s Schedule) Map() map[string]string {
	out := make(map[string]string, len(s.Times))
	for _, p := range All {
		out[p.String()] = s.Times[p].String()
	}
	return out
}

// Midnight truncates t to the start of its calendar day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
