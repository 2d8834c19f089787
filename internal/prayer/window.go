package prayer

import "time"

// WindowConfig shapes the detection window around each prayer:
// [time-Lead, time+MaxAdhaan+Trailing].
type WindowConfig struct {
	Lead      time.Duration
	MaxAdhaan time.Duration
	Trailing  time.Duration
}

func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Lead: 2 * time.Minute, MaxAdhaan: 12 * time.Minute, Trailing: 2 * time.Minute}
}

// Window is the detection interval for one prayer occurrence. PrayerTime
// identifies the occurrence.
type Window struct {
	Prayer     Prayer    `json:"prayer"`
	PrayerTime time.Time `json:"prayer_time"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func (w Window) IsZero() bool { return w.PrayerTime.IsZero() }

// Contains reports whether t is within [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Position is the answer to "which prayer is it now".
type Position struct {
	Current  Prayer    `json:"current"` // NoPrayer before Fajr
	Next     Prayer    `json:"next"`
	NextTime time.Time `json:"next_time"`
}

// Scheduler answers window and position questions for a schedule. The
// schedule's clock times are applied to the calendar day of now, so a stale
// schedule keeps working on the following day.
type Scheduler struct {
	cfg WindowConfig
}

func NewScheduler(cfg WindowConfig) *Scheduler {
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) Config() WindowConfig { return s.cfg }

func (s *Scheduler) window(p Prayer, at time.Time) Window {
	return Window{
		Prayer:     p,
		PrayerTime: at,
		Start:      at.Add(-s.cfg.Lead),
		End:        at.Add(s.cfg.MaxAdhaan + s.cfg.Trailing),
	}
}

// ActiveWindow returns the window containing now, if any. Yesterday and
// tomorrow are checked too so windows crossing midnight are found.
func (s *Scheduler) ActiveWindow(now time.Time, sched Schedule) (Window, bool) {
	if sched.IsZero() {
		return Window{}, false
	}
	now = now.In(sched.Day.Location())
	today := Midnight(now)
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today, today.AddDate(0, 0, 1)} {
		for _, p := range All {
			w := s.window(p, sched.Times[p].On(day))
			if w.Contains(now) {
				return w, true
			}
		}
	}
	return Window{}, false
}

// ShouldDetect reports whether now falls inside any prayer's window.
func (s *Scheduler) ShouldDetect(now time.Time, sched Schedule) bool {
	_, ok := s.ActiveWindow(now, sched)
	return ok
}

// NextWindow returns the first window starting after now.
func (s *Scheduler) NextWindow(now time.Time, sched Schedule) Window {
	now = now.In(sched.Day.Location())
	today := Midnight(now)
	for _, day := range []time.Time{today, today.AddDate(0, 0, 1)} {
		for _, p := range All {
			w := s.window(p, sched.Times[p].On(day))
			if w.Start.After(now) {
				return w
			}
		}
	}
	return Window{}
}

// CurrentAndNext orders the prayers of now's day. After Isha the next
// prayer is tomorrow's Fajr, taken from tomorrow when available and
// otherwise from today's Fajr rolled forward one day.
func (s *Scheduler) CurrentAndNext(now time.Time, today Schedule, tomorrow *Schedule) Position {
	loc := today.Day.Location()
	now = now.In(loc)
	day := Midnight(now)

	pos := Position{Current: NoPrayer}
	for _, p := range All {
		at := today.Times[p].On(day)
		if now.Before(at) {
			pos.Next = p
			pos.NextTime = at
			return pos
		}
		pos.Current = p
	}

	fajr := today.Times[Fajr]
	if tomorrow != nil && !tomorrow.IsZero() {
		fajr = tomorrow.Times[Fajr]
	}
	pos.Next = Fajr
	pos.NextTime = fajr.On(day.AddDate(0, 0, 1))
	return pos
}

// Nearest returns the prayer occurrence closest to t.
func (s *Scheduler) Nearest(t time.Time, sched Schedule) Prayer {
	t = t.In(sched.Day.Location())
	today := Midnight(t)
	best, bestGap := NoPrayer, time.Duration(1<<62)
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today, today.AddDate(0, 0, 1)} {
		for _, p := range All {
			gap := t.Sub(sched.Times[p].On(day))
			if gap < 0 {
				gap = -gap
			}
			if gap < bestGap {
				best, bestGap = p, gap
			}
		}
	}
	return best
}
