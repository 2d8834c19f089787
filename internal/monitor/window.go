// Package monitor watches the outside world on a ticker and reports
// transitions: prayer windows opening and closing, and the source room
// going live or offline.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/prayer"
)

// ScheduleSource supplies the schedule in effect. *prayer.Keeper implements it.
type ScheduleSource interface {
	Today() prayer.Schedule
}

// WindowTarget receives window transitions. *controller.Controller implements it.
type WindowTarget interface {
	OpenWindow(prayer.Window)
	CloseWindow(prayer.Window)
}

// WindowMonitor polls the scheduler and reports when the active prayer
// window changes.
type WindowMonitor struct {
	sched    *prayer.Scheduler
	source   ScheduleSource
	target   WindowTarget
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current prayer.Window
}

func NewWindowMonitor(sched *prayer.Scheduler, source ScheduleSource, target WindowTarget, interval time.Duration) *WindowMonitor {
	return &WindowMonitor{
		sched:    sched,
		source:   source,
		target:   target,
		interval: interval,
		now:      time.Now,
	}
}

// Current is the window open right now, zero when none.
func (m *WindowMonitor) Current() prayer.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Watch checks the schedule every interval. Blocks until ctx is cancelled;
// an open window is closed on return.
func (m *WindowMonitor) Watch(ctx context.Context) error {
	slog.Info("window monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			w := m.current
			m.current = prayer.Window{}
			m.mu.Unlock()
			if !w.IsZero() {
				m.target.CloseWindow(w)
			}
			return nil
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *WindowMonitor) check() {
	now := m.now()
	sched := m.source.Today()
	w, ok := m.sched.ActiveWindow(now, sched)

	m.mu.Lock()
	prev := m.current
	changed := !prev.PrayerTime.Equal(w.PrayerTime)
	if changed {
		m.current = w
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	// Send outside the lock; the target may take its own.
	if !prev.IsZero() {
		slog.Info("🌙 window closed", "prayer", prev.Prayer)
		m.target.CloseWindow(prev)
		if !sched.IsZero() {
			next := m.sched.NextWindow(now, sched)
			slog.Info("next window", "prayer", next.Prayer, "start", next.Start.Format("Jan 2 15:04"))
		}
	}
	if ok {
		slog.Info("🌅 window opened", "prayer", w.Prayer, "prayer_time", w.PrayerTime.Format("15:04"),
			"end", w.End.Format("15:04"), "stale", sched.Stale)
		m.target.OpenWindow(w)
	}
}
