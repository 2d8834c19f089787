package prayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cache persists schedules so a restart without network still has one.
type Cache interface {
	SaveSchedule(ctx context.Context, s Schedule) error
	LoadSchedule(ctx context.Context, day time.Time) (Schedule, bool, error)
	LatestSchedule(ctx context.Context) (Schedule, bool, error)
}

type KeeperConfig struct {
	Location      *time.Location
	Attempts      int           // fetch attempts per refresh
	Backoff       time.Duration // first delay between attempts, doubled each time
	RetryInterval time.Duration // delay before the next refresh after a failure
}

// Keeper owns the current schedule. It refreshes once per calendar day and
// keeps the previous schedule, flagged stale, when a refresh fails.
type Keeper struct {
	provider Provider
	cache    Cache
	cfg      KeeperConfig
	now      func() time.Time

	mu        sync.RWMutex
	today     Schedule
	tomorrow  *Schedule
	refreshed time.Time
	lastErr   error
	hooks     []func(Schedule, error)
}

func NewKeeper(p Provider, cache Cache, cfg KeeperConfig) *Keeper {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	return &Keeper{provider: p, cache: cache, cfg: cfg, now: time.Now}
}

// OnRefresh registers a callback run after every refresh attempt.
func (k *Keeper) OnRefresh(fn func(Schedule, error)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hooks = append(k.hooks, fn)
}

// Today returns the schedule in effect. It may be stale or zero.
func (k *Keeper) Today() Schedule {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.today
}

// Tomorrow returns the next day's schedule when it was fetched.
func (k *Keeper) Tomorrow() *Schedule {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.tomorrow == nil {
		return nil
	}
	s := *k.tomorrow
	return &s
}

// Refreshed is when the last successful refresh happened.
func (k *Keeper) Refreshed() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.refreshed
}

// LastError is the error of the most recent refresh, nil on success.
func (k *Keeper) LastError() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastErr
}

// Refresh fetches today's schedule, falling back to the cache and then to
// the schedule already held. The returned error wraps
// ErrScheduleUnavailable when only a stale schedule is left.
func (k *Keeper) Refresh(ctx context.Context) error {
	day := Midnight(k.now().In(k.cfg.Location))

	s, err := k.fetch(ctx, day)
	if err == nil {
		if k.cache != nil {
			if cerr := k.cache.SaveSchedule(ctx, s); cerr != nil {
				slog.Warn("cache schedule failed", "err", cerr)
			}
		}
	} else if cached, ok := k.cached(ctx, day); ok {
		slog.Warn("schedule provider failed, using cached schedule", "day", day.Format(time.DateOnly), "err", err)
		s, err = cached, nil
	}

	if err != nil {
		if !errors.Is(err, ErrScheduleUnavailable) {
			err = fmt.Errorf("%w: %w", ErrScheduleUnavailable, err)
		}
		k.mu.Lock()
		if k.today.IsZero() && k.cache != nil {
			if latest, ok, lerr := k.cache.LatestSchedule(ctx); lerr == nil && ok {
				k.today = latest
			}
		}
		if !k.today.IsZero() && !k.today.Day.Equal(day) {
			k.today.Stale = true
		}
		k.lastErr = err
		held := k.today
		hooks := k.hooks
		k.mu.Unlock()

		slog.Error("⚠️ schedule refresh failed", "day", day.Format(time.DateOnly), "stale", held.Stale, "err", err)
		for _, fn := range hooks {
			fn(held, err)
		}
		return err
	}

	var next *Schedule
	if t, terr := k.provider.Schedule(ctx, day.AddDate(0, 0, 1)); terr == nil {
		next = &t
	}

	k.mu.Lock()
	k.today = s
	k.tomorrow = next
	k.refreshed = k.now()
	k.lastErr = nil
	hooks := k.hooks
	k.mu.Unlock()

	slog.Info("🕌 schedule refreshed", "day", day.Format(time.DateOnly), "source", s.Source, "times", s.Map())
	for _, fn := range hooks {
		fn(s, nil)
	}
	return nil
}

func (k *Keeper) fetch(ctx context.Context, day time.Time) (Schedule, error) {
	backoff := k.cfg.Backoff
	var err error
	for attempt := 1; attempt <= k.cfg.Attempts; attempt++ {
		var s Schedule
		s, err = k.provider.Schedule(ctx, day)
		if err == nil {
			return s, nil
		}
		if attempt == k.cfg.Attempts {
			break
		}
		slog.Warn("schedule fetch failed, retrying", "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Schedule{}, ctx.Err()
		}
		backoff *= 2
	}
	return Schedule{}, err
}

func (k *Keeper) cached(ctx context.Context, day time.Time) (Schedule, bool) {
	if k.cache == nil {
		return Schedule{}, false
	}
	s, ok, err := k.cache.LoadSchedule(ctx, day)
	if err != nil {
		slog.Warn("load cached schedule failed", "err", err)
		return Schedule{}, false
	}
	return s, ok
}

// Run refreshes now and then shortly after each midnight, retrying failed
// refreshes every RetryInterval. Blocks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	for {
		wait := k.untilNextDay()
		if err := k.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = min(wait, k.cfg.RetryInterval)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (k *Keeper) untilNextDay() time.Duration {
	now := k.now().In(k.cfg.Location)
	next := Midnight(now).AddDate(0, 0, 1).Add(time.Minute)
	return next.Sub(now)
}
