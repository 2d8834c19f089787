package prayer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrScheduleUnavailable is returned when no provider could produce a
// schedule for the requested day.
var ErrScheduleUnavailable = errors.New("schedule unavailable")

// Provider supplies the prayer times of one calendar day. day carries the
// location the times should be expressed in.
type Provider interface {
	Name() string
	Schedule(ctx context.Context, day time.Time) (Schedule, error)
}

// StaticProvider returns the same clock times every day.
type StaticProvider struct {
	times [5]Clock
}

// NewStaticProvider parses a name → "HH:MM" table covering all five prayers.
func NewStaticProvider(table map[string]string) (*StaticProvider, error) {
	var times [5]Clock
	seen := 0
	for name, v := range table {
		p, err := ParsePrayer(name)
		if err != nil {
			return nil, err
		}
		c, err := ParseClock(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		times[p] = c
		seen |= 1 << p
	}
	if seen != 0b11111 {
		return nil, errors.New("static schedule must list all five prayers")
	}
	if err := (Schedule{Times: times}).Validate(); err != nil {
		return nil, err
	}
	return &StaticProvider{times: times}, nil
}

func (s *StaticProvider) Name() string { return "static" }

func (s *StaticProvider) Schedule(_ context.Context, day time.Time) (Schedule, error) {
	return NewSchedule(day, s.times, s.Name())
}

// FallbackProvider tries providers in order and returns the first success.
type FallbackProvider struct {
	providers []Provider
}

func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	return &FallbackProvider{providers: providers}
}

func (f *FallbackProvider) Name() string { return "fallback" }

func (f *FallbackProvider) Schedule(ctx context.Context, day time.Time) (Schedule, error) {
	var errs []error
	for _, p := range f.providers {
		s, err := p.Schedule(ctx, day)
		if err == nil {
			return s, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return Schedule{}, fmt.Errorf("%w: %w", ErrScheduleUnavailable, errors.Join(errs...))
}
