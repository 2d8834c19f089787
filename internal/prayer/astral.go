package prayer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sj14/astral/pkg/astral"
)

// AstralProvider computes times locally from the sun position. It needs no
// network and is the natural fallback for the HTTP provider.
//
// Fajr and Isha use the Muslim World League angles (18° and 17°), Dhuhr is
// solar noon, Maghrib is sunset and Asr uses a shadow factor of one.
type AstralProvider struct {
	observer     astral.Observer
	shadowFactor float64
}

func NewAstralProvider(latitude, longitude float64) *AstralProvider {
	return &AstralProvider{
		observer:     astral.Observer{Latitude: latitude, Longitude: longitude},
		shadowFactor: 1,
	}
}

func (a *AstralProvider) Name() string { return "astral" }

func (a *AstralProvider) Schedule(_ context.Context, day time.Time) (Schedule, error) {
	loc := day.Location()
	date := Midnight(day)

	dawn, err := astral.Dawn(a.observer, date, 18.0)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to calculate fajr: %w", err)
	}
	sunrise, err := astral.Sunrise(a.observer, date)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to calculate sunrise: %w", err)
	}
	sunset, err := astral.Sunset(a.observer, date)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to calculate sunset: %w", err)
	}
	dusk, err := astral.Dusk(a.observer, date, 17.0)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to calculate isha: %w", err)
	}

	noon := sunrise.Add(sunset.Sub(sunrise) / 2)
	asrOffset, err := asrHourAngle(a.observer.Latitude, declination(date), a.shadowFactor)
	if err != nil {
		return Schedule{}, err
	}
	asr := noon.Add(asrOffset)

	// Round up to the minute so no time falls before the astronomical event.
	clock := func(t time.Time) Clock {
		return ClockOf(t.In(loc).Add(59 * time.Second))
	}
	times := [5]Clock{clock(dawn), clock(noon), clock(asr), clock(sunset), clock(dusk)}
	return NewSchedule(day, times, a.Name())
}

// declination approximates the solar declination in degrees.
func declination(day time.Time) float64 {
	n := float64(day.YearDay())
	return -23.44 * math.Cos(2*math.Pi/365*(n+10))
}

// asrHourAngle is the time after solar noon when an object's shadow equals
// factor times its length plus its noon shadow.
func asrHourAngle(latitude, decl, factor float64) (time.Duration, error) {
	rad := math.Pi / 180
	phi, delta := latitude*rad, decl*rad
	alt := math.Atan(1 / (factor + math.Tan(math.Abs(phi-delta))))
	cosH := (math.Sin(alt) - math.Sin(phi)*math.Sin(delta)) / (math.Cos(phi) * math.Cos(delta))
	if cosH < -1 || cosH > 1 {
		return 0, errors.New("asr undefined at this latitude and date")
	}
	hours := math.Acos(cosH) / rad / 15
	return time.Duration(hours * float64(time.Hour)), nil
}
