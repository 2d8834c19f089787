package prayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	byDay map[string]Schedule
}

func newMemCache() *memCache { return &memCache{byDay: map[string]Schedule{}} }

func (m *memCache) SaveSchedule(_ context.Context, s Schedule) error {
	m.byDay[s.Day.Format(time.DateOnly)] = s
	return nil
}

func (m *memCache) LoadSchedule(_ context.Context, day time.Time) (Schedule, bool, error) {
	s, ok := m.byDay[day.Format(time.DateOnly)]
	return s, ok, nil
}

func (m *memCache) LatestSchedule(_ context.Context) (Schedule, bool, error) {
	var best Schedule
	for _, s := range m.byDay {
		if s.Day.After(best.Day) {
			best = s
		}
	}
	return best, !best.IsZero(), nil
}

func newTestKeeper(p Provider, c Cache, now time.Time) *Keeper {
	k := NewKeeper(p, c, KeeperConfig{Location: chicago, Attempts: 3, Backoff: time.Millisecond})
	k.now = func() time.Time { return now }
	return k
}

func TestKeeperRefreshRetriesThenSucceeds(t *testing.T) {
	p := &fakeProvider{name: "api", fails: 2, times: defaultTimes}
	cache := newMemCache()
	k := newTestKeeper(p, cache, at(day1, 9, 0))

	var hookErr error = context.Canceled
	k.OnRefresh(func(_ Schedule, err error) { hookErr = err })

	require.NoError(t, k.Refresh(context.Background()))
	assert.NoError(t, hookErr)
	s := k.Today()
	assert.Equal(t, day1, s.Day)
	assert.False(t, s.Stale)
	assert.NotNil(t, k.Tomorrow())
	assert.Contains(t, cache.byDay, "2026-04-10")
	assert.NoError(t, k.LastError())
}

func TestKeeperKeepsStaleScheduleOnFailure(t *testing.T) {
	p := &fakeProvider{name: "api", times: defaultTimes}
	k := newTestKeeper(p, nil, at(day1, 9, 0))
	require.NoError(t, k.Refresh(context.Background()))

	p.fails = -1
	k.now = func() time.Time { return at(day1.AddDate(0, 0, 1), 0, 1) }
	err := k.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrScheduleUnavailable)

	s := k.Today()
	assert.True(t, s.Stale)
	assert.Equal(t, day1, s.Day)
	assert.ErrorIs(t, k.LastError(), ErrScheduleUnavailable)
}

func TestKeeperSameDayFailureIsNotStale(t *testing.T) {
	p := &fakeProvider{name: "api", times: defaultTimes}
	k := newTestKeeper(p, nil, at(day1, 9, 0))
	require.NoError(t, k.Refresh(context.Background()))
	p.fails = -1
	assert.Error(t, k.Refresh(context.Background()))
	assert.False(t, k.Today().Stale)
}

func TestKeeperUsesCacheWhenProviderDown(t *testing.T) {
	cache := newMemCache()
	cached, err := NewSchedule(day1, defaultTimes, "aladhan")
	require.NoError(t, err)
	require.NoError(t, cache.SaveSchedule(context.Background(), cached))

	k := newTestKeeper(&fakeProvider{name: "api", fails: -1}, cache, at(day1, 9, 0))
	require.NoError(t, k.Refresh(context.Background()))
	assert.Equal(t, "aladhan", k.Today().Source)
	assert.False(t, k.Today().Stale)
}

func TestKeeperFallsBackToLatestCachedAfterRestart(t *testing.T) {
	cache := newMemCache()
	old, err := NewSchedule(day1.AddDate(0, 0, -2), defaultTimes, "aladhan")
	require.NoError(t, err)
	require.NoError(t, cache.SaveSchedule(context.Background(), old))

	k := newTestKeeper(&fakeProvider{name: "api", fails: -1}, cache, at(day1, 9, 0))
	assert.ErrorIs(t, k.Refresh(context.Background()), ErrScheduleUnavailable)
	assert.True(t, k.Today().Stale)
	assert.Equal(t, old.Day, k.Today().Day)
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	k := newTestKeeper(&fakeProvider{name: "api", times: defaultTimes}, nil, at(day1, 9, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return !k.Today().IsZero() }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
