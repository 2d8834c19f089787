package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
)

var chicago = time.FixedZone("CDT", -5*3600)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	s.SetLocation(chicago)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdhaanSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 10, 12, 16, 3, 0, chicago)

	open := controller.Session{ID: "a", Prayer: prayer.Dhuhr, Start: start, Level: 0.31}
	require.NoError(t, s.SaveAdhaanSession(ctx, open))

	end := start.Add(4 * time.Minute)
	closed := open
	closed.End = &end
	closed.EndReason = "quiet"
	closed.RecordingPath = "rec/a.wav"
	require.NoError(t, s.SaveAdhaanSession(ctx, closed))

	later := controller.Session{ID: "b", Prayer: prayer.NoPrayer, Start: start.Add(3 * time.Hour)}
	require.NoError(t, s.SaveAdhaanSession(ctx, later))

	got, err := s.RecentAdhaanSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, prayer.NoPrayer, got[0].Prayer)
	assert.Nil(t, got[0].End)

	a := got[1]
	assert.Equal(t, prayer.Dhuhr, a.Prayer)
	assert.True(t, start.Equal(a.Start))
	require.NotNil(t, a.End)
	assert.True(t, end.Equal(*a.End))
	assert.Equal(t, "quiet", a.EndReason)
	assert.Equal(t, "rec/a.wav", a.RecordingPath)
	assert.InDelta(t, 0.31, a.Level, 1e-9)

	got, err = s.RecentAdhaanSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOnTransitionPersistsSession(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 4, 10, 5, 31, 0, 0, chicago)

	s.OnTransition(controller.Transition{To: controller.Listening})
	s.OnTransition(controller.Transition{
		To:      controller.AdhaanActive,
		Session: &controller.Session{ID: "x", Prayer: prayer.Fajr, Start: start},
	})

	got, err := s.RecentAdhaanSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, prayer.Fajr, got[0].Prayer)
}

func TestScheduleCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 10, 0, 0, 0, 0, chicago)

	_, ok, err := s.LatestSchedule(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	sched, err := prayer.NewSchedule(day, [5]prayer.Clock{{5, 30}, {12, 15}, {15, 45}, {18, 20}, {19, 45}}, "aladhan")
	require.NoError(t, err)
	require.NoError(t, s.SaveSchedule(ctx, sched))

	next, err := prayer.NewSchedule(day.AddDate(0, 0, 1), [5]prayer.Clock{{5, 29}, {12, 15}, {15, 45}, {18, 21}, {19, 46}}, "astral")
	require.NoError(t, err)
	require.NoError(t, s.SaveSchedule(ctx, next))

	got, ok, err := s.LoadSchedule(ctx, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sched.Times, got.Times)
	assert.Equal(t, "aladhan", got.Source)
	assert.True(t, day.Equal(got.Day))

	latest, ok, err := s.LatestSchedule(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "astral", latest.Source)

	_, ok, err = s.LoadSchedule(ctx, day.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureAdmin("imam", "first"))
	require.NoError(t, s.EnsureAdmin("imam", "second"))

	u, err := s.Authenticate("imam", "first")
	require.NoError(t, err)
	assert.Nil(t, u, "password was reset")

	u, err = s.Authenticate("imam", "second")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.IsAdmin)

	u, err = s.Authenticate("nobody", "second")
	require.NoError(t, err)
	assert.Nil(t, u)

	got, err := s.GetUser(1)
	require.NoError(t, err)
	assert.Equal(t, "imam", got.Username)
}

func TestLogins(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureAdmin("imam", "pw"))

	require.NoError(t, s.SaveLogin("live", 1, time.Now().Add(time.Hour)))
	require.NoError(t, s.SaveLogin("old", 1, time.Now().Add(-time.Hour)))

	logins, err := s.LoadLogins(time.Now())
	require.NoError(t, err)
	assert.Contains(t, logins, "live")
	assert.NotContains(t, logins, "old")

	s.CleanExpiredLogins(time.Now())
	require.NoError(t, s.DeleteLogin("live"))
	logins, err = s.LoadLogins(time.Now())
	require.NoError(t, err)
	assert.Empty(t, logins)
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	s.Log("imam", "stop_playback", "state=idle", "10.0.0.2")
	s.Log("imam", "start_detection", "", "10.0.0.2")

	entries, err := s.GetAuditLog(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "start_detection", entries[0].Action)
	assert.Equal(t, "state=idle", entries[1].Detail)
}
