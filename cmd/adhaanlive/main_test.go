package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/config"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
	"github.com/somethingdevs/AdhaanLive/internal/stream"
)

func TestBuildProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.Providers = []string{"static"}
	cfg.Schedule.Static = map[string]string{
		"fajr": "05:30", "dhuhr": "12:15", "asr": "15:45", "maghrib": "18:20", "isha": "19:45",
	}
	p, err := buildProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	cfg.Schedule.Providers = []string{"aladhan", "astral"}
	p, err = buildProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &prayer.FallbackProvider{}, p)

	cfg.Schedule.Providers = []string{"almanac"}
	_, err = buildProvider(cfg)
	assert.Error(t, err)

	cfg.Schedule.Providers = nil
	_, err = buildProvider(cfg)
	assert.Error(t, err)
}

func TestBuildResolverAndOpener(t *testing.T) {
	cfg := config.Default()
	cfg.Stream.Type = "command"
	cfg.Stream.Command = []string{"yt-dlp", "-g", "https://example.com/live"}
	r, err := buildResolver(cfg)
	require.NoError(t, err)
	assert.IsType(t, &stream.CommandResolver{}, r)
	assert.IsType(t, &audio.Capturer{}, buildOpener(cfg))

	cfg.Stream.Type = "bilibili"
	cfg.Stream.RoomID = 21452505
	_, err = buildResolver(cfg)
	require.NoError(t, err)
	assert.IsType(t, audio.BilibiliOpener{}, buildOpener(cfg))

	cfg.Stream.Type = "rtsp"
	_, err = buildResolver(cfg)
	assert.Error(t, err)
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Detection.MaxDuration = 9 * time.Minute
	cfg.Schedule.Lead = time.Minute

	wc := windowConfig(cfg)
	assert.Equal(t, 9*time.Minute, wc.MaxAdhaan)
	assert.Equal(t, time.Minute, wc.Lead)

	cc := controllerConfig(cfg)
	assert.Equal(t, 9*time.Minute, cc.MaxDuration)
	assert.Equal(t, cfg.Schedule.ManualWindow, cc.ManualWindow)

	tu := tuningFrom(cfg)
	assert.Equal(t, cfg.Detection.Multiplier, tu.Classifier.Multiplier)
	assert.Equal(t, 0.05, tu.Classifier.SeedCeiling)
	assert.Equal(t, 9*time.Minute, tu.Detector.MaxDuration)
	assert.Equal(t, cfg.Audio.Frame, agentConfig(cfg).Frame)
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	rec := audio.NewRecorder(dir, 16000)

	frame := func(v int) audio.Frame {
		s := make([]int, 4000) // 250ms at 16kHz
		for i := range s {
			if i%2 == 0 {
				s[i] = v
			} else {
				s[i] = -v
			}
		}
		return audio.Frame{Samples: s}
	}
	_, err := rec.Start("adhaan", nil)
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		v := 100
		if i >= 40 && i < 80 {
			v = 8000
		}
		require.NoError(t, rec.Write(frame(v)))
	}
	path, err := rec.Stop()
	require.NoError(t, err)

	var out bytes.Buffer
	root := rootCommand(new(slog.LevelVar))
	root.SetOut(&out)
	root.SetArgs([]string{"simulate", "-c", filepath.Join(dir, "missing.yaml"), "--wav", path})
	require.NoError(t, root.Execute())

	got := out.String()
	assert.Contains(t, got, "started")
	assert.Contains(t, got, "ended")
	assert.Contains(t, got, "120 frames")
}

func TestSimulateRequiresWAV(t *testing.T) {
	root := rootCommand(new(slog.LevelVar))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"simulate"})
	assert.Error(t, root.Execute())
}
