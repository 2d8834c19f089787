package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/somethingdevs/AdhaanLive/internal/agent"
	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/config"
	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/detector"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
	"github.com/somethingdevs/AdhaanLive/internal/stream"
)

// loadOrDefault reads the config file, falling back to defaults when it
// does not exist. Offline commands use it; run requires a real file.
func loadOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func buildProvider(cfg *config.Config) (prayer.Provider, error) {
	var providers []prayer.Provider
	for _, name := range cfg.Schedule.Providers {
		switch name {
		case "aladhan":
			providers = append(providers, prayer.NewAladhanProvider(cfg.Location.City, cfg.Location.Country, cfg.Location.Method))
		case "astral":
			providers = append(providers, prayer.NewAstralProvider(cfg.Location.Latitude, cfg.Location.Longitude))
		case "static":
			p, err := prayer.NewStaticProvider(cfg.Schedule.Static)
			if err != nil {
				return nil, fmt.Errorf("static schedule: %w", err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("unknown schedule provider %q", name)
		}
	}
	switch len(providers) {
	case 0:
		return nil, errors.New("no schedule provider configured")
	case 1:
		return providers[0], nil
	default:
		return prayer.NewFallbackProvider(providers...), nil
	}
}

func buildResolver(cfg *config.Config) (stream.Resolver, error) {
	sc := cfg.Stream
	switch sc.Type {
	case "static":
		return stream.NewStaticResolver(sc.URL), nil
	case "page":
		return stream.NewPageResolver(sc.PageURL), nil
	case "command":
		return stream.NewCommandResolver(sc.Command), nil
	case "bilibili":
		return stream.NewBilibiliResolver(sc.RoomID), nil
	default:
		return nil, fmt.Errorf("unknown stream type %q", sc.Type)
	}
}

func buildOpener(cfg *config.Config) audio.Opener {
	if cfg.Stream.Type == "bilibili" {
		return audio.BilibiliOpener{}
	}
	return audio.NewCapturer(cfg.Audio.FFmpeg, cfg.Audio.SampleRate)
}

func tuningFrom(cfg *config.Config) agent.Tuning {
	d := cfg.Detection
	return agent.Tuning{
		Classifier: audio.ClassifierConfig{
			Multiplier:  d.Multiplier,
			MinLevel:    d.MinLevel,
			Alpha:       d.Alpha,
			SeedCeiling: d.SeedCeiling,
		},
		Detector: detector.Config{
			StartAfter:   d.StartAfter,
			EndAfter:     d.EndAfter,
			MaxDuration:  d.MaxDuration,
			StallTimeout: d.StallTimeout,
		},
		DegradedDrops: d.DegradedDrops,
	}
}

func agentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Frame:      cfg.Audio.Frame,
		PreRoll:    cfg.Audio.PreRoll,
		Backoff:    cfg.Stream.Backoff,
		BackoffMax: cfg.Stream.BackoffMax,
		Tuning:     tuningFrom(cfg),
	}
}

func controllerConfig(cfg *config.Config) controller.Config {
	return controller.Config{
		MaxAttempts:     cfg.Stream.MaxAttempts,
		Backoff:         cfg.Stream.Backoff,
		BackoffMax:      cfg.Stream.BackoffMax,
		RefreshInterval: cfg.Stream.RefreshInterval,
		MaxDuration:     cfg.Detection.MaxDuration,
		ManualWindow:    cfg.Schedule.ManualWindow,
	}
}

func windowConfig(cfg *config.Config) prayer.WindowConfig {
	return prayer.WindowConfig{
		Lead:      cfg.Schedule.Lead,
		MaxAdhaan: cfg.Detection.MaxDuration,
		Trailing:  cfg.Schedule.Trailing,
	}
}

func keeperConfig(cfg *config.Config) prayer.KeeperConfig {
	return prayer.KeeperConfig{
		Location:      cfg.TimeLocation(),
		Attempts:      cfg.Schedule.MaxRetries,
		RetryInterval: cfg.Schedule.RetryInterval,
	}
}
