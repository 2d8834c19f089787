package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Location  LocationConfig  `yaml:"location"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Stream    StreamConfig    `yaml:"stream"`
	Audio     AudioConfig     `yaml:"audio"`
	Detection DetectionConfig `yaml:"detection"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Web       WebConfig       `yaml:"web"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Bilibili  BilibiliConfig  `yaml:"bilibili"`
	Log       LogConfig       `yaml:"log"`
}

type LocationConfig struct {
	City      string  `yaml:"city"`
	Country   string  `yaml:"country"`
	Method    int     `yaml:"method"` // Aladhan calculation method id
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Timezone  string  `yaml:"timezone"` // IANA name, empty = local
}

// ScheduleConfig selects the prayer time source and the detection window shape.
type ScheduleConfig struct {
	Providers     []string          `yaml:"providers"` // tried in order: aladhan, astral, static
	Static        map[string]string `yaml:"static"`    // prayer name → "HH:MM"
	Lead          time.Duration     `yaml:"lead"`
	Trailing      time.Duration     `yaml:"trailing"`
	RetryInterval time.Duration     `yaml:"retry_interval"`
	MaxRetries    int               `yaml:"max_retries"`
	ManualWindow  time.Duration     `yaml:"manual_window"`
	PollInterval  time.Duration     `yaml:"poll_interval"`
}

type StreamConfig struct {
	ID              string        `yaml:"id"`
	Type            string        `yaml:"type"` // static | page | command | bilibili
	URL             string        `yaml:"url"`
	PageURL         string        `yaml:"page_url"`
	Command         []string      `yaml:"command"` // e.g. ["yt-dlp", "-g", "https://..."]
	RoomID          int64         `yaml:"room_id"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
}

type AudioConfig struct {
	FFmpeg     string        `yaml:"ffmpeg"`
	SampleRate int           `yaml:"sample_rate"`
	Frame      time.Duration `yaml:"frame"`
	PreRoll    time.Duration `yaml:"pre_roll"`
}

// DetectionConfig holds the classifier and debouncer tuning. Reloadable.
type DetectionConfig struct {
	Multiplier    float64       `yaml:"multiplier"`
	MinLevel      float64       `yaml:"min_level"`
	Alpha         float64       `yaml:"alpha"`
	SeedCeiling   float64       `yaml:"seed_ceiling"` // cap on the first-frame floor, 0 = none
	StartAfter    time.Duration `yaml:"start_after"`
	EndAfter      time.Duration `yaml:"end_after"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	DegradedDrops int           `yaml:"degraded_drops"`
}

type PlaybackConfig struct {
	Player string        `yaml:"player"`
	Fade   time.Duration `yaml:"fade"`
}

type WebConfig struct {
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type StorageConfig struct {
	DB         string `yaml:"db"`
	EventLog   string `yaml:"event_log"`
	Recordings string `yaml:"recordings"` // empty disables session recording
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BilibiliConfig struct {
	RoomID     int64  `yaml:"room_id"` // notification room, 0 disables
	SESSDATA   string `yaml:"sessdata"`
	BiliJCT    string `yaml:"bili_jct"`   // csrf token
	DanmakuMax int    `yaml:"danmaku_max"` // max chars per danmaku (default 20)
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with every tunable set.
func Default() *Config {
	return &Config{
		Location: LocationConfig{Method: 2},
		Schedule: ScheduleConfig{
			Providers:     []string{"aladhan", "astral"},
			Lead:          2 * time.Minute,
			Trailing:      2 * time.Minute,
			RetryInterval: 5 * time.Minute,
			MaxRetries:    3,
			ManualWindow:  20 * time.Minute,
			PollInterval:  5 * time.Second,
		},
		Stream: StreamConfig{
			ID:              "default",
			Type:            "static",
			RefreshInterval: 10 * time.Minute,
			MaxAttempts:     3,
			Backoff:         time.Second,
			BackoffMax:      30 * time.Second,
		},
		Audio: AudioConfig{
			FFmpeg:     "ffmpeg",
			SampleRate: 16000,
			Frame:      250 * time.Millisecond,
			PreRoll:    5 * time.Second,
		},
		Detection: DetectionConfig{
			Multiplier:    3.0,
			MinLevel:      0.02,
			Alpha:         0.05,
		SeedCeiling:   0.05,
			StartAfter:    3 * time.Second,
			EndAfter:      5 * time.Second,
			MaxDuration:   12 * time.Minute,
			StallTimeout:  8 * time.Second, // HLS delivers audio in segment-sized bursts
			DegradedDrops: 10,
		},
		Playback: PlaybackConfig{
			Player: "ffplay",
			Fade:   time.Second,
		},
		Web: WebConfig{Port: 8899},
		Storage: StorageConfig{
			DB:       "adhaanlive.db",
			EventLog: "adhaan_events.csv",
		},
		MQTT: MQTTConfig{
			Topic:    "adhaanlive/status",
			ClientID: "adhaanlive",
		},
		Bilibili: BilibiliConfig{DanmakuMax: 20},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file. Environment references like ${MQTT_PASSWORD}
// are expanded after an optional .env next to the working directory is loaded.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env failed", "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks fields that have no usable default.
func (c *Config) Validate() error {
	switch c.Stream.Type {
	case "static":
		if c.Stream.URL == "" {
			return errors.New("stream.url is required for type static")
		}
	case "page":
		if c.Stream.PageURL == "" {
			return errors.New("stream.page_url is required for type page")
		}
	case "command":
		if len(c.Stream.Command) == 0 {
			return errors.New("stream.command is required for type command")
		}
	case "bilibili":
		if c.Stream.RoomID == 0 {
			return errors.New("stream.room_id is required for type bilibili")
		}
	default:
		return fmt.Errorf("unknown stream.type %q", c.Stream.Type)
	}

	if len(c.Schedule.Providers) == 0 {
		return errors.New("schedule.providers is empty")
	}
	for _, p := range c.Schedule.Providers {
		switch p {
		case "aladhan":
			if c.Location.City == "" || c.Location.Country == "" {
				return errors.New("location.city and location.country are required for aladhan")
			}
		case "astral":
			if c.Location.Latitude == 0 && c.Location.Longitude == 0 {
				return errors.New("location.latitude and location.longitude are required for astral")
			}
		case "static":
			if len(c.Schedule.Static) != 5 {
				return errors.New("schedule.static needs all five prayers")
			}
		default:
			return fmt.Errorf("unknown schedule provider %q", p)
		}
	}

	d := c.Detection
	if d.Multiplier <= 1 {
		return fmt.Errorf("detection.multiplier must be > 1, got %v", d.Multiplier)
	}
	if d.Alpha <= 0 || d.Alpha > 1 {
		return fmt.Errorf("detection.alpha must be in (0,1], got %v", d.Alpha)
	}
	if d.SeedCeiling < 0 {
		return fmt.Errorf("detection.seed_ceiling must not be negative, got %v", d.SeedCeiling)
	}
	if d.StartAfter <= 0 || d.EndAfter <= 0 || d.MaxDuration <= d.StartAfter {
		return errors.New("detection durations must be positive and max_duration > start_after")
	}
	if c.Audio.Frame <= 0 || c.Audio.SampleRate <= 0 {
		return errors.New("audio.frame and audio.sample_rate must be positive")
	}
	if c.Stream.MaxAttempts < 1 {
		return errors.New("stream.max_attempts must be at least 1")
	}
	return nil
}

// TimeLocation returns the configured time zone, falling back to time.Local.
func (c *Config) TimeLocation() *time.Location {
	if c.Location.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Location.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, using local", "tz", c.Location.Timezone, "err", err)
		return time.Local
	}
	return loc
}

// SlogLevel maps log.level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
