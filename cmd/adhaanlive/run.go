package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/somethingdevs/AdhaanLive/internal/agent"
	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/config"
	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/eventlog"
	"github.com/somethingdevs/AdhaanLive/internal/metrics"
	"github.com/somethingdevs/AdhaanLive/internal/monitor"
	"github.com/somethingdevs/AdhaanLive/internal/notify"
	"github.com/somethingdevs/AdhaanLive/internal/player"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
	"github.com/somethingdevs/AdhaanLive/internal/store"
	"github.com/somethingdevs/AdhaanLive/internal/stream"
	"github.com/somethingdevs/AdhaanLive/internal/web"
)

const (
	heartbeatInterval = time.Minute
	roomPollInterval  = 30 * time.Second
)

func run(ctx context.Context, cfgPath string, level *slog.LevelVar) error {
	hc, err := config.NewHotConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := hc.Get()
	level.Set(cfg.SlogLevel())
	loc := cfg.TimeLocation()

	st, err := store.NewStore(cfg.Storage.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	st.SetLocation(loc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met, err := metrics.New(reg)
	if err != nil {
		return err
	}

	// Schedule
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	keeper := prayer.NewKeeper(provider, st, keeperConfig(cfg))
	keeper.OnRefresh(met.ObserveScheduleRefresh)
	scheduler := prayer.NewScheduler(windowConfig(cfg))

	// Stream and playback
	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}
	handles := stream.NewCache(resolver, cfg.Stream.ID, cfg.Stream.RefreshInterval)
	ply := player.NewFFplay(cfg.Playback.Player, cfg.Playback.Fade)

	ctrl := controller.New(controllerConfig(cfg), handles, ply)
	ctrl.OnResolve(met.ObserveResolve)
	ctrl.SetPrayerLookup(func(t time.Time) prayer.Prayer {
		return scheduler.Nearest(t, keeper.Today())
	})

	// Detection chain
	opener := buildOpener(cfg)
	ag := agent.New(agentConfig(cfg), opener, handles, ctrl).WithObserver(met)
	if cfg.Storage.Recordings != "" {
		ag.WithRecorder(audio.NewRecorder(cfg.Storage.Recordings, opener.SampleRate()))
	}

	// Journal
	events, err := eventlog.Open(cfg.Storage.EventLog)
	if err != nil {
		return err
	}
	defer events.Close()
	events.WithLevels(func() (float64, float64) {
		s := ag.Stats()
		return s.Level, s.DB
	})

	notifiers := notify.NewPool()
	mq := notify.NewMQTTNotifier(notify.MQTTConfig{
		Broker:   cfg.MQTT.Broker,
		Topic:    cfg.MQTT.Topic,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	defer mq.Close()
	notifiers.Add(mq)
	bili := notify.NewBilibiliNotifier(cfg.Bilibili.RoomID, cfg.Bilibili.SESSDATA, cfg.Bilibili.BiliJCT, cfg.Bilibili.DanmakuMax)
	notifiers.Add(bili)

	// The agent goes first so a session's recording is attached before
	// anything persists it.
	ctrl.OnTransition(ag)
	ctrl.OnTransition(st)
	ctrl.OnTransition(events)
	ctrl.OnTransition(met)
	ctrl.OnTransition(notifiers)

	windows := monitor.NewWindowMonitor(scheduler, keeper, ctrl, cfg.Schedule.PollInterval)

	var room *monitor.RoomMonitor
	if cfg.Stream.Type == "bilibili" {
		room = monitor.NewRoomMonitor(cfg.Stream.RoomID, roomPollInterval)
	}

	deps := web.Deps{
		Controller: ctrl,
		Schedule:   keeper,
		Scheduler:  scheduler,
		Stats:      ag,
		Events:     events,
		Store:      st,
		Metrics:    met.Handler(),
		Recordings: cfg.Storage.Recordings,
	}
	if room != nil {
		deps.SourceLive = room.Live
	}
	srv := web.NewServer(deps, cfg.Web.Port)
	if err := srv.LoadLogins(); err != nil {
		slog.Warn("dashboard logins not restored", "err", err)
	}
	if err := srv.UpdateAuth(cfg.Web.Username, cfg.Web.Password); err != nil {
		return err
	}

	hc.OnReload(func(c *config.Config) {
		level.Set(c.SlogLevel())
		ag.SetTuning(tuningFrom(c))
		ctrl.SetConfig(controllerConfig(c))
		bili.UpdateCredentials(c.Bilibili.SESSDATA, c.Bilibili.BiliJCT, c.Bilibili.DanmakuMax)
		if err := srv.UpdateAuth(c.Web.Username, c.Web.Password); err != nil {
			slog.Error("update dashboard auth", "err", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return keeper.Run(gctx) })
	g.Go(func() error { return windows.Watch(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return ag.Run(gctx) })
	g.Go(func() error { return notifiers.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		if err := hc.Watch(gctx); err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		heartbeat(gctx, ctrl, ag, handles)
		return nil
	})
	if room != nil {
		g.Go(func() error {
			return room.Watch(gctx, func(ev monitor.RoomEvent) {
				if !ev.Live {
					ctrl.ReportSourceError(monitor.ErrRoomOffline)
				}
			})
		})
	}

	slog.Info("🕌 adhaanlive started",
		"stream", cfg.Stream.Type,
		"providers", cfg.Schedule.Providers,
		"web", fmt.Sprintf("http://localhost:%d", cfg.Web.Port),
	)
	err = g.Wait()
	slog.Info("shutting down...")
	return err
}

// heartbeat logs a one-line summary of the detector every minute.
func heartbeat(ctx context.Context, ctrl *controller.Controller, ag *agent.Agent, handles *stream.Cache) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := ctrl.Snapshot()
		stats := ag.Stats()
		attrs := []any{
			"state", snap.State,
			"noise_floor", fmt.Sprintf("%.4f", stats.NoiseFloor),
			"level", fmt.Sprintf("%.4f", stats.Level),
			"db", fmt.Sprintf("%.1f", stats.DB),
			"frames", stats.Processed,
			"dropped", stats.Dropped,
		}
		if h, ok := handles.Current(); ok {
			attrs = append(attrs, "stream_age", time.Since(h.ResolvedAt).Round(time.Second))
		}
		if stats.Degraded {
			attrs = append(attrs, "degraded", true)
		}
		slog.Info("💓 heartbeat", attrs...)
	}
}
