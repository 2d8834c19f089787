// Package metrics exposes detection, playback and schedule metrics for
// Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
)

// Metrics implements agent.Observer and controller.Listener.
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed   prometheus.Counter
	framesDropped     prometheus.Counter
	loudFrames        prometheus.Counter
	noiseFloor        prometheus.Gauge
	level             prometheus.Gauge
	levelDB           prometheus.Gauge
	state             prometheus.Gauge
	transitions       *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	sessionDuration   prometheus.Histogram
	resolutions       *prometheus.CounterVec
	scheduleRefreshes *prometheus.CounterVec
	scheduleStale     prometheus.Gauge
}

// New creates the metrics and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adhaanlive_frames_processed_total",
			Help: "Audio frames classified",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adhaanlive_frames_dropped_total",
			Help: "Audio frames dropped because the detection chain was busy",
		}),
		loudFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adhaanlive_frames_loud_total",
			Help: "Audio frames classified loud",
		}),
		noiseFloor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adhaanlive_noise_floor",
			Help: "Adaptive noise floor, RMS on a 0-1 scale",
		}),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adhaanlive_level",
			Help: "RMS level of the last frame, 0-1 scale",
		}),
		levelDB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adhaanlive_level_dbfs",
			Help: "Level of the last frame in dBFS",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adhaanlive_state",
			Help: "Controller state (0 idle, 1 listening, 2 adhaan_active)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adhaanlive_transitions_total",
			Help: "Controller transitions by target state and reason",
		}, []string{"to", "reason"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adhaanlive_sessions_total",
			Help: "Finished Adhaan sessions by end reason",
		}, []string{"reason"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adhaanlive_session_duration_seconds",
			Help:    "Length of finished Adhaan sessions",
			Buckets: []float64{30, 60, 120, 180, 240, 300, 420, 600, 720},
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adhaanlive_stream_resolutions_total",
			Help: "Stream URL resolution attempts by result",
		}, []string{"result"}),
		scheduleRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adhaanlive_schedule_refreshes_total",
			Help: "Prayer schedule refreshes by result",
		}, []string{"result"}),
		scheduleStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adhaanlive_schedule_stale",
			Help: "1 when the previous day's schedule is in use",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.framesProcessed, m.framesDropped, m.loudFrames, m.noiseFloor, m.level, m.levelDB,
		m.state, m.transitions, m.sessions, m.sessionDuration, m.resolutions,
		m.scheduleRefreshes, m.scheduleStale,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameProcessed(f audio.Frame, s audio.Sample, noiseFloor float64) {
	m.framesProcessed.Inc()
	if s.Loud {
		m.loudFrames.Inc()
	}
	m.noiseFloor.Set(noiseFloor)
	m.level.Set(s.Level)
	m.levelDB.Set(f.DB())
}

func (m *Metrics) FrameDropped() { m.framesDropped.Inc() }

func (m *Metrics) OnTransition(tr controller.Transition) {
	m.state.Set(float64(tr.To))
	m.transitions.WithLabelValues(tr.To.String(), string(tr.Reason)).Inc()
	if tr.From == controller.AdhaanActive && tr.Session != nil {
		m.sessions.WithLabelValues(string(tr.Reason)).Inc()
		m.sessionDuration.Observe(tr.Session.Duration().Seconds())
	}
}

// ObserveResolve counts a stream resolution attempt.
func (m *Metrics) ObserveResolve(err error) {
	m.resolutions.WithLabelValues(result(err)).Inc()
}

// ObserveScheduleRefresh counts a schedule refresh.
func (m *Metrics) ObserveScheduleRefresh(s prayer.Schedule, err error) {
	m.scheduleRefreshes.WithLabelValues(result(err)).Inc()
	if s.Stale {
		m.scheduleStale.Set(1)
	} else {
		m.scheduleStale.Set(0)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
