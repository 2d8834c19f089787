// Package agent runs the ingestion chain for one livestream source:
// capture, frame cutting, loudness classification and event detection.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/detector"
	"github.com/somethingdevs/AdhaanLive/internal/stream"
)

var (
	// ErrSourceStalled means the capture produced no frames for too long.
	ErrSourceStalled = errors.New("frame source stalled")
	// ErrBackpressure means the chain fell a full frame behind with the
	// queue full, and a frame was dropped.
	ErrBackpressure = errors.New("classification backpressure")
)

// Controller is the part of the playback controller the agent talks to.
type Controller interface {
	DetectionEnabled() bool
	Submit(detector.Event) bool
	ReportSourceError(error)
	AttachRecording(sessionID, path string)
}

// URLSource resolves the stream to capture. *stream.Cache implements it.
type URLSource interface {
	Resolve(ctx context.Context) (stream.Handle, error)
}

// Observer is told about every processed and dropped frame.
type Observer interface {
	FrameProcessed(f audio.Frame, s audio.Sample, noiseFloor float64)
	FrameDropped()
}

// Tuning is the hot-reloadable part of the configuration.
type Tuning struct {
	Classifier    audio.ClassifierConfig
	Detector      detector.Config
	DegradedDrops int // drops within degradedWindow that mark detection degraded
}

type Config struct {
	Frame      time.Duration
	PreRoll    time.Duration
	Backoff    time.Duration
	BackoffMax time.Duration
	Tuning     Tuning
}

const (
	gatePoll       = 200 * time.Millisecond
	degradedWindow = 10 * time.Second
	// Audio queued between the reader and the chain. ffmpeg writes the
	// live-edge backlog and then whole HLS segments at once.
	queueSpan = 10 * time.Second
	// A connection delivering nothing for this many stall timeouts is
	// torn down and reopened.
	stallReconnectFactor = 4
)

// Stats is a snapshot of the chain for status and the heartbeat.
type Stats struct {
	Connected  bool      `json:"connected"`
	Processed  uint64    `json:"frames_processed"`
	Dropped    uint64    `json:"frames_dropped"`
	Reconnects uint64    `json:"reconnects"`
	Degraded   bool      `json:"degraded"`
	NoiseFloor float64   `json:"noise_floor"`
	Threshold  float64   `json:"threshold"`
	Level      float64   `json:"level"`
	DB         float64   `json:"db"`
	Peak       float64   `json:"peak"`
	Loud       bool      `json:"loud"`
	LastFrame  time.Time `json:"last_frame,omitzero"`
}

// Agent pulls frames only while the controller has detection enabled.
type Agent struct {
	cfg      Config
	opener   audio.Opener
	urls     URLSource
	ctrl     Controller
	recorder *audio.Recorder // nil disables recording
	observer Observer
	now      func() time.Time

	tuning  atomic.Pointer[Tuning]
	applied *Tuning

	// Owned by the processing goroutine.
	classifier *audio.Classifier
	detector   *detector.Detector
	lastEnd    time.Time // stream-clock end of the newest frame
	lastWall   time.Time // wall clock when it was processed

	recMu sync.Mutex
	ring  *audio.Ring

	mu    sync.RWMutex
	stats Stats
	drops []time.Time

	dropLog rate.Sometimes
}

func New(cfg Config, opener audio.Opener, urls URLSource, ctrl Controller) *Agent {
	ringSize := 1
	if cfg.Frame > 0 {
		ringSize = int(cfg.PreRoll/cfg.Frame) + 1
	}
	a := &Agent{
		cfg:        cfg,
		opener:     opener,
		urls:       urls,
		ctrl:       ctrl,
		now:        time.Now,
		classifier: audio.NewClassifier(cfg.Tuning.Classifier),
		detector:   detector.New(cfg.Tuning.Detector),
		ring:       audio.NewRing(ringSize),
		dropLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	t := cfg.Tuning
	a.tuning.Store(&t)
	a.applied = &t
	return a
}

// WithRecorder records every session, starting PreRoll before the onset.
func (a *Agent) WithRecorder(r *audio.Recorder) *Agent {
	a.recorder = r
	return a
}

func (a *Agent) WithObserver(o Observer) *Agent {
	a.observer = o
	return a
}

// SetTuning swaps classifier and detector thresholds. Safe to call from
// any goroutine; applied before the next frame.
func (a *Agent) SetTuning(t Tuning) {
	a.tuning.Store(&t)
}

func (a *Agent) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.stats
	st.Degraded = a.degradedLocked()
	return st
}

func (a *Agent) degradedLocked() bool {
	limit := a.tuning.Load().DegradedDrops
	if limit <= 0 {
		return false
	}
	cutoff := a.now().Add(-degradedWindow)
	n := 0
	for _, t := range a.drops {
		if t.After(cutoff) {
			n++
		}
	}
	return n > limit
}

// Run captures while detection is enabled and reconnects with backoff on
// capture errors. Blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.Backoff
	enabled := false

	for {
		closed, ok := a.waitEnabled(ctx)
		if !ok {
			return nil
		}
		if closed && enabled {
			enabled = false
			slog.Info("💤 detection disabled")
		}
		if !enabled {
			// Rising edge: start from a clean slate.
			a.classifier.Reset()
			a.detector.Reset()
			a.recMu.Lock()
			a.ring.Reset()
			a.recMu.Unlock()
			enabled = true
			slog.Info("🎧 detection enabled")
		}

		gotFrames, err := a.capture(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			enabled = false
			slog.Info("💤 detection disabled")
			backoff = a.cfg.Backoff
			continue
		}
		if gotFrames {
			backoff = a.cfg.Backoff
		}

		slog.Warn("capture ended, reconnecting", "err", err, "backoff", backoff)
		a.ctrl.ReportSourceError(err)
		a.mu.Lock()
		a.stats.Reconnects++
		a.mu.Unlock()

		closed, ok = a.pause(ctx, backoff)
		if !ok {
			return nil
		}
		if closed {
			// The window ended during the backoff; the next one starts clean.
			enabled = false
			slog.Info("💤 detection disabled")
		}
		backoff = min(backoff*2, a.cfg.BackoffMax)
	}
}

// waitEnabled blocks until the gate opens. closed reports whether the gate
// was seen closed on the way; ok is false when ctx ended.
func (a *Agent) waitEnabled(ctx context.Context) (closed, ok bool) {
	if a.ctrl.DetectionEnabled() {
		return false, true
	}
	ticker := time.NewTicker(gatePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, false
		case <-ticker.C:
			if a.ctrl.DetectionEnabled() {
				return true, true
			}
		}
	}
}

// pause sleeps for d and reports whether the gate was seen closed meanwhile.
func (a *Agent) pause(ctx context.Context, d time.Duration) (closed, ok bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(gatePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return closed, false
		case <-ticker.C:
			if !a.ctrl.DetectionEnabled() {
				closed = true
			}
		case <-timer.C:
			return closed || !a.ctrl.DetectionEnabled(), true
		}
	}
}

// capture runs one connection. It returns nil when the gate closes and an
// error when the source fails.
func (a *Agent) capture(ctx context.Context) (gotFrames bool, err error) {
	h, err := a.urls.Resolve(ctx)
	if err != nil {
		return false, err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rc, err := a.opener.Open(cctx, h.URL)
	if err != nil {
		return false, fmt.Errorf("open capture: %w", err)
	}

	a.setConnected(true)
	defer a.setConnected(false)

	fr := audio.NewFrameReader(rc, a.opener.SampleRate(), a.cfg.Frame, a.now())
	frames := make(chan audio.Frame, max(int(queueSpan/a.cfg.Frame), 1))
	// Written before frames is closed.
	var readErr error

	go func() {
		defer close(frames)
		for {
			f, err := fr.Next()
			if err != nil {
				readErr = err
				return
			}
			if !a.enqueue(cctx, frames, f) {
				return
			}
		}
	}()
	defer func() {
		cancel()
		_ = rc.Close()
		for range frames {
		}
	}()

	ticker := time.NewTicker(a.cfg.Frame)
	defer ticker.Stop()
	connectedAt := a.now()
	a.lastWall = time.Time{}

	for {
		select {
		case <-ctx.Done():
			return gotFrames, nil
		case f, ok := <-frames:
			if !ok {
				// Every queued frame has been processed.
				switch {
				case readErr == nil:
					return gotFrames, nil
				case errors.Is(readErr, io.EOF):
					return gotFrames, fmt.Errorf("capture ended: %w", readErr)
				default:
					return gotFrames, readErr
				}
			}
			gotFrames = true
			a.process(f)
		case <-ticker.C:
			if !a.ctrl.DetectionEnabled() {
				a.finishRecording()
				return gotFrames, nil
			}
			if err := a.tick(connectedAt); err != nil {
				return gotFrames, err
			}
		}
	}
}

// enqueue hands f to the chain. A full queue waits up to one frame
// duration for room before the frame is dropped. False means ctx ended.
func (a *Agent) enqueue(ctx context.Context, frames chan<- audio.Frame, f audio.Frame) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case frames <- f:
		return true
	default:
	}

	timer := time.NewTimer(f.Duration)
	defer timer.Stop()
	select {
	case frames <- f:
	case <-timer.C:
		a.dropped()
	case <-ctx.Done():
		return false
	}
	return true
}

// process runs one frame through the chain.
func (a *Agent) process(f audio.Frame) {
	a.applyTuning()

	s := a.classifier.Classify(f)

	a.recMu.Lock()
	a.ring.Push(f)
	if a.recorder != nil {
		if err := a.recorder.Write(f); err != nil {
			slog.Warn("write recording", "err", err)
		}
	}
	a.recMu.Unlock()

	a.lastEnd = f.Timestamp.Add(f.Duration)
	a.lastWall = a.now()

	floor := a.classifier.NoiseFloor()
	a.mu.Lock()
	a.stats.Processed++
	a.stats.NoiseFloor = floor
	a.stats.Threshold = s.Threshold
	a.stats.Level = f.RMS
	a.stats.DB = f.DB()
	a.stats.Peak = f.Peak
	a.stats.Loud = s.Loud
	a.stats.LastFrame = f.Timestamp
	a.mu.Unlock()

	if a.observer != nil {
		a.observer.FrameProcessed(f, s, floor)
	}

	if ev, ok := a.detector.Observe(s); ok {
		a.emit(ev)
	}
}

// tick applies the no-frames rules. The detector works on the stream
// clock, so wall time since the last frame is projected onto it.
func (a *Agent) tick(connectedAt time.Time) error {
	stall := a.tuning.Load().Detector.StallTimeout
	now := a.now()

	if a.lastWall.IsZero() {
		if stall > 0 && now.Sub(connectedAt) >= stallReconnectFactor*stall {
			return fmt.Errorf("%w: no audio %s after connect", ErrSourceStalled, now.Sub(connectedAt).Round(time.Second))
		}
		return nil
	}

	gap := now.Sub(a.lastWall)
	if ev, ok := a.detector.Tick(a.lastEnd.Add(gap)); ok {
		a.emit(ev)
	}
	if stall > 0 && gap >= stallReconnectFactor*stall {
		return fmt.Errorf("%w: no frames for %s", ErrSourceStalled, gap.Round(time.Second))
	}
	return nil
}

func (a *Agent) emit(ev detector.Event) {
	switch ev.Kind {
	case detector.Started:
		slog.Info("📈 loud run detected", "onset", ev.At.Format(time.TimeOnly), "level", fmt.Sprintf("%.4f", ev.Level))
	case detector.Ended:
		slog.Info("📉 adhaan end detected", "at", ev.At.Format(time.TimeOnly), "reason", ev.Reason)
	}
	if !a.ctrl.Submit(ev) {
		slog.Error("controller rejected event", "kind", ev.Kind)
	}
}

func (a *Agent) applyTuning() {
	t := a.tuning.Load()
	if t == a.applied {
		return
	}
	a.classifier.SetConfig(t.Classifier)
	a.detector.SetConfig(t.Detector)
	a.applied = t
	slog.Info("detection tuning applied", "multiplier", t.Classifier.Multiplier,
		"start_after", t.Detector.StartAfter, "end_after", t.Detector.EndAfter)
}

func (a *Agent) dropped() {
	a.mu.Lock()
	a.stats.Dropped++
	now := a.now()
	a.drops = append(a.drops, now)
	cutoff := now.Add(-degradedWindow)
	i := 0
	for i < len(a.drops) && !a.drops[i].After(cutoff) {
		i++
	}
	a.drops = a.drops[i:]
	total := a.stats.Dropped
	a.mu.Unlock()

	if a.observer != nil {
		a.observer.FrameDropped()
	}
	a.dropLog.Do(func() {
		slog.Warn("dropping frames", "err", ErrBackpressure, "total", total)
	})
}

func (a *Agent) setConnected(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Connected = v
}

// OnTransition starts and stops session recordings.
func (a *Agent) OnTransition(tr controller.Transition) {
	if a.recorder == nil || tr.Session == nil {
		return
	}
	switch {
	case tr.To == controller.AdhaanActive:
		a.recMu.Lock()
		preroll := a.ring.Frames()
		path, err := a.recorder.Start(tr.Session.ID, preroll)
		a.recMu.Unlock()
		if err != nil {
			slog.Error("start recording", "session", tr.Session.ID, "err", err)
			return
		}
		a.ctrl.AttachRecording(tr.Session.ID, path)
	case tr.From == controller.AdhaanActive:
		a.finishRecording()
	}
}

func (a *Agent) finishRecording() {
	if a.recorder == nil {
		return
	}
	a.recMu.Lock()
	defer a.recMu.Unlock()
	if _, err := a.recorder.Stop(); err != nil {
		slog.Error("stop recording", "err", err)
	}
}
