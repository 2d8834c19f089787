// Package controller owns the playback state machine: it decides when
// detection runs, turns Adhaan events into playback sessions and keeps the
// stream URL fresh while a session plays.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somethingdevs/AdhaanLive/internal/detector"
	"github.com/somethingdevs/AdhaanLive/internal/player"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
	"github.com/somethingdevs/AdhaanLive/internal/stream"
)

// ErrPlaybackFailure is recorded when playback could not be (re)started
// within the configured number of attempts.
var ErrPlaybackFailure = errors.New("playback failure")

type State int

const (
	Idle State = iota
	Listening
	AdhaanActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case AdhaanActive:
		return "adhaan_active"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Listening, AdhaanActive} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Reason names what caused a transition.
type Reason string

const (
	ReasonWindowOpen      Reason = "window_open"
	ReasonWindowClose     Reason = "window_close"
	ReasonNoAdhaan        Reason = "no_adhaan"
	ReasonOperatorStart   Reason = "operator_start"
	ReasonManualExpired   Reason = "manual_expired"
	ReasonAdhaanStarted   Reason = "adhaan_started"
	ReasonAdhaanEnded     Reason = "adhaan_ended"
	ReasonTimeout         Reason = "timeout"
	ReasonOperatorStop    Reason = "operator_stop"
	ReasonPlaybackFailure Reason = "playback_failure"
	ReasonShutdown        Reason = "shutdown"
)

// Session is one detected Adhaan from start to end.
type Session struct {
	ID            string        `json:"id"`
	Prayer        prayer.Prayer `json:"prayer"`
	Start         time.Time     `json:"start"`
	End           *time.Time    `json:"end,omitempty"`
	EndReason     string        `json:"end_reason,omitempty"`
	RecordingPath string        `json:"recording_path,omitempty"`
	Refreshes     int           `json:"refreshes"`
	Level         float64       `json:"level"` // level at onset
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.End != nil {
		end := *s.End
		cp.End = &end
	}
	return &cp
}

// Duration is End-Start, or zero while the session is open.
func (s *Session) Duration() time.Duration {
	if s == nil || s.End == nil {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Failure describes the last unrecoverable playback error.
type Failure struct {
	At      time.Time `json:"at"`
	Session string    `json:"session,omitempty"`
	Error   string    `json:"error"`
}

// Transition is delivered to listeners after every state change, in order.
type Transition struct {
	From    State
	To      State
	At      time.Time
	Reason  Reason
	Session *Session      // the session opened or closed, if any
	Window  prayer.Window // the open window, zero outside one
	Failure error
}

type Listener interface {
	OnTransition(Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Transition)

func (f ListenerFunc) OnTransition(t Transition) { f(t) }

// HandleSource supplies fresh stream handles. *stream.Cache implements it.
type HandleSource interface {
	ForceResolve(ctx context.Context) (stream.Handle, error)
	Invalidate()
}

type Config struct {
	MaxAttempts     int           // consecutive playback attempts before giving up
	Backoff         time.Duration // first retry delay, doubled per attempt
	BackoffMax      time.Duration
	RefreshInterval time.Duration // stream handle lifetime while playing
	MaxDuration     time.Duration // wall-clock session cap
	ManualWindow    time.Duration // how long operator-started listening lasts outside a window
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		Backoff:         time.Second,
		BackoffMax:      30 * time.Second,
		RefreshInterval: 10 * time.Minute,
		MaxDuration:     12 * time.Minute,
		ManualWindow:    20 * time.Minute,
	}
}

// Snapshot is a copy of the controller state for readers.
type Snapshot struct {
	State       State          `json:"state"`
	Since       time.Time      `json:"since"`
	Session     *Session       `json:"session,omitempty"`
	LastSession *Session       `json:"last_session,omitempty"`
	Handle      *stream.Handle `json:"stream,omitempty"` // only while AdhaanActive
	Window      *prayer.Window `json:"window,omitempty"`
	ManualUntil *time.Time     `json:"manual_until,omitempty"`
	Suppressed  bool           `json:"suppressed"` // open window skipped after stop or a finished session
	LastFailure *Failure       `json:"last_failure,omitempty"`
}

// Controller is the playback state machine. Operator methods are safe for
// concurrent use; detector events go through Submit and are applied by Run.
type Controller struct {
	cfg    Config
	source HandleSource
	player player.Player
	now    func() time.Time

	mu          sync.RWMutex
	state       State
	since       time.Time
	window      prayer.Window
	suppressed  time.Time // PrayerTime of the window not to listen in again
	hadSession  bool      // a session ran in the current window
	manualUntil time.Time
	session     *Session
	lastSession *Session
	handle      stream.Handle
	lastFailure *Failure
	gen         uint64 // bumped whenever a session ends; stale workers check it
	sessCtx     context.Context
	sessCancel  context.CancelFunc
	pending     []Transition
	listeners   []Listener
	onResolve   func(error)
	prayerAt    func(time.Time) prayer.Prayer

	notifyMu sync.Mutex
	events   chan detector.Event
	refresh  chan struct{}
}

func New(cfg Config, source HandleSource, p player.Player) *Controller {
	c := &Controller{
		cfg:     cfg,
		source:  source,
		player:  p,
		now:     time.Now,
		events:  make(chan detector.Event, 32),
		refresh: make(chan struct{}, 1),
	}
	c.since = c.now()
	return c
}

// OnTransition registers a listener. Register before Run.
func (c *Controller) OnTransition(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// OnResolve registers a hook called after every resolution attempt.
func (c *Controller) OnResolve(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResolve = fn
}

// SetPrayerLookup sets how sessions outside a schedule window pick their prayer.
func (c *Controller) SetPrayerLookup(fn func(time.Time) prayer.Prayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prayerAt = fn
}

// SetConfig replaces tuning. Applies to the next attempt or tick.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// DetectionEnabled gates frame pulling in the agent.
func (c *Controller) DetectionEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != Idle
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		State:       c.state,
		Since:       c.since,
		Session:     c.session.clone(),
		LastSession: c.lastSession.clone(),
		Suppressed:  !c.window.IsZero() && c.window.PrayerTime.Equal(c.suppressed),
	}
	if c.state == AdhaanActive && c.handle.URL != "" {
		h := c.handle
		snap.Handle = &h
	}
	if !c.window.IsZero() {
		w := c.window
		snap.Window = &w
	}
	if !c.manualUntil.IsZero() {
		t := c.manualUntil
		snap.ManualUntil = &t
	}
	if c.lastFailure != nil {
		f := *c.lastFailure
		snap.LastFailure = &f
	}
	return snap
}

// AttachRecording records where the session's audio is being written.
func (c *Controller) AttachRecording(sessionID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.ID == sessionID {
		c.session.RecordingPath = path
	}
}

// OpenWindow starts listening for a schedule window unless that window was
// already stopped by the operator or produced a session.
func (c *Controller) OpenWindow(w prayer.Window) {
	c.mu.Lock()
	if !c.window.PrayerTime.Equal(w.PrayerTime) {
		c.hadSession = false
	}
	c.window = w
	if c.state == Idle && !w.PrayerTime.Equal(c.suppressed) {
		c.manualUntil = time.Time{}
		c.transitionLocked(Listening, ReasonWindowOpen, nil, nil)
		slog.Info("👂 listening", "prayer", w.Prayer, "until", w.End.Format("15:04"))
	}
	c.mu.Unlock()
	c.flush()
}

// CloseWindow stops listening at the end of a window. A session in
// progress keeps playing until it ends on its own.
func (c *Controller) CloseWindow(w prayer.Window) {
	c.mu.Lock()
	if !c.window.IsZero() && !c.window.PrayerTime.Equal(w.PrayerTime) {
		c.mu.Unlock()
		return
	}
	c.window = prayer.Window{}
	if c.state == Listening && !c.manualActiveLocked() {
		reason := ReasonWindowClose
		if !c.hadSession {
			reason = ReasonNoAdhaan
			slog.Info("🤫 no adhaan detected", "prayer", w.Prayer)
		}
		c.window = w // so listeners see which window closed
		c.transitionLocked(Idle, reason, nil, nil)
		c.window = prayer.Window{}
	}
	c.hadSession = false
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) manualActiveLocked() bool {
	return !c.manualUntil.IsZero() && c.now().Before(c.manualUntil)
}

// Submit queues a detector event for Run. It never blocks; false means the
// queue was full and the event was dropped.
func (c *Controller) Submit(ev detector.Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		slog.Warn("controller queue full, dropping event", "kind", ev.Kind)
		return false
	}
}

// StartDetection begins listening now. Outside a schedule window it lasts
// ManualWindow. Idempotent.
func (c *Controller) StartDetection() State {
	c.mu.Lock()
	if c.state == Idle {
		c.suppressed = time.Time{}
		if c.window.IsZero() {
			c.manualUntil = c.now().Add(c.cfg.ManualWindow)
		}
		c.transitionLocked(Listening, ReasonOperatorStart, nil, nil)
		slog.Info("👂 listening (operator)", "manual_until", c.manualUntil)
	}
	st := c.state
	c.mu.Unlock()
	c.flush()
	return st
}

// StopDetection returns to Idle and skips the rest of the current window.
// An active session is stopped with it. Idempotent.
func (c *Controller) StopDetection() State {
	return c.operatorStop()
}

// StopPlayback ends any active session and returns to Idle. Playback has
// stopped when it returns. Idempotent.
func (c *Controller) StopPlayback() State {
	return c.operatorStop()
}

func (c *Controller) operatorStop() State {
	c.mu.Lock()
	wasActive := c.state == AdhaanActive
	switch c.state {
	case AdhaanActive:
		c.endSessionLocked(c.now(), string(ReasonOperatorStop), ReasonOperatorStop, nil)
	case Listening:
		c.suppressWindowLocked()
		c.manualUntil = time.Time{}
		c.transitionLocked(Idle, ReasonOperatorStop, nil, nil)
	}
	st := c.state
	c.mu.Unlock()

	if wasActive {
		if err := c.player.Stop(); err != nil {
			slog.Error("stop player", "err", err)
		}
		slog.Info("⏹️ stopped by operator")
	}
	c.flush()
	return st
}

// ReportSourceError marks the stream handle bad, e.g. after the capture
// source disconnected. An active session refreshes playback.
func (c *Controller) ReportSourceError(err error) {
	slog.Warn("stream source error", "err", err)
	c.source.Invalidate()
	if c.State() != AdhaanActive {
		return
	}
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Run applies detector events, watches the player and enforces timers
// until ctx is cancelled. An open session is closed on return.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		case err := <-c.player.Failures():
			c.handlePlayerFailure(err)
		case <-c.refresh:
			c.refreshPlayback("source error")
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	active := c.state == AdhaanActive
	if active {
		c.endSessionLocked(c.now(), string(ReasonShutdown), ReasonShutdown, nil)
	}
	c.mu.Unlock()
	if active {
		_ = c.player.Stop()
	}
	c.flush()
}

func (c *Controller) handleEvent(ctx context.Context, ev detector.Event) {
	switch ev.Kind {
	case detector.Started:
		c.begin(ctx, ev)
	case detector.Ended:
		c.mu.Lock()
		if c.state != AdhaanActive {
			c.mu.Unlock()
			return
		}
		reason := ReasonAdhaanEnded
		if ev.Reason == detector.ReasonTimeout {
			reason = ReasonTimeout
		}
		id := c.session.ID
		c.endSessionLocked(ev.At, string(ev.Reason), reason, nil)
		c.mu.Unlock()

		if err := c.player.FadeOut(); err != nil {
			slog.Error("stop player", "err", err)
		}
		slog.Info("✅ adhaan ended", "session", id, "reason", ev.Reason)
		c.flush()
	}
}

func (c *Controller) begin(ctx context.Context, ev detector.Event) {
	c.mu.Lock()
	if c.state != Listening {
		c.mu.Unlock()
		slog.Debug("ignoring start", "state", c.state)
		return
	}
	p := c.window.Prayer
	if c.window.IsZero() {
		p = prayer.NoPrayer
		if c.prayerAt != nil {
			p = c.prayerAt(ev.At)
		}
	}
	sess := &Session{ID: uuid.NewString(), Prayer: p, Start: ev.At, Level: ev.Level}
	c.session = sess
	c.hadSession = true
	c.sessCtx, c.sessCancel = context.WithCancel(ctx)
	sessCtx, gen := c.sessCtx, c.gen
	c.transitionLocked(AdhaanActive, ReasonAdhaanStarted, sess, nil)
	c.mu.Unlock()
	c.flush()

	slog.Info("🕌 adhaan started", "session", sess.ID, "prayer", p, "level", fmt.Sprintf("%.4f", ev.Level))
	c.startPlayback(sessCtx, gen)
}

// startPlayback resolves a fresh handle and (re)starts the player, retrying
// with backoff. Exhaustion ends the session as a playback failure.
func (c *Controller) startPlayback(ctx context.Context, gen uint64) {
	c.mu.RLock()
	cfg, onResolve := c.cfg, c.onResolve
	c.mu.RUnlock()

	backoff := cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, cfg.BackoffMax)
		}

		h, err := c.source.ForceResolve(ctx)
		if onResolve != nil {
			onResolve(err)
		}
		if err == nil {
			err = c.player.Start(ctx, h.URL)
			if err != nil {
				c.source.Invalidate()
			}
		}
		if err == nil {
			c.mu.Lock()
			if c.gen != gen {
				// Session ended while the player was starting.
				c.mu.Unlock()
				_ = c.player.Stop()
				return
			}
			c.handle = h
			c.mu.Unlock()
			slog.Info("▶️ playing", "resolved_at", h.ResolvedAt.Format(time.TimeOnly), "attempt", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		slog.Warn("playback attempt failed", "attempt", attempt, "max", cfg.MaxAttempts, "err", err)
	}

	c.fail(gen, fmt.Errorf("%w after %d attempts: %w", ErrPlaybackFailure, cfg.MaxAttempts, lastErr))
}

func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != AdhaanActive {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.lastFailure = &Failure{At: now, Session: c.session.ID, Error: err.Error()}
	c.endSessionLocked(now, string(ReasonPlaybackFailure), ReasonPlaybackFailure, err)
	c.mu.Unlock()

	_ = c.player.Stop()
	slog.Error("❌ playback failed", "err", err)
	c.flush()
}

func (c *Controller) handlePlayerFailure(err error) {
	if c.State() != AdhaanActive {
		return
	}
	slog.Warn("player failed, refreshing stream", "err", err)
	c.source.Invalidate()
	c.refreshPlayback("player exited")
}

func (c *Controller) refreshPlayback(why string) {
	c.mu.Lock()
	if c.state != AdhaanActive {
		c.mu.Unlock()
		return
	}
	c.session.Refreshes++
	ctx, gen := c.sessCtx, c.gen
	c.mu.Unlock()

	slog.Info("🔁 refreshing stream", "why", why)
	c.startPlayback(ctx, gen)
}

func (c *Controller) tick() {
	c.mu.Lock()
	now := c.now()
	switch c.state {
	case AdhaanActive:
		if now.Sub(c.session.Start) >= c.cfg.MaxDuration {
			id := c.session.ID
			c.endSessionLocked(c.session.Start.Add(c.cfg.MaxDuration), string(detector.ReasonTimeout), ReasonTimeout, nil)
			c.mu.Unlock()
			_ = c.player.FadeOut()
			slog.Warn("⏱️ session hit safety timeout", "session", id)
			c.flush()
			return
		}
		if c.handle.URL != "" && !c.handle.Valid(now, c.cfg.RefreshInterval) {
			c.mu.Unlock()
			c.refreshPlayback("handle expired")
			return
		}
	case Listening:
		if c.window.IsZero() && !c.manualUntil.IsZero() && !now.Before(c.manualUntil) {
			c.manualUntil = time.Time{}
			c.transitionLocked(Idle, ReasonManualExpired, nil, nil)
		}
	}
	c.mu.Unlock()
	c.flush()
}

// endSessionLocked closes the active session and moves to Idle. The
// caller stops the player after unlocking.
func (c *Controller) endSessionLocked(at time.Time, endReason string, reason Reason, failure error) {
	s := c.session
	end := at
	s.End = &end
	s.EndReason = endReason
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	c.gen++
	c.session = nil
	c.lastSession = s.clone()
	c.handle = stream.Handle{}
	c.suppressWindowLocked()
	c.manualUntil = time.Time{}
	c.transitionLocked(Idle, reason, s, failure)
}

func (c *Controller) suppressWindowLocked() {
	if !c.window.IsZero() {
		c.suppressed = c.window.PrayerTime
	}
}

func (c *Controller) transitionLocked(to State, reason Reason, s *Session, failure error) {
	now := c.now()
	tr := Transition{
		From:    c.state,
		To:      to,
		At:      now,
		Reason:  reason,
		Session: s.clone(),
		Window:  c.window,
		Failure: failure,
	}
	c.state = to
	c.since = now
	c.pending = append(c.pending, tr)
}

// flush delivers queued transitions outside c.mu, preserving order.
func (c *Controller) flush() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, tr := range pending {
		slog.Debug("transition", "from", tr.From, "to", tr.To, "reason", tr.Reason)
		for _, l := range listeners {
			l.OnTransition(tr)
		}
	}
}
