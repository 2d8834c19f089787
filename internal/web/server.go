// Package web serves the status API, operator controls and the dashboard.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/agent"
	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/eventlog"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
	"github.com/somethingdevs/AdhaanLive/internal/store"
)

const (
	cookieName    = "adhaanlive_token"
	loginLifetime = 24 * time.Hour

	defaultEventLimit   = 100
	maxEventLimit       = 500
	defaultSessionLimit = 20
)

// Controller is the part of the playback controller the server drives.
type Controller interface {
	Snapshot() controller.Snapshot
	StartDetection() controller.State
	StopDetection() controller.State
	StopPlayback() controller.State
}

// ScheduleSource is satisfied by *prayer.Keeper.
type ScheduleSource interface {
	Today() prayer.Schedule
	Tomorrow() *prayer.Schedule
	LastError() error
}

// StatsSource is satisfied by *agent.Agent.
type StatsSource interface {
	Stats() agent.Stats
}

// EventSource is satisfied by *eventlog.Logger.
type EventSource interface {
	Recent(n int) ([]eventlog.Entry, error)
}

// Deps are the components the server reads from.
type Deps struct {
	Controller Controller
	Schedule   ScheduleSource
	Scheduler  *prayer.Scheduler
	Stats      StatsSource
	Events     EventSource
	Store      *store.Store
	Metrics    http.Handler
	Recordings string                    // directory of session WAVs, may be empty
	SourceLive func() (live, known bool) // optional source room state
}

type ctxKey struct{}

// Server serves the dashboard. Authentication is on when credentials are
// configured and can be toggled by UpdateAuth.
type Server struct {
	deps Deps
	port int
	now  func() time.Time

	mu          sync.RWMutex
	authEnabled bool
	logins      sync.Map // token → *store.Login
}

func NewServer(deps Deps, port int) *Server {
	return &Server{deps: deps, port: port, now: time.Now}
}

// LoadLogins restores dashboard logins persisted by a previous run.
func (s *Server) LoadLogins() error {
	logins, err := s.deps.Store.LoadLogins(s.now())
	if err != nil {
		return fmt.Errorf("load dashboard logins: %w", err)
	}
	for token, l := range logins {
		s.logins.Store(token, l)
	}
	return nil
}

// UpdateAuth sets the admin credentials; empty credentials disable login.
func (s *Server) UpdateAuth(username, password string) error {
	enabled := username != "" && password != ""
	if enabled {
		if err := s.deps.Store.EnsureAdmin(username, password); err != nil {
			return fmt.Errorf("ensure admin: %w", err)
		}
	}
	s.mu.Lock()
	s.authEnabled = enabled
	s.mu.Unlock()
	if enabled {
		slog.Info("web auth enabled", "username", username)
	} else {
		slog.Info("web auth disabled (no username/password configured)")
	}
	return nil
}

func (s *Server) authRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authEnabled
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/logout", s.handleLogout)

	mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
	mux.HandleFunc("GET /api/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET /api/schedule", s.requireAuth(s.handleSchedule))
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("GET /api/recordings", s.requireAuth(s.handleRecordings))
	mux.HandleFunc("GET /api/recordings/download", s.requireAuth(s.handleDownload))
	mux.HandleFunc("GET /api/audit", s.requireAuth(s.handleAudit))

	mux.HandleFunc("POST /api/control/detection/start", s.requireAuth(s.control("detection_start", s.deps.Controller.StartDetection)))
	mux.HandleFunc("POST /api/control/detection/stop", s.requireAuth(s.control("detection_stop", s.deps.Controller.StopDetection)))
	mux.HandleFunc("POST /api/control/playback/stop", s.requireAuth(s.control("playback_stop", s.deps.Controller.StopPlayback)))
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.cleanLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("🌐 web panel started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			s.logins.Range(func(k, v any) bool {
				if now.After(v.(*store.Login).Expiry) {
					s.logins.Delete(k)
				}
				return true
			})
			s.deps.Store.CleanExpiredLogins(now)
		}
	}
}

// --- auth ---

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) sessionUser(r *http.Request) *store.User {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return nil
	}
	v, ok := s.logins.Load(cookie.Value)
	if !ok {
		return nil
	}
	login := v.(*store.Login)
	if s.now().After(login.Expiry) {
		s.logins.Delete(cookie.Value)
		return nil
	}
	u, err := s.deps.Store.GetUser(login.UserID)
	if err != nil {
		slog.Warn("load dashboard user", "err", err)
		return nil
	}
	return u
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authRequired() {
			next(w, r)
			return
		}
		if u := s.sessionUser(r); u != nil {
			next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
			return
		}
		// API calls get 401, page requests redirect to login
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func userFrom(r *http.Request) *store.User {
	u, _ := r.Context().Value(ctxKey{}).(*store.User)
	return u
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authRequired() {
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad form"})
		return
	}
	username := r.FormValue("username")

	u, err := s.deps.Store.Authenticate(username, r.FormValue("password"))
	if err != nil {
		slog.Error("authenticate", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if u == nil {
		s.deps.Store.Log(username, "login_failed", "", clientIP(r))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
		return
	}

	token := generateToken()
	login := &store.Login{UserID: u.ID, Expiry: s.now().Add(loginLifetime)}
	s.logins.Store(token, login)
	if err := s.deps.Store.SaveLogin(token, u.ID, login.Expiry); err != nil {
		slog.Warn("persist login", "err", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(loginLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.deps.Store.Log(u.Username, "login", "", clientIP(r))
	slog.Info("user logged in", "username", u.Username, "ip", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(cookieName); err == nil {
		s.logins.Delete(cookie.Value)
		if err := s.deps.Store.DeleteLogin(cookie.Value); err != nil {
			slog.Warn("delete login", "err", err)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	if u == nil {
		writeJSON(w, http.StatusOK, map[string]any{"username": "", "auth": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": u.Username, "is_admin": u.IsAdmin, "auth": true})
}

// --- status ---

// Status is the /api/status body.
type Status struct {
	State         controller.State    `json:"state"`
	Since         time.Time           `json:"since"`
	StreamURL     string              `json:"stream_url,omitempty"`
	StreamExpires *time.Time          `json:"stream_expires_at,omitempty"`
	CurrentPrayer prayer.Prayer       `json:"current_prayer"`
	NextPrayer    prayer.Prayer       `json:"next_prayer"`
	NextPrayerAt  *time.Time          `json:"next_prayer_at,omitempty"`
	SecondsToNext int64               `json:"seconds_to_next"`
	Window        *prayer.Window      `json:"window,omitempty"`
	ManualUntil   *time.Time          `json:"manual_until,omitempty"`
	Suppressed    bool                `json:"suppressed"`
	Session       *controller.Session `json:"session,omitempty"`
	LastSession   *controller.Session `json:"last_session,omitempty"`
	LastFailure   *controller.Failure `json:"last_failure,omitempty"`
	ScheduleStale bool                `json:"schedule_stale"`
	ScheduleError string              `json:"schedule_error,omitempty"`
	SourceLive    *bool               `json:"source_live,omitempty"`
	Detection     agent.Stats         `json:"detection"`
}

func (s *Server) status() Status {
	now := s.now()
	snap := s.deps.Controller.Snapshot()
	st := Status{
		State:         snap.State,
		Since:         snap.Since,
		CurrentPrayer: prayer.NoPrayer,
		NextPrayer:    prayer.NoPrayer,
		Window:        snap.Window,
		ManualUntil:   snap.ManualUntil,
		Suppressed:    snap.Suppressed,
		Session:       snap.Session,
		LastSession:   snap.LastSession,
		LastFailure:   snap.LastFailure,
		Detection:     s.deps.Stats.Stats(),
	}
	if snap.Handle != nil {
		st.StreamURL = snap.Handle.URL
		if !snap.Handle.ExpiresAt.IsZero() {
			exp := snap.Handle.ExpiresAt
			st.StreamExpires = &exp
		}
	}

	today := s.deps.Schedule.Today()
	if !today.IsZero() {
		pos := s.deps.Scheduler.CurrentAndNext(now, today, s.deps.Schedule.Tomorrow())
		st.CurrentPrayer = pos.Current
		st.NextPrayer = pos.Next
		st.NextPrayerAt = &pos.NextTime
		st.SecondsToNext = int64(pos.NextTime.Sub(now).Seconds())
		st.ScheduleStale = today.Stale
	}
	if err := s.deps.Schedule.LastError(); err != nil {
		st.ScheduleError = err.Error()
	}
	if s.deps.SourceLive != nil {
		if live, known := s.deps.SourceLive(); known {
			st.SourceLive = &live
		}
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// ScheduleResponse is the /api/schedule body.
type ScheduleResponse struct {
	Date   string            `json:"date"`
	Source string            `json:"source"`
	Stale  bool              `json:"stale"`
	Times  map[string]string `json:"times"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	today := s.deps.Schedule.Today()
	if today.IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": prayer.ErrScheduleUnavailable.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{
		Date:   today.Day.Format(time.DateOnly),
		Source: today.Source,
		Stale:  today.Stale,
		Times:  today.Map(),
	})
}

func parseLimit(r *http.Request, def, maxN int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, maxN), nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	entries, err := s.deps.Events.Recent(limit)
	if err != nil {
		slog.Error("read event log", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read event log failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultSessionLimit, maxEventLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sessions, err := s.deps.Store.RecentAdhaanSessions(r.Context(), limit)
	if err != nil {
		slog.Error("read sessions", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read sessions failed"})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recordings == "" {
		writeJSON(w, http.StatusOK, []eventlog.FileInfo{})
		return
	}
	files, err := eventlog.ListFiles(s.deps.Recordings, ".wav")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if s.deps.Recordings == "" || name == "" || name != filepath.Base(name) || filepath.Ext(name) != ".wav" {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	path := filepath.Join(s.deps.Recordings, name)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if u := userFrom(r); s.authRequired() && (u == nil || !u.IsAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	entries, err := s.deps.Store.GetAuditLog(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// control wraps an idempotent operator command.
func (s *Server) control(action string, fn func() controller.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := fn()
		username := "-"
		if u := userFrom(r); u != nil {
			username = u.Username
		}
		s.deps.Store.Log(username, action, state.String(), clientIP(r))
		slog.Info("operator command", "action", action, "user", username, "state", state)
		writeJSON(w, http.StatusOK, map[string]controller.State{"state": state})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once a schedule is loaded and the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var problems []string
	if s.deps.Schedule.Today().IsZero() {
		problems = append(problems, "no prayer schedule")
	}
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		problems = append(problems, "store: "+err.Error())
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "problems": problems})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if !s.authRequired() || s.sessionUser(r) != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, loginHTML)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
