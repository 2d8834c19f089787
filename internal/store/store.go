// Package store persists Adhaan sessions, cached prayer schedules and
// dashboard logins in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/prayer"
)

// tsLayout is fixed-width UTC so text columns sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time; limit pool to 1 connection
	// to avoid SQLITE_BUSY under concurrent web handler access.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, loc: time.Local}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetLocation sets the zone cached schedules are rebuilt in.
func (s *Store) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS web_sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expiry INTEGER NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT (datetime('now', 'localtime')),
			username TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			ip TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE TABLE IF NOT EXISTS adhaan_sessions (
			id TEXT PRIMARY KEY,
			prayer TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			end_reason TEXT,
			recording TEXT,
			refreshes INTEGER NOT NULL DEFAULT 0,
			level REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_adhaan_start ON adhaan_sessions(started_at DESC);
		CREATE TABLE IF NOT EXISTS schedules (
			day TEXT PRIMARY KEY,
			fajr TEXT NOT NULL,
			dhuhr TEXT NOT NULL,
			asr TEXT NOT NULL,
			maghrib TEXT NOT NULL,
			isha TEXT NOT NULL,
			source TEXT NOT NULL,
			fetched_at TEXT NOT NULL
		);
	`)
	return err
}

// --- Adhaan sessions ---

// SaveAdhaanSession inserts or updates a session by ID.
func (s *Store) SaveAdhaanSession(ctx context.Context, sess controller.Session) error {
	var end sql.NullString
	if sess.End != nil {
		end = sql.NullString{String: formatTS(*sess.End), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adhaan_sessions (id, prayer, started_at, ended_at, end_reason, recording, refreshes, level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason,
			recording = excluded.recording,
			refreshes = excluded.refreshes`,
		sess.ID, sess.Prayer.String(), formatTS(sess.Start), end,
		sess.EndReason, sess.RecordingPath, sess.Refreshes, sess.Level,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// RecentAdhaanSessions returns sessions newest first.
func (s *Store) RecentAdhaanSessions(ctx context.Context, limit int) ([]controller.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prayer, started_at, COALESCE(ended_at, ''), COALESCE(end_reason, ''), COALESCE(recording, ''), refreshes, level
		FROM adhaan_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []controller.Session{}
	for rows.Next() {
		var (
			sess            controller.Session
			name, start, end string
		)
		if err := rows.Scan(&sess.ID, &name, &start, &end, &sess.EndReason, &sess.RecordingPath, &sess.Refreshes, &sess.Level); err != nil {
			return nil, err
		}
		sess.Prayer = prayer.NoPrayer
		if p, err := prayer.ParsePrayer(name); err == nil {
			sess.Prayer = p
		}
		if sess.Start, err = time.Parse(tsLayout, start); err != nil {
			return nil, fmt.Errorf("session %s start: %w", sess.ID, err)
		}
		sess.Start = sess.Start.In(s.loc)
		if end != "" {
			t, err := time.Parse(tsLayout, end)
			if err != nil {
				return nil, fmt.Errorf("session %s end: %w", sess.ID, err)
			}
			t = t.In(s.loc)
			sess.End = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// OnTransition records every session the controller opens or closes.
func (s *Store) OnTransition(tr controller.Transition) {
	if tr.Session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.SaveAdhaanSession(ctx, *tr.Session); err != nil {
		slog.Error("persist session failed", "err", err)
	}
}

// --- Schedule cache (prayer.Cache) ---

func (s *Store) SaveSchedule(ctx context.Context, sched prayer.Schedule) error {
	t := sched.Times
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedules (day, fajr, dhuhr, asr, maghrib, isha, source, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.Day.Format(time.DateOnly),
		t[prayer.Fajr].String(), t[prayer.Dhuhr].String(), t[prayer.Asr].String(),
		t[prayer.Maghrib].String(), t[prayer.Isha].String(),
		sched.Source, formatTS(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) LoadSchedule(ctx context.Context, day time.Time) (prayer.Schedule, bool, error) {
	return s.scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT day, fajr, dhuhr, asr, maghrib, isha, source FROM schedules WHERE day = ?`,
		day.Format(time.DateOnly)))
}

// LatestSchedule returns the most recent cached day.
func (s *Store) LatestSchedule(ctx context.Context) (prayer.Schedule, bool, error) {
	return s.scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT day, fajr, dhuhr, asr, maghrib, isha, source FROM schedules ORDER BY day DESC LIMIT 1`))
}

func (s *Store) scanSchedule(row *sql.Row) (prayer.Schedule, bool, error) {
	var day, source string
	var raw [5]string
	err := row.Scan(&day, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &source)
	if errors.Is(err, sql.ErrNoRows) {
		return prayer.Schedule{}, false, nil
	}
	if err != nil {
		return prayer.Schedule{}, false, err
	}

	d, err := time.ParseInLocation(time.DateOnly, day, s.loc)
	if err != nil {
		return prayer.Schedule{}, false, fmt.Errorf("cached day %q: %w", day, err)
	}
	var times [5]prayer.Clock
	for i, r := range raw {
		if times[i], err = prayer.ParseClock(r); err != nil {
			return prayer.Schedule{}, false, fmt.Errorf("cached %s: %w", prayer.All[i], err)
		}
	}
	sched, err := prayer.NewSchedule(d, times, source)
	if err != nil {
		return prayer.Schedule{}, false, err
	}
	return sched, true, nil
}

// --- Dashboard users and logins ---

// EnsureAdmin creates the admin user if missing, or resets its password.
func (s *Store) EnsureAdmin(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE users SET password_hash = ?, is_admin = 1 WHERE username = ?`,
		string(hash), username,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.Exec(
		`INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, 1)`,
		username, string(hash),
	)
	return err
}

// Authenticate checks credentials. A nil user with nil error means they
// did not match.
func (s *Store) Authenticate(username, password string) (*User, error) {
	var u User
	var hash string
	err := s.db.QueryRow(
		`SELECT id, username, is_admin, password_hash FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.IsAdmin, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) GetUser(id int64) (*User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, is_admin FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

// Login is a persisted dashboard login token.
type Login struct {
	UserID int64
	Expiry time.Time
}

func (s *Store) SaveLogin(token string, userID int64, expiry time.Time) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO web_sessions (token, user_id, expiry) VALUES (?, ?, ?)",
		token, userID, expiry.Unix())
	return err
}

// LoadLogins returns the logins still valid at now.
func (s *Store) LoadLogins(now time.Time) (map[string]*Login, error) {
	rows, err := s.db.Query("SELECT token, user_id, expiry FROM web_sessions WHERE expiry > ?", now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*Login)
	for rows.Next() {
		var token string
		var userID, expiry int64
		if err := rows.Scan(&token, &userID, &expiry); err != nil {
			return nil, err
		}
		result[token] = &Login{UserID: userID, Expiry: time.Unix(expiry, 0)}
	}
	return result, rows.Err()
}

func (s *Store) DeleteLogin(token string) error {
	_, err := s.db.Exec("DELETE FROM web_sessions WHERE token = ?", token)
	return err
}

func (s *Store) CleanExpiredLogins(now time.Time) {
	if _, err := s.db.Exec("DELETE FROM web_sessions WHERE expiry <= ?", now.Unix()); err != nil {
		slog.Warn("clean logins", "err", err)
	}
}

// --- Audit log ---

type AuditEntry struct {
	ID       int64  `json:"id"`
	Time     string `json:"time"`
	Username string `json:"username"`
	Action   string `json:"action"`
	Detail   string `json:"detail"`
	IP       string `json:"ip"`
}

// Log records an operator action.
func (s *Store) Log(username, action, detail, ip string) {
	if _, err := s.db.Exec(
		`INSERT INTO audit_log (username, action, detail, ip) VALUES (?, ?, ?, ?)`,
		username, action, detail, ip,
	); err != nil {
		slog.Error("audit log write failed", "err", err)
	}
}

// GetAuditLog returns recent audit entries, newest first.
func (s *Store) GetAuditLog(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, ts, username, action, COALESCE(detail,''), COALESCE(ip,'') FROM audit_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.Username, &e.Action, &e.Detail, &e.IP); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
