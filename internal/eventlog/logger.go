// Package eventlog appends detector and controller events to a CSV file
// that operators can open in a spreadsheet.
package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/controller"
)

// Event names written to the log.
const (
	EventWake            = "wake"
	EventSleep           = "sleep"
	EventStart           = "start"
	EventEnd             = "end"
	EventNoAdhaan        = "no_adhaan"
	EventPlaybackFailure = "playback_failure"
	EventOperatorStop    = "operator_stop"
)

var header = []string{"timestamp", "event", "session", "prayer", "rms", "db", "duration_seconds"}

// Entry is one CSV row.
type Entry struct {
	Time     time.Time `json:"timestamp"`
	Event    string    `json:"event"`
	Session  string    `json:"session,omitempty"`
	Prayer   string    `json:"prayer,omitempty"`
	RMS      float64   `json:"rms"`
	DB       float64   `json:"db"`
	Duration float64   `json:"duration_seconds,omitempty"`
}

func (e Entry) record() []string {
	dur := ""
	if e.Duration > 0 {
		dur = strconv.FormatFloat(e.Duration, 'f', 1, 64)
	}
	return []string{
		e.Time.Format(time.RFC3339),
		e.Event,
		e.Session,
		e.Prayer,
		strconv.FormatFloat(e.RMS, 'f', 5, 64),
		strconv.FormatFloat(e.DB, 'f', 1, 64),
		dur,
	}
}

func parseRecord(rec []string) (Entry, error) {
	if len(rec) != len(header) {
		return Entry{}, fmt.Errorf("want %d fields, got %d", len(header), len(rec))
	}
	t, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Time: t, Event: rec[1], Session: rec[2], Prayer: rec[3]}
	e.RMS, _ = strconv.ParseFloat(rec[4], 64)
	e.DB, _ = strconv.ParseFloat(rec[5], 64)
	if rec[6] != "" {
		e.Duration, _ = strconv.ParseFloat(rec[6], 64)
	}
	return e, nil
}

// Logger appends entries to one CSV file across restarts.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
	levels func() (rms, db float64)
}

// Open appends to path, writing the header when the file is new.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat event log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		w.Flush()
	}
	return &Logger{path: path, file: f, writer: w}, nil
}

// WithLevels sets where the ambient level snapshot for each entry comes from.
func (l *Logger) WithLevels(fn func() (rms, db float64)) *Logger {
	l.levels = fn
	return l
}

// Write appends one entry and flushes it to disk.
func (l *Logger) Write(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return errors.New("event log closed")
	}
	if err := l.writer.Write(e.record()); err != nil {
		return err
	}
	l.writer.Flush()
	return l.writer.Error()
}

// OnTransition logs controller transitions.
func (l *Logger) OnTransition(tr controller.Transition) {
	e := Entry{Time: tr.At, Event: EventFor(tr)}
	if !tr.Window.IsZero() {
		e.Prayer = tr.Window.Prayer.String()
	}
	if tr.Session != nil {
		e.Session = tr.Session.ID
		e.Prayer = tr.Session.Prayer.String()
		e.Duration = tr.Session.Duration().Seconds()
	}
	if l.levels != nil {
		e.RMS, e.DB = l.levels()
	}
	if err := l.Write(e); err != nil {
		slog.Error("event log write failed", "err", err)
	}
}

// EventFor names the log event for a transition.
func EventFor(tr controller.Transition) string {
	switch tr.Reason {
	case controller.ReasonAdhaanStarted:
		return EventStart
	case controller.ReasonNoAdhaan:
		return EventNoAdhaan
	case controller.ReasonOperatorStop:
		return EventOperatorStop
	case controller.ReasonPlaybackFailure:
		return EventPlaybackFailure
	}
	if tr.To == controller.Listening {
		return EventWake
	}
	if tr.From == controller.AdhaanActive {
		return EventEnd
	}
	return EventSleep
}

// Recent returns up to n entries, newest first.
func (l *Logger) Recent(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadRecent(l.path, n)
}

// ReadRecent reads the last n entries of a log file, newest first.
// Malformed rows are skipped.
func ReadRecent(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var all []Entry
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read event log: %w", err)
		}
		if rec[0] == header[0] {
			continue
		}
		e, err := parseRecord(rec)
		if err != nil {
			continue
		}
		all = append(all, e)
	}

	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Entry, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Path returns the file path.
func (l *Logger) Path() string { return l.path }

// Close flushes and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// FileInfo describes a file in a recordings directory.
type FileInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
}

// ListFiles returns the files in dir with the given extension, newest first.
func ListFiles(dir, ext string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, err
	}

	type withTime struct {
		FileInfo
		mod time.Time
	}
	var found []withTime
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, withTime{
			FileInfo: FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().Format("2006-01-02 15:04:05")},
			mod:      info.ModTime(),
		})
	}
	slices.SortFunc(found, func(a, b withTime) int { return b.mod.Compare(a.mod) })

	files := make([]FileInfo, len(found))
	for i, f := range found {
		files[i] = f.FileInfo
	}
	return files, nil
}
