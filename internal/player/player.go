// Package player runs the external process that plays the livestream.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrExited is reported when playback ends without Stop being called.
var ErrExited = errors.New("player exited")

// Player plays one URL at a time.
type Player interface {
	// Start begins playing url, replacing anything already playing.
	Start(ctx context.Context, url string) error
	// Stop halts playback and returns once the process is gone. Idempotent.
	Stop() error
	// FadeOut lets the fade-out delay play before stopping. Stop during
	// the delay cuts it short.
	FadeOut() error
	Running() bool
	// Failures delivers an error each time playback dies on its own.
	Failures() <-chan error
}

// ProcessPlayer runs a command per URL. Args may contain the placeholder
// {url}; if none does, the URL is appended.
type ProcessPlayer struct {
	bin         string
	args        []string
	stopTimeout time.Duration
	fadeOut     time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
	failures chan error
}

func NewProcessPlayer(bin string, args []string) *ProcessPlayer {
	return &ProcessPlayer{
		bin:         bin,
		args:        args,
		stopTimeout: 3 * time.Second,
		failures:    make(chan error, 1),
	}
}

// NewFFplay plays audio only, fading in over fade. A normal session end
// waits fade before terminating the process.
func NewFFplay(bin string, fade time.Duration) *ProcessPlayer {
	if bin == "" {
		bin = "ffplay"
	}
	args := []string{"-nodisp", "-autoexit", "-loglevel", "error"}
	if fade > 0 {
		args = append(args, "-af", "afade=t=in:d="+strconv.FormatFloat(fade.Seconds(), 'f', -1, 64))
	}
	p := NewProcessPlayer(bin, append(args, "{url}"))
	p.fadeOut = fade
	return p
}

func (p *ProcessPlayer) argv(url string) []string {
	out := make([]string, 0, len(p.args)+1)
	placed := false
	for _, a := range p.args {
		if strings.Contains(a, "{url}") {
			a = strings.ReplaceAll(a, "{url}", url)
			placed = true
		}
		out = append(out, a)
	}
	if !placed {
		out = append(out, url)
	}
	return out
}

func (p *ProcessPlayer) Start(ctx context.Context, url string) error {
	if err := p.Stop(); err != nil {
		slog.Warn("stop previous player", "err", err)
	}

	cmd := exec.Command(p.bin, p.argv(url)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.bin, err)
	}
	done := make(chan struct{})

	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.stopping = false
	p.mu.Unlock()

	slog.Info("🔊 playback started", "player", p.bin, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		close(done)

		p.mu.Lock()
		deliberate := p.stopping || p.cmd != cmd
		if p.cmd == cmd {
			p.cmd = nil
		}
		p.mu.Unlock()

		if deliberate || ctx.Err() != nil {
			return
		}
		slog.Warn("player exited unexpectedly", "player", p.bin, "err", err)
		select {
		case p.failures <- fmt.Errorf("%w: %v", ErrExited, err):
		default:
		}
	}()
	return nil
}

func (p *ProcessPlayer) Stop() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(p.stopTimeout):
		slog.Warn("player ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}

	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd = nil
	}
	p.mu.Unlock()
	slog.Info("🔇 playback stopped", "player", p.bin)
	return nil
}

func (p *ProcessPlayer) FadeOut() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd != nil && p.fadeOut > 0 {
		slog.Info("🎚️ fading out", "player", p.bin, "after", p.fadeOut)
		timer := time.NewTimer(p.fadeOut)
		select {
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
	return p.Stop()
}

func (p *ProcessPlayer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

func (p *ProcessPlayer) Failures() <-chan error { return p.failures }
