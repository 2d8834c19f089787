package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// Opener starts PCM s16le mono capture from a stream URL.
type Opener interface {
	Open(ctx context.Context, streamURL string) (io.ReadCloser, error)
	SampleRate() int
}

// Capturer captures audio from a live stream URL via ffmpeg.
type Capturer struct {
	FFmpeg string
	Rate   int
}

func NewCapturer(ffmpeg string, sampleRate int) *Capturer {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Capturer{FFmpeg: ffmpeg, Rate: sampleRate}
}

func (c *Capturer) SampleRate() int { return c.Rate }

// Args returns the ffmpeg arguments used for a stream URL.
func (c *Capturer) Args(streamURL string) []string {
	return []string{
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", streamURL,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(c.Rate),
		"-ac", "1",
		"-f", "s16le",
		"-loglevel", "error",
		"-",
	}
}

// Open begins capturing and returns a reader of raw PCM s16le data.
// Closing the reader stops ffmpeg.
func (c *Capturer) Open(ctx context.Context, streamURL string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, c.FFmpeg, c.Args(streamURL)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	slog.Info("🎧 audio capture started (ffmpeg)", "url_prefix", streamURL[:min(80, len(streamURL))])
	return &processReader{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

// processReader ties the lifetime of a child process to its stdout.
type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	once   sync.Once
}

func (p *processReader) Close() error {
	p.once.Do(func() {
		p.cancel()
		_ = p.cmd.Wait()
		slog.Info("audio capture stopped")
	})
	return nil
}
