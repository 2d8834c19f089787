package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DecodeWAV reads a WAV file and returns it as mono s16le PCM, ready for
// a FrameReader, plus its sample rate.
func DecodeWAV(r io.ReadSeeker) (io.Reader, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, errors.New("not a valid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, errors.New("wav has no channel info")
	}

	channels := buf.Format.NumChannels
	depth := int(d.BitDepth)
	out := make([]byte, 0, len(buf.Data)/channels*2)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		var sum int
		for c := 0; c < channels; c++ {
			sum += to16(buf.Data[i+c], depth)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sum/channels)))
	}
	return bytes.NewReader(out), buf.Format.SampleRate, nil
}

func to16(v, depth int) int {
	switch depth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

// Recorder writes Adhaan sessions to 16-bit mono WAV files.
type Recorder struct {
	dir  string
	rate int

	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
	path string
}

func NewRecorder(dir string, sampleRate int) *Recorder {
	return &Recorder{dir: dir, rate: sampleRate}
}

// Active reports whether a recording is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc != nil
}

// Start opens <dir>/<name>.wav and writes the pre-roll frames first.
// A recording already in progress is finished first.
func (r *Recorder) Start(name string, preroll []Frame) (string, error) {
	if _, err := r.Stop(); err != nil {
		slog.Warn("close previous recording", "err", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	path := filepath.Join(r.dir, name+".wav")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}

	r.mu.Lock()
	r.file = f
	r.enc = wav.NewEncoder(f, r.rate, 16, 1, 1)
	r.path = path
	r.mu.Unlock()

	for _, fr := range preroll {
		if err := r.Write(fr); err != nil {
			return path, err
		}
	}
	slog.Info("⏺️ recording started", "path", path, "preroll_frames", len(preroll))
	return path, nil
}

// Write appends a frame. No-op when no recording is open.
func (r *Recorder) Write(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil || len(f.Samples) == 0 {
		return nil
	}
	return r.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           f.Samples,
		SourceBitDepth: 16,
	})
}

// Stop finalises the WAV header and returns the file path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return "", nil
	}
	path := r.path
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	r.enc, r.file, r.path = nil, nil, ""
	if err := errors.Join(encErr, fileErr); err != nil {
		return path, fmt.Errorf("finish recording: %w", err)
	}
	slog.Info("⏹️ recording saved", "path", path)
	return path, nil
}
