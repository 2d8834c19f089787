package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/controller"
	"github.com/somethingdevs/AdhaanLive/internal/detector"
	"github.com/somethingdevs/AdhaanLive/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testRate = 8000

var t0 = time.Date(2026, 4, 10, 13, 0, 0, 0, time.UTC)

// tone renders a sine of the given peak amplitude (0..1).
func tone(d time.Duration, amp float64) []byte {
	n := int(d.Seconds() * testRate)
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*440*float64(i)/testRate)
		_ = binary.Write(&b, binary.LittleEndian, int16(v*32767))
	}
	return b.Bytes()
}

// adhaanClip is 3s of room noise, 6s of loud voice and 8s of noise.
func adhaanClip() []byte {
	var b bytes.Buffer
	b.Write(tone(3*time.Second, 0.01))
	b.Write(tone(6*time.Second, 0.5))
	b.Write(tone(8*time.Second, 0.01))
	return b.Bytes()
}

func testTuning() Tuning {
	d := detector.DefaultConfig()
	d.StallTimeout = time.Minute
	return Tuning{Classifier: audio.DefaultClassifierConfig(), Detector: d, DegradedDrops: 10}
}

func testConfig() Config {
	return Config{
		Frame:      100 * time.Millisecond,
		PreRoll:    time.Second,
		Backoff:    10 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
		Tuning:     testTuning(),
	}
}

type fakeCtrl struct {
	enabled   atomic.Bool
	mu        sync.Mutex
	events    []detector.Event
	srcErrs   []error
	recording map[string]string
}

func newFakeCtrl(enabled bool) *fakeCtrl {
	c := &fakeCtrl{recording: map[string]string{}}
	c.enabled.Store(enabled)
	return c
}

func (c *fakeCtrl) DetectionEnabled() bool { return c.enabled.Load() }

func (c *fakeCtrl) Submit(ev detector.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *fakeCtrl) ReportSourceError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.srcErrs = append(c.srcErrs, err)
}

func (c *fakeCtrl) AttachRecording(id, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording[id] = path
}

func (c *fakeCtrl) kinds() []detector.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]detector.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type staticURL struct{}

func (staticURL) Resolve(context.Context) (stream.Handle, error) {
	return stream.Handle{URL: "https://cdn.example.com/live.m3u8", ResolvedAt: time.Now()}, nil
}

// pacedReader hands out at most one chunk per Read with a short pause, so
// the chain keeps up like it would on a live stream.
type pacedReader struct {
	r     io.Reader
	chunk int
}

func (p *pacedReader) Read(b []byte) (int, error) {
	time.Sleep(time.Millisecond)
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	return p.r.Read(b)
}

// blockingReader never yields data and unblocks on Close.
type blockingReader struct {
	once   sync.Once
	closed chan struct{}
}

func (b *blockingReader) Read([]byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockingReader) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type fakeOpener struct {
	mu    sync.Mutex
	clips [][]byte
	opens int
	burst bool // hand clips over as fast as they are read, like ffmpeg on an HLS backlog
}

func (o *fakeOpener) SampleRate() int { return testRate }

func (o *fakeOpener) Open(context.Context, string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.clips) == 0 {
		return &blockingReader{closed: make(chan struct{})}, nil
	}
	clip := o.clips[0]
	o.clips = o.clips[1:]
	if o.burst {
		return io.NopCloser(bytes.NewReader(clip)), nil
	}
	return io.NopCloser(&pacedReader{r: bytes.NewReader(clip), chunk: 1600}), nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func TestRunDetectsAdhaanFromCapture(t *testing.T) {
	ctrl := newFakeCtrl(true)
	opener := &fakeOpener{clips: [][]byte{adhaanClip()}}
	a := New(testConfig(), opener, staticURL{}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(ctrl.kinds()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []detector.Kind{detector.Started, detector.Ended}, ctrl.kinds())

	// End of the clip is a source error and triggers a reconnect.
	assert.Eventually(t, func() bool { return opener.openCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	ctrl.mu.Lock()
	require.NotEmpty(t, ctrl.srcErrs)
	assert.ErrorIs(t, ctrl.srcErrs[0], io.EOF)
	ctrl.mu.Unlock()

	st := a.Stats()
	assert.EqualValues(t, 170, st.Processed)
	assert.Zero(t, st.Dropped)
	assert.Greater(t, st.NoiseFloor, 0.0)
	assert.Less(t, st.NoiseFloor, 0.02)
	assert.EqualValues(t, 1, st.Reconnects)
}

func TestRunKeepsEveryFrameOfABurst(t *testing.T) {
	ctrl := newFakeCtrl(true)
	clip := bytes.Repeat(adhaanClip(), 3)
	opener := &fakeOpener{clips: [][]byte{clip}, burst: true}
	a := New(testConfig(), opener, staticURL{}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The reconnect after EOF happens only once the queue is drained.
	assert.Eventually(t, func() bool { return opener.openCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	st := a.Stats()
	assert.EqualValues(t, 510, st.Processed, "no frame lost, including the last")
	assert.Zero(t, st.Dropped)
	assert.False(t, st.Degraded)
	assert.Equal(t, []detector.Kind{
		detector.Started, detector.Ended,
		detector.Started, detector.Ended,
		detector.Started, detector.Ended,
	}, ctrl.kinds())
}

func TestEnqueueDropsOnlyWhenChainFallsBehind(t *testing.T) {
	a := New(testConfig(), &fakeOpener{}, staticURL{}, newFakeCtrl(true))
	ctx := context.Background()
	q := make(chan audio.Frame, 2)
	f := audio.Frame{Duration: 50 * time.Millisecond}

	require.True(t, a.enqueue(ctx, q, f))
	require.True(t, a.enqueue(ctx, q, f))
	assert.Zero(t, a.Stats().Dropped)

	// Room frees up within a frame duration: queued, not dropped.
	go func() {
		time.Sleep(10 * time.Millisecond)
		<-q
	}()
	require.True(t, a.enqueue(ctx, q, f))
	assert.Zero(t, a.Stats().Dropped)

	// Nobody reads for a whole frame: dropped.
	require.True(t, a.enqueue(ctx, q, f))
	assert.EqualValues(t, 1, a.Stats().Dropped)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, a.enqueue(cctx, q, f))
}

func TestRunResetsWhenGateClosesDuringBackoff(t *testing.T) {
	ctrl := newFakeCtrl(true)

	// Onset without an end: the source drops mid-call.
	var first bytes.Buffer
	first.Write(tone(time.Second, 0.01))
	first.Write(tone(4*time.Second, 0.5))
	quiet := tone(6*time.Second, 0.01)
	opener := &fakeOpener{clips: [][]byte{first.Bytes(), quiet}}

	cfg := testConfig()
	cfg.Backoff = 500 * time.Millisecond
	cfg.BackoffMax = time.Second
	a := New(cfg, opener, staticURL{}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.srcErrs) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []detector.Kind{detector.Started}, ctrl.kinds())

	// The window closes while the agent backs off, then the next one opens.
	ctrl.enabled.Store(false)
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, opener.openCount())
	ctrl.enabled.Store(true)

	assert.Eventually(t, func() bool { return a.Stats().Processed == 110 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// A detector carried over from the old window would end its session
	// on the new window's quiet audio.
	assert.Equal(t, []detector.Kind{detector.Started}, ctrl.kinds())
	assert.Less(t, a.Stats().NoiseFloor, 0.02)
}

func TestRunIdleWhileGateClosed(t *testing.T) {
	ctrl := newFakeCtrl(false)
	opener := &fakeOpener{}
	a := New(testConfig(), opener, staticURL{}, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
	assert.Zero(t, opener.openCount())
}

func TestRunDisconnectsWhenGateCloses(t *testing.T) {
	ctrl := newFakeCtrl(true)
	opener := &fakeOpener{}
	a := New(testConfig(), opener, staticURL{}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool { return a.Stats().Connected }, time.Second, 5*time.Millisecond)
	ctrl.enabled.Store(false)
	assert.Eventually(t, func() bool { return !a.Stats().Connected }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, opener.openCount())
	ctrl.mu.Lock()
	assert.Empty(t, ctrl.srcErrs)
	ctrl.mu.Unlock()
}

func frames(t *testing.T, clip []byte) []audio.Frame {
	t.Helper()
	fr := audio.NewFrameReader(bytes.NewReader(clip), testRate, 100*time.Millisecond, t0)
	var out []audio.Frame
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestProcessEmitsStartAtOnset(t *testing.T) {
	ctrl := newFakeCtrl(true)
	a := New(testConfig(), &fakeOpener{}, staticURL{}, ctrl)

	for _, f := range frames(t, adhaanClip()) {
		a.process(f)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.events, 2)
	assert.Equal(t, detector.Started, ctrl.events[0].Kind)
	assert.Equal(t, t0.Add(3*time.Second), ctrl.events[0].At)
	assert.Equal(t, detector.Ended, ctrl.events[1].Kind)
	assert.Equal(t, detector.ReasonQuiet, ctrl.events[1].Reason)
	assert.EqualValues(t, 170, a.Stats().Processed)
}

func TestTickEndsSessionWhenFramesStop(t *testing.T) {
	ctrl := newFakeCtrl(true)
	cfg := testConfig()
	cfg.Tuning.Detector.StallTimeout = 2 * time.Second
	a := New(cfg, &fakeOpener{}, staticURL{}, ctrl)
	wall := t0
	a.now = func() time.Time { return wall }

	var b bytes.Buffer
	b.Write(tone(2*time.Second, 0.01))
	b.Write(tone(4*time.Second, 0.5))
	for _, f := range frames(t, b.Bytes()) {
		a.process(f)
	}
	require.Equal(t, []detector.Kind{detector.Started}, ctrl.kinds())

	wall = t0.Add(4 * time.Second)
	require.NoError(t, a.tick(t0))
	assert.Equal(t, []detector.Kind{detector.Started}, ctrl.kinds())

	wall = t0.Add(6 * time.Second)
	require.NoError(t, a.tick(t0))
	assert.Equal(t, []detector.Kind{detector.Started, detector.Ended}, ctrl.kinds())

	wall = t0.Add(8 * time.Second)
	assert.ErrorIs(t, a.tick(t0), ErrSourceStalled)
}

func TestTickStallBeforeFirstFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.Detector.StallTimeout = time.Second
	a := New(cfg, &fakeOpener{}, staticURL{}, newFakeCtrl(true))
	wall := t0.Add(3 * time.Second)
	a.now = func() time.Time { return wall }
	require.NoError(t, a.tick(t0))

	wall = t0.Add(4 * time.Second)
	assert.ErrorIs(t, a.tick(t0), ErrSourceStalled)
}

func TestDropsMarkDegraded(t *testing.T) {
	a := New(testConfig(), &fakeOpener{}, staticURL{}, newFakeCtrl(true))
	wall := t0
	a.now = func() time.Time { return wall }

	for range 10 {
		a.dropped()
	}
	assert.False(t, a.Stats().Degraded)
	a.dropped()
	st := a.Stats()
	assert.True(t, st.Degraded)
	assert.EqualValues(t, 11, st.Dropped)

	wall = t0.Add(11 * time.Second)
	assert.False(t, a.Stats().Degraded)
}

func TestSetTuningAppliesBeforeNextFrame(t *testing.T) {
	ctrl := newFakeCtrl(true)
	a := New(testConfig(), &fakeOpener{}, staticURL{}, ctrl)

	tun := testTuning()
	tun.Detector.StartAfter = 5 * time.Second
	a.SetTuning(tun)

	var b bytes.Buffer
	b.Write(tone(time.Second, 0.01))
	b.Write(tone(4*time.Second, 0.5))
	for _, f := range frames(t, b.Bytes()) {
		a.process(f)
	}
	assert.Empty(t, ctrl.kinds(), "4s of loud is below the reloaded start threshold")
}

func TestRecordsSessionWithPreroll(t *testing.T) {
	dir := t.TempDir()
	ctrl := newFakeCtrl(true)
	a := New(testConfig(), &fakeOpener{}, staticURL{}, ctrl).
		WithRecorder(audio.NewRecorder(dir, testRate))

	all := frames(t, adhaanClip())
	for _, f := range all[:40] {
		a.process(f)
	}
	a.OnTransition(controller.Transition{
		From: controller.Listening, To: controller.AdhaanActive,
		Session: &controller.Session{ID: "s1"},
	})
	for _, f := range all[40:60] {
		a.process(f)
	}
	a.OnTransition(controller.Transition{
		From: controller.AdhaanActive, To: controller.Idle,
		Session: &controller.Session{ID: "s1"},
	})
	for _, f := range all[60:] {
		a.process(f)
	}

	ctrl.mu.Lock()
	path := ctrl.recording["s1"]
	ctrl.mu.Unlock()
	require.NotEmpty(t, path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	// 1s pre-roll ring (11 frames) plus 20 live frames of 800 samples.
	assert.Len(t, buf.Data, 31*800)
}

func TestReplay(t *testing.T) {
	var got []detector.Event
	st, err := Replay(bytes.NewReader(adhaanClip()), testRate, 100*time.Millisecond, t0, testTuning(),
		func(ev detector.Event, _ audio.Sample) { got = append(got, ev) })
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(3*time.Second), got[0].At)
	assert.Equal(t, detector.ReasonQuiet, got[1].Reason)
	assert.Equal(t, 170, st.Frames)
	assert.Equal(t, 60, st.Loud)
	assert.Equal(t, 17*time.Second, st.Duration)
}

func TestReplayClosesSessionAtEndOfInput(t *testing.T) {
	var got []detector.Event
	clip := append(tone(2*time.Second, 0.01), tone(5*time.Second, 0.5)...)
	_, err := Replay(bytes.NewReader(clip), testRate, 100*time.Millisecond, t0, testTuning(),
		func(ev detector.Event, _ audio.Sample) { got = append(got, ev) })
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, detector.Ended, got[1].Kind)
	assert.Equal(t, detector.ReasonStall, got[1].Reason)
}
