package player

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFFplayArgs(t *testing.T) {
	p := NewFFplay("", time.Second)
	assert.Equal(t, "ffplay", p.bin)
	assert.Equal(t,
		[]string{"-nodisp", "-autoexit", "-loglevel", "error", "-af", "afade=t=in:d=1", "https://cdn/x.m3u8"},
		p.argv("https://cdn/x.m3u8"))
	assert.Equal(t, time.Second, p.fadeOut)

	assert.Equal(t, []string{"-q", "u"}, NewProcessPlayer("mpv", []string{"-q"}).argv("u"))
}

func TestStartStop(t *testing.T) {
	p := NewProcessPlayer("sh", []string{"-c", "sleep 30 # {url}"})
	require.NoError(t, p.Start(context.Background(), "https://cdn/x.m3u8"))
	assert.True(t, p.Running())

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
	require.NoError(t, p.Stop(), "second stop is a no-op")

	select {
	case err := <-p.Failures():
		t.Fatalf("deliberate stop reported as failure: %v", err)
	default:
	}
}

func TestUnexpectedExitReported(t *testing.T) {
	p := NewProcessPlayer("sh", []string{"-c", "exit 1 # {url}"})
	require.NoError(t, p.Start(context.Background(), "u"))

	select {
	case err := <-p.Failures():
		assert.ErrorIs(t, err, ErrExited)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	assert.Eventually(t, func() bool { return !p.Running() }, time.Second, 10*time.Millisecond)
}

func TestRestartReplacesProcess(t *testing.T) {
	p := NewProcessPlayer("sh", []string{"-c", "sleep 30 # {url}"})
	require.NoError(t, p.Start(context.Background(), "a"))
	require.NoError(t, p.Start(context.Background(), "b"))
	assert.True(t, p.Running())
	require.NoError(t, p.Stop())

	select {
	case err := <-p.Failures():
		t.Fatalf("restart reported as failure: %v", err)
	default:
	}
}

func TestStartMissingBinary(t *testing.T) {
	p := NewProcessPlayer("/nonexistent/player", nil)
	assert.Error(t, p.Start(context.Background(), "u"))
	assert.False(t, p.Running())
}

func TestFadeOutWaitsBeforeStopping(t *testing.T) {
	p := NewProcessPlayer("sh", []string{"-c", "sleep 30 # {url}"})
	p.fadeOut = 300 * time.Millisecond
	require.NoError(t, p.Start(context.Background(), "u"))

	begin := time.Now()
	require.NoError(t, p.FadeOut())
	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
	assert.False(t, p.Running())
	require.NoError(t, p.FadeOut(), "nothing playing")

	select {
	case err := <-p.Failures():
		t.Fatalf("fade out reported as failure: %v", err)
	default:
	}
}

func TestStopCutsFadeOutShort(t *testing.T) {
	p := NewProcessPlayer("sh", []string{"-c", "sleep 30 # {url}"})
	p.fadeOut = 10 * time.Second
	require.NoError(t, p.Start(context.Background(), "u"))

	faded := make(chan error, 1)
	go func() { faded <- p.FadeOut() }()

	time.Sleep(100 * time.Millisecond)
	begin := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(begin), 5*time.Second)

	select {
	case err := <-faded:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fade out still waiting after stop")
	}
	assert.False(t, p.Running())
}
