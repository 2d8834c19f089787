package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	bstream "github.com/MatchaCake/bilibili_stream_lib"
)

// StaticResolver always returns the same URL.
type StaticResolver struct {
	URL string
	now func() time.Time
}

func NewStaticResolver(u string) *StaticResolver {
	return &StaticResolver{URL: u, now: time.Now}
}

func (s *StaticResolver) Resolve(context.Context) (Handle, error) {
	if s.URL == "" {
		return Handle{}, fmt.Errorf("%w: empty url", ErrResolutionFailed)
	}
	return newHandle(s.URL, s.now()), nil
}

var m3u8Pattern = regexp.MustCompile(`https?://[^\s"'<>\\]+\.m3u8[^\s"'<>\\]*`)

// PageResolver scrapes an HTML page for the first .m3u8 URL. Embedded
// players on mosque sites typically render the tokenized URL into the page.
type PageResolver struct {
	client  *http.Client
	pageURL string
	now     func() time.Time
}

func NewPageResolver(pageURL string) *PageResolver {
	return &PageResolver{
		client:  &http.Client{Timeout: 15 * time.Second},
		pageURL: pageURL,
		now:     time.Now,
	}
}

func (p *PageResolver) Resolve(ctx context.Context) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.pageURL, nil)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) adhaanlive/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: http get: %w", ErrResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Handle{}, fmt.Errorf("%w: page status %d", ErrResolutionFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Handle{}, fmt.Errorf("%w: read body: %w", ErrResolutionFailed, err)
	}

	// URLs embedded in inline JSON come escaped.
	page := strings.NewReplacer(`\/`, "/", `\u0026`, "&", "&amp;", "&").Replace(string(body))
	found := m3u8Pattern.FindString(page)
	if found == "" {
		return Handle{}, fmt.Errorf("%w: no m3u8 url on page", ErrResolutionFailed)
	}

	// Resolve relative to the page for protocol-relative oddities.
	base, _ := url.Parse(p.pageURL)
	if ref, err := url.Parse(found); err == nil && base != nil {
		found = base.ResolveReference(ref).String()
	}
	return newHandle(found, p.now()), nil
}

// CommandResolver runs an external tool, e.g. `yt-dlp -g <url>`, and uses
// the first line of its output.
type CommandResolver struct {
	argv    []string
	timeout time.Duration
	now     func() time.Time
}

func NewCommandResolver(argv []string) *CommandResolver {
	return &CommandResolver{argv: argv, timeout: 30 * time.Second, now: time.Now}
}

func (c *CommandResolver) Resolve(ctx context.Context) (Handle, error) {
	if len(c.argv) == 0 {
		return Handle{}, fmt.Errorf("%w: empty command", ErrResolutionFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %w: %s", ErrResolutionFailed, c.argv[0], err, strings.TrimSpace(stderr.String()))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "http") {
		return Handle{}, fmt.Errorf("%w: %s printed no url", ErrResolutionFailed, c.argv[0])
	}
	return newHandle(line, c.now()), nil
}

// BilibiliResolver asks Bilibili for the current play URL of a live room.
type BilibiliResolver struct {
	roomID int64
	now    func() time.Time
}

func NewBilibiliResolver(roomID int64) *BilibiliResolver {
	return &BilibiliResolver{roomID: roomID, now: time.Now}
}

func (b *BilibiliResolver) Resolve(ctx context.Context) (Handle, error) {
	u, err := bstream.GetStreamURL(ctx, b.roomID)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: room %d: %w", ErrResolutionFailed, b.roomID, err)
	}
	return newHandle(u, b.now()), nil
}
