package audio

import (
	"context"
	"fmt"
	"io"

	stream "github.com/MatchaCake/bilibili_stream_lib"
)

// BilibiliOpener captures audio through bilibili_stream_lib, which handles
// the referer headers Bilibili CDNs require. Output is the library default
// format (16 kHz mono s16le).
type BilibiliOpener struct{}

func (BilibiliOpener) SampleRate() int { return stream.DefaultCaptureConfig().SampleRate }

func (BilibiliOpener) Open(ctx context.Context, streamURL string) (io.ReadCloser, error) {
	r, err := stream.CaptureAudio(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bilibili capture: %w", err)
	}
	return r, nil
}
