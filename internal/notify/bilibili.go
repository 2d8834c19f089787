package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	dm "github.com/MatchaCake/bilibili_dm_lib"
)

type danmakuSender interface {
	Send(ctx context.Context, roomID int64, msg string) error
}

// BilibiliNotifier posts session start and end as danmaku in a live room.
type BilibiliNotifier struct {
	roomID     int64
	sessdata   string
	danmakuMax int

	mu     sync.Mutex
	sender danmakuSender
}

// NewBilibiliNotifier creates a notifier for roomID. danmakuMax is the
// account's per-message character limit.
func NewBilibiliNotifier(roomID int64, sessdata, biliJCT string, danmakuMax int) *BilibiliNotifier {
	if danmakuMax <= 0 {
		danmakuMax = 20
	}
	return &BilibiliNotifier{
		roomID:     roomID,
		sessdata:   sessdata,
		danmakuMax: danmakuMax,
		sender: dm.NewSender(
			dm.WithSenderCookie(sessdata, biliJCT),
			dm.WithMaxLength(danmakuMax),
			dm.WithCooldown(2*time.Second),
		),
	}
}

func (b *BilibiliNotifier) Name() string    { return "bilibili" }
func (b *BilibiliNotifier) Available() bool { return b.sessdata != "" && b.roomID != 0 }
func (b *BilibiliNotifier) RoomID() int64   { return b.roomID }

// UpdateCredentials rebuilds the sender, e.g. after a config reload.
func (b *BilibiliNotifier) UpdateCredentials(sessdata, biliJCT string, danmakuMax int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessdata = sessdata
	if danmakuMax > 0 {
		b.danmakuMax = danmakuMax
	}
	b.sender = dm.NewSender(
		dm.WithSenderCookie(sessdata, biliJCT),
		dm.WithMaxLength(b.danmakuMax),
		dm.WithCooldown(2*time.Second),
	)
}

// Notify sends session start/end; other transitions are ignored.
func (b *BilibiliNotifier) Notify(ctx context.Context, msg Message) error {
	if !msg.SessionEvent() {
		return nil
	}
	b.mu.Lock()
	sender := b.sender
	maxLen := b.danmakuMax
	b.mu.Unlock()

	for _, chunk := range splitDanmaku(msg.Text(), maxLen) {
		if err := sender.Send(ctx, b.roomID, chunk); err != nil {
			slog.Warn("danmaku send failed", "room", b.roomID, "err", err)
			return err
		}
	}
	return nil
}

// splitDanmaku wraps msg in 【】, splitting it into chunks that each fit
// maxLen runes including the brackets.
func splitDanmaku(msg string, maxLen int) []string {
	wrapped := "【" + msg + "】"
	if len([]rune(wrapped)) <= maxLen {
		return []string{wrapped}
	}
	runes := []rune(msg)
	size := max(maxLen-2, 1)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		out = append(out, "【"+string(runes[i:end])+"】")
	}
	return out
}
