package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrRoomOffline is reported when the source room stops broadcasting.
var ErrRoomOffline = errors.New("source room offline")

// LiveStatus is a Bilibili room's live_status.
type LiveStatus int

const (
	StatusOffline  LiveStatus = 0
	StatusLive     LiveStatus = 1
	StatusRotation LiveStatus = 2 // replaying recordings
)

// RoomEvent is emitted when the room goes live or offline.
type RoomEvent struct {
	RoomID int64
	Live   bool
	Title  string
}

// RoomMonitor watches the Bilibili room the audio comes from, so a
// broadcast that ends is noticed before ffmpeg times out.
type RoomMonitor struct {
	client   *http.Client
	baseURL  string
	roomID   int64
	interval time.Duration

	mu      sync.Mutex
	checked bool
	live    bool
	title   string
}

func NewRoomMonitor(roomID int64, interval time.Duration) *RoomMonitor {
	return &RoomMonitor{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  "https://api.live.bilibili.com",
		roomID:   roomID,
		interval: interval,
	}
}

// Live reports the last observed state and whether any check succeeded yet.
func (m *RoomMonitor) Live() (live, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live, m.checked
}

// Watch polls the room and calls onEvent on live/offline transitions.
// Blocks until ctx is cancelled.
func (m *RoomMonitor) Watch(ctx context.Context, onEvent func(RoomEvent)) error {
	slog.Info("room monitor started", "room", m.roomID, "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll(ctx, onEvent)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(ctx, onEvent)
		}
	}
}

func (m *RoomMonitor) poll(ctx context.Context, onEvent func(RoomEvent)) {
	ev, err := m.check(ctx)
	if err != nil {
		slog.Warn("check room failed", "room", m.roomID, "err", err)
		return
	}
	if ev != nil && onEvent != nil {
		onEvent(*ev)
	}
}

func (m *RoomMonitor) check(ctx context.Context) (*RoomEvent, error) {
	info, err := m.getRoomInfo(ctx)
	if err != nil {
		return nil, err
	}
	isLive := LiveStatus(info.LiveStatus) == StatusLive

	m.mu.Lock()
	defer m.mu.Unlock()

	var event *RoomEvent
	switch {
	case isLive && (!m.live || !m.checked):
		slog.Info("📡 source room LIVE", "room", m.roomID, "title", info.Title)
		event = &RoomEvent{RoomID: m.roomID, Live: true, Title: info.Title}
	case !isLive && (m.live || !m.checked):
		slog.Warn("source room OFFLINE", "room", m.roomID, "status", info.LiveStatus)
		event = &RoomEvent{RoomID: m.roomID, Live: false}
	}
	m.checked = true
	m.live = isLive
	m.title = info.Title
	return event, nil
}

type roomInfoResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		LiveStatus int    `json:"live_status"`
		Title      string `json:"title"`
		LiveTime   string `json:"live_time"`
	} `json:"data"`
}

type roomInfo struct {
	LiveStatus int
	Title      string
}

func (m *RoomMonitor) getRoomInfo(ctx context.Context) (*roomInfo, error) {
	url := fmt.Sprintf("%s/room/v1/Room/get_info?room_id=%d", m.baseURL, m.roomID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) adhaanlive/1.0")
	req.Header.Set("Referer", "https://live.bilibili.com/")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var r roomInfoResp
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if r.Code != 0 {
		return nil, fmt.Errorf("API error %d: %s", r.Code, r.Message)
	}
	return &roomInfo{LiveStatus: r.Data.LiveStatus, Title: r.Data.Title}, nil
}
