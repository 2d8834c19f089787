// Package notify pushes controller transitions to outside systems: a
// retained MQTT status topic and danmaku in a Bilibili live room.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/controller"
)

// Notifier delivers messages to one destination.
type Notifier interface {
	// Notify delivers msg. Notifiers ignore messages they are not interested in.
	Notify(ctx context.Context, msg Message) error
	// Name identifies the notifier in logs.
	Name() string
	// Available reports whether the notifier is configured to send.
	Available() bool
}

// Message is the notifier view of a controller transition.
type Message struct {
	State    controller.State  `json:"state"`
	From     controller.State  `json:"from"`
	Reason   controller.Reason `json:"reason"`
	At       time.Time         `json:"at"`
	Prayer   string            `json:"prayer,omitempty"`
	Session  string            `json:"session,omitempty"`
	Duration float64           `json:"duration_seconds,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// MessageFor converts a transition.
func MessageFor(tr controller.Transition) Message {
	m := Message{State: tr.To, From: tr.From, Reason: tr.Reason, At: tr.At}
	if !tr.Window.IsZero() {
		m.Prayer = tr.Window.Prayer.String()
	}
	if tr.Session != nil {
		m.Session = tr.Session.ID
		m.Prayer = tr.Session.Prayer.String()
		m.Duration = tr.Session.Duration().Seconds()
	}
	if tr.Failure != nil {
		m.Error = tr.Failure.Error()
	}
	return m
}

// SessionEvent reports whether the message starts or ends an Adhaan session.
func (m Message) SessionEvent() bool {
	return m.State == controller.AdhaanActive || m.From == controller.AdhaanActive
}

// Text is a short human-readable line for chat destinations.
func (m Message) Text() string {
	name := m.Prayer
	if name == "" {
		name = "Adhaan"
	} else {
		name += " Adhaan"
	}
	switch {
	case m.State == controller.AdhaanActive:
		return name + " started, live audio playing"
	case m.Reason == controller.ReasonPlaybackFailure:
		return name + " detected but playback failed"
	case m.From == controller.AdhaanActive:
		d := time.Duration(m.Duration * float64(time.Second)).Round(time.Second)
		return fmt.Sprintf("%s ended (%s)", name, d)
	case m.State == controller.Listening:
		return "listening for " + name
	default:
		return "idle"
	}
}
