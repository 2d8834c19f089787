package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/somethingdevs/AdhaanLive/internal/controller"
)

const (
	queueSize   = 32
	sendTimeout = 15 * time.Second
)

// Pool fans transitions out to a set of notifiers, indexed by name. Delivery
// happens on the Run goroutine so a slow destination never holds up the
// controller.
type Pool struct {
	mu       sync.RWMutex
	notifies map[string]Notifier
	queue    chan Message
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		notifies: make(map[string]Notifier),
		queue:    make(chan Message, queueSize),
	}
}

// Add registers a notifier by name.
func (p *Pool) Add(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifies[n.Name()] = n
}

// Get returns a notifier by name.
func (p *Pool) Get(name string) Notifier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.notifies[name]
}

// Remove removes a notifier by name.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notifies, name)
}

// All returns the available notifiers.
func (p *Pool) All() []Notifier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Notifier, 0, len(p.notifies))
	for _, n := range p.notifies {
		if n.Available() {
			out = append(out, n)
		}
	}
	return out
}

// Names returns all notifier names.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.notifies))
	for name := range p.notifies {
		out = append(out, name)
	}
	return out
}

// OnTransition queues a message. A full queue drops it.
func (p *Pool) OnTransition(tr controller.Transition) {
	msg := MessageFor(tr)
	select {
	case p.queue <- msg:
	default:
		slog.Warn("notify queue full, dropping", "state", msg.State, "reason", msg.Reason)
	}
}

// Run delivers queued messages until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.queue:
			p.deliver(ctx, msg)
		}
	}
}

func (p *Pool) deliver(ctx context.Context, msg Message) {
	for _, n := range p.All() {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := n.Notify(sendCtx, msg); err != nil {
			slog.Warn("notify failed", "notifier", n.Name(), "reason", msg.Reason, "err", err)
		}
		cancel()
	}
}
