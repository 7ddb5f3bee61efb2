package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published on the Bus.
const (
	EventAccountsChanged = "accounts-changed"
	EventMonitorStatus   = "monitor-status-changed"
	EventOBSStatus       = "obs-status-changed"
	EventTwitchStatus    = "twitch-status-changed"
	EventStreamStarted   = "stream-started"
	EventStreamStopped   = "stream-stopped"
	EventGameEntered     = "game-entered"
	EventGameLeft        = "game-left"
)

const subscriberBuffer = 32

// Event is one UI notification.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(typ string, data any) {
	ev := Event{Type: typ, Data: data, At: time.Now().UTC()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("dropping event for slow subscriber", slog.String("component", "orchestrator"), slog.String("event", typ))
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
