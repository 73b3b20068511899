package session

import "sync"

// Event names pushed to listeners. Payloads are empty; listeners re-query.
const (
	EventConfigUpdated     = "vless_config_updated"
	EventConnectionChanged = "connection_status_changed"
	EventTunModeChanged    = "tun_mode_changed"
	EventKillSwitchChanged = "kill_switch_changed"
	EventSystemProxyChange = "system_proxy_changed"
)

const subscriberBuffer = 16

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than blocking the sender.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan string]struct{})}
}

// Subscribe returns a channel of event names and a func that closes it.
func (b *Broadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Notify sends event to every subscriber without blocking.
func (b *Broadcaster) Notify(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
