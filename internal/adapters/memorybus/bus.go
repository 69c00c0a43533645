package memorybus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// Bus diffuse les événements aux abonnés sans jamais bloquer l'émetteur.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan ports.Event]subscriber
	alive   bool
	dropped atomic.Int64
}

type subscriber struct {
	prefixes []string
}

func (s subscriber) wants(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func New() *Bus {
	return &Bus{subs: make(map[chan ports.Event]subscriber), alive: true}
}

func (b *Bus) Publish(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return
	}
	evt := ports.Event{ID: xid.New().String(), Topic: topic, At: time.Now().UTC(), Payload: payload}
	for ch, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case ch <- evt:
		default:
			// drop si le client est trop lent
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Subscribe() (<-chan ports.Event, func()) {
	return b.SubscribeTopics()
}

// SubscribeTopics ne reçoit que les topics qui commencent par l'un des préfixes.
func (b *Bus) SubscribeTopics(prefixes ...string) (<-chan ports.Event, func()) {
	ch := make(chan ports.Event, 64)
	b.mu.Lock()
	if !b.alive {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = subscriber{prefixes: prefixes}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// Dropped compte les événements perdus par des abonnés trop lents.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close ferme tous les abonnements; les Publish suivants sont ignorés.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return
	}
	b.alive = false
	for ch := range b.subs {
		close(ch)
	}
	b.subs = map[chan ports.Event]subscriber{}
}
