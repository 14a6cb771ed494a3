package pages

import (
	"sync"

	"github.com/lsst-sqre/times-square-go/internal/domain"
)

// Broker fans computation updates out to in-process subscribers of a
// fingerprint. Slow subscribers miss updates rather than block
// publishers; Subscribe also polls the store, so a dropped update is
// picked up on the next tick.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.Computation]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan domain.Computation]struct{})}
}

func (b *Broker) Subscribe(fingerprint string) (<-chan domain.Computation, func()) {
	ch := make(chan domain.Computation, 8)
	b.mu.Lock()
	set, ok := b.subs[fingerprint]
	if !ok {
		set = make(map[chan domain.Computation]struct{})
		b.subs[fingerprint] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[fingerprint], ch)
			if len(b.subs[fingerprint]) == 0 {
				delete(b.subs, fingerprint)
			}
		})
	}
}

func (b *Broker) Publish(c domain.Computation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[c.Fingerprint] {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribers counts live subscriptions for a fingerprint.
func (b *Broker) Subscribers(fingerprint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[fingerprint])
}
