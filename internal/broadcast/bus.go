// Package broadcast notifies other processes of the same device that the
// local snapshot changed. Messages carry no data; receivers re-read the store.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 16

// Bus delivers published payloads to every current subscriber of a channel.
// Delivery is best effort.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription receives the payloads published on one channel. Messages is
// closed after Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// MemoryBus is a Bus for processes that share one address space.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.out <- msg:
		default:
			slog.Warn("Dropping broadcast for slow subscriber", "channel", channel)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{bus: b, channel: channel, out: make(chan []byte, subscriptionBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of open subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.channel], s)
		if len(s.bus.subs[s.channel]) == 0 {
			delete(s.bus.subs, s.channel)
		}
		close(s.out)
	})
	return nil
}
