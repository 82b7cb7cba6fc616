package broadcast

import (
	"context"
	"sync"
)

const memoryBuffer = 256

// MemoryTransport delivers within one process. Like Redis pub/sub it hands
// every message to every subscriber of the topic, the sender included.
type MemoryTransport struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
}

type memorySub struct {
	ch     chan []byte
	closed bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{topics: make(map[string]map[*memorySub]struct{})}
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.topics[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber; pub/sub is at-most-once.
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySub{ch: make(chan []byte, memoryBuffer)}

	t.mu.Lock()
	if t.topics[topic] == nil {
		t.topics[topic] = make(map[*memorySub]struct{})
	}
	t.topics[topic][sub] = struct{}{}
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { t.remove(topic, sub) })
	return newSubscription(sub.ch, func() {
		stop()
		t.remove(topic, sub)
	}), nil
}

func (t *MemoryTransport) remove(topic string, sub *memorySub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(t.topics[topic], sub)
	if len(t.topics[topic]) == 0 {
		delete(t.topics, topic)
	}
	close(sub.ch)
}

// Disconnect ends every subscription on topic as a dropped connection would.
func (t *MemoryTransport) Disconnect(topic string) {
	t.mu.Lock()
	subs := make([]*memorySub, 0, len(t.topics[topic]))
	for sub := range t.topics[topic] {
		subs = append(subs, sub)
	}
	t.mu.Unlock()
	for _, sub := range subs {
		t.remove(topic, sub)
	}
}

// Subscribers reports how many live subscriptions topic has.
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics[topic])
}
