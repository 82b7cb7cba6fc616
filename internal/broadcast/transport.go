// Package broadcast fans graph edits, node positions and focus changes out to
// every session editing the same scope.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelDisconnected is reported when a subscription ends without being
// closed by its owner. Delivery is not gap-free; the owner must resync.
var ErrChannelDisconnected = errors.New("broadcast channel disconnected")

// Transport moves encoded events between sessions. Topics are opaque strings
// derived from a scope with Topic.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// Subscription is a live feed of one topic. Messages is closed when the
// subscription ends for any reason. Close is safe to call more than once.
type Subscription struct {
	messages <-chan []byte
	cancel   func()
	once     sync.Once
}

func newSubscription(messages <-chan []byte, cancel func()) *Subscription {
	return &Subscription{messages: messages, cancel: cancel}
}

func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Topic maps a scope such as "graph:product-1" to its channel name.
func Topic(scope string) string {
	return "collab:" + scope + ":events"
}
