package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport carries events over Redis pub/sub.
type RedisTransport struct {
	rdb *redis.Client
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// nothing published after Subscribe returns is missed.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	messages := make(chan []byte, memoryBuffer)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(messages)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case messages <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return newSubscription(messages, cancel), nil
}
