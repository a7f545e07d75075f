package bus

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/cskr/pubsub"
)

const defaultCapacity = 128

// Subscription receives every payload published on its topics.
type Subscription chan any

// MessageBus carries events between components by topic.
type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topic string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}

	return &PubSubBus{
		ps:     pubsub.New(defaultCapacity),
		logger: logger,
	}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topic string) Subscription {
	ch := b.ps.Sub(topic)
	b.logger.Debug("subscribe", "topic", topic)

	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")

		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

// Listen subscribes to topic and calls fn for every payload of type T until ctx is done
// or the bus is closed. Payloads of other types are skipped.
func Listen[T any](ctx context.Context, b MessageBus, topic string, fn func(T)) {
	sub := b.Subscribe(topic)
	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(sub, topic)

				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				msg, ok := raw.(T)
				if !ok {
					continue
				}
				fn(msg)
			}
		}
	}()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}

	return reflect.TypeOf(v).String()
}
