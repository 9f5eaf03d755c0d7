package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SubscriptionConsumer receives subscription-change events. Consumer
// failures are logged and do not affect the publishing operation; the
// triggering transaction has already committed when events go out.
type SubscriptionConsumer interface {
	HandleSubscriptionChanged(ctx context.Context, event SubscriptionChanged) error
}

// Bus is an explicit in-process event channel. Consumers are registered at
// wiring time rather than hooked in at import time, so every side effect
// of a subscription change is visible in one place.
type Bus struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	consumers []SubscriptionConsumer
}

// NewBus constructs an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// SubscribeSubscriptionChanged registers a consumer for subscription-change
// events.
func (b *Bus) SubscribeSubscriptionChanged(consumer SubscriptionConsumer) {
	if consumer == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, consumer)
}

// PublishSubscriptionChanged delivers the event to every registered
// consumer in registration order.
func (b *Bus) PublishSubscriptionChanged(ctx context.Context, event SubscriptionChanged) {
	b.mu.RLock()
	consumers := make([]SubscriptionConsumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.RUnlock()

	for _, consumer := range consumers {
		if err := consumer.HandleSubscriptionChanged(ctx, event); err != nil {
			b.logger.Error("subscription change consumer failed",
				zap.String("user_id", event.UserID),
				zap.String("client_id", event.ClientID),
				zap.Int64("podcast_id", event.PodcastID),
				zap.Bool("subscribed", event.Subscribed),
				zap.Error(err))
		}
	}
}
