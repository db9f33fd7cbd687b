// Package fabric — Redis-backed EventBus for cross-replica event
// distribution.
//
// LocalEventBus only delivers within one process. RedisEventBus uses
// Redis Pub/Sub so an ioc_verified published by the replica that ran
// consensus reaches sessions parked on every other replica.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RedisPubSubClient is the minimal interface the event bus needs from
// a Redis client; GoRedisAdapter in internal/infra implements it.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisEventBus distributes events across coordinator replicas using
// Redis Pub/Sub. In-process subscribers receive an event when it comes
// back through the Redis subscription; Publish delivers to them directly
// only when the Redis publish fails.
type RedisEventBus struct {
	mu         sync.RWMutex
	pubsub     RedisPubSubClient
	prefix     string
	localSubs  map[EventType][]subscriberEntry
	unsubFuncs []func()
	closed     bool
}

// NewRedisEventBus creates a Redis-backed event bus. channelPrefix
// namespaces channels per deployment, e.g. "exchange:events:".
func NewRedisEventBus(client RedisPubSubClient, channelPrefix string) *RedisEventBus {
	if channelPrefix == "" {
		channelPrefix = "exchange:events:"
	}
	return &RedisEventBus{
		pubsub:    client,
		prefix:    channelPrefix,
		localSubs: make(map[EventType][]subscriberEntry),
	}
}

func (b *RedisEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := b.prefix + string(event.Type)
	if err := b.pubsub.Publish(ctx, channel, data); err != nil {
		log.Printf("[fabric] redis publish failed for %s, delivering locally only: %v", event.Type, err)
		b.deliverLocal(ctx, event)
		return nil
	}
	return nil
}

func (b *RedisEventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscriberCounter++
	id := subscriberCounter
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{id: id, handler: handler})

	channel := b.prefix + string(eventType)
	unsub, err := b.pubsub.Subscribe(context.Background(), channel, func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[fabric] failed to decode redis event on %s: %v", channel, err)
			return
		}
		b.deliverLocal(context.Background(), &event)
	})
	if err != nil {
		log.Printf("[fabric] redis subscribe failed for %s, local-only mode: %v", eventType, err)
	} else {
		b.unsubFuncs = append(b.unsubFuncs, unsub)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.localSubs = nil
	return nil
}

func (b *RedisEventBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				log.Printf("[fabric] event handler error for %s: %v", event.Type, err)
			}
		}()
	}
}
