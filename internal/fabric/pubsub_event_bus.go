// Package fabric — Google Cloud Pub/Sub-backed EventBus, the durable
// alternative to RedisEventBus for deployments that already run on
// GCP and want at-least-once cross-replica delivery instead of
// best-effort Pub/Sub-over-Redis.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// PubSubEventBus wraps a LocalEventBus for same-process delivery and
// additionally publishes every event to a Cloud Pub/Sub topic, with a
// subscription pulled back into the local bus so every replica's
// subscribers see every replica's events.
type PubSubEventBus struct {
	*LocalEventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	logger *log.Logger
}

// NewPubSubEventBus dials Pub/Sub, creating the topic if it does not
// already exist and a subscription of this replica's own, so that every
// replica receives every event published on the topic.
func NewPubSubEventBus(ctx context.Context, projectID, topicID string) (*PubSubEventBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	subID := topicID + "-fabric-" + uuid.New().String()
	sub := client.Subscription(subID)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:            topic,
			AckDeadline:      10 * time.Second,
			ExpirationPolicy: 24 * time.Hour,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateSubscription: %w", err)
		}
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	bus := &PubSubEventBus{
		LocalEventBus: NewLocalEventBus(),
		client:        client,
		topic:         topic,
		sub:           sub,
		cancel:        cancel,
		logger:        log.New(log.Writer(), "[fabric:pubsub] ", log.LstdFlags),
	}

	go bus.receiveLoop(recvCtx)
	return bus, nil
}

func (b *PubSubEventBus) receiveLoop(ctx context.Context) {
	err := b.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Printf("failed to decode message %s: %v", msg.ID, err)
			msg.Ack()
			return
		}
		b.LocalEventBus.Publish(context.Background(), &event)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Printf("receive loop ended: %v", err)
	}
}

// Publish publishes to the topic; local subscribers will see it again
// once it round-trips through the subscription, same as every other
// replica's subscribers do.
func (b *PubSubEventBus) Publish(ctx context.Context, event *Event) error {
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

	result := b.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": string(event.Type),
			"event_id":   event.ID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// Close tears down the receive loop and the Pub/Sub client.
func (b *PubSubEventBus) Close() error {
	b.cancel()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return b.LocalEventBus.Close()
}
