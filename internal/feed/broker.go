package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker publishes and subscribes bookmark change events over Redis
// pub/sub. Channels are per owner, so a subscriber only ever sees its
// own rows.
type Broker struct {
	client *redis.Client
}

func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewBrokerWithClient(client), nil
}

func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func channelFor(userID string) string {
	return "bookmarks:" + userID
}

// Publish sends one event to the owner's channel. Publishing with no
// subscribers is not an error.
func (b *Broker) Publish(ctx context.Context, userID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe opens a live subscription for one owner. The returned
// subscription must be closed to release the underlying connection.
func (b *Broker) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(userID))

	// Block until the server confirms the subscription so no event
	// published after Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("confirm subscription: %w", err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event),
	}
	go sub.pump()
	return sub, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Subscription is one owner's live event stream.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
}

// Events yields decoded feed events. The channel closes when the
// subscription is closed or the connection drops.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close terminates the subscription and its pump goroutine.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (s *Subscription) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("feed: dropping malformed event on %s: %v", msg.Channel, err)
			continue
		}
		s.events <- event
	}
}
