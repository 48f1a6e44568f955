package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisBus publishes events on a Redis channel and delivers events from peers
type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
	log     *logrus.Logger
}

// NewRedisBus creates a bus. origin identifies this node so its own events can
// be ignored on receipt.
func NewRedisBus(client *redis.Client, channel, origin string, log *logrus.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logrus.New()
	}
	return &RedisBus{client: client, channel: channel, origin: origin, log: log}
}

// Publish implements Publisher
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.Origin == "" {
		event.Origin = b.origin
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events published by other nodes to handler until ctx is
// cancelled. It returns once the subscription is confirmed.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(context.Context, Event)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.WithError(err).Warn("Ignoring malformed event")
					continue
				}
				if event.Origin == b.origin {
					continue
				}
				handler(ctx, event)
			}
		}
	}()
	return nil
}
