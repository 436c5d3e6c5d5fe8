package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
)

const DefaultEventsChannel = "ledgersync:events"

// RedisBroadcaster relays committed events between server instances over
// Redis pub/sub. Every instance, including the committing one, delivers
// what it receives to its local sinks.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, evs []models.SyncEvent) error {
	data, err := json.Marshal(evs)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	return nil
}

// Run forwards every broadcast batch to sinks until ctx is done. ready, if
// not nil, is closed once the subscription is active.
func (b *RedisBroadcaster) Run(ctx context.Context, ready chan<- struct{}, sinks ...Publisher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info("listening for broadcast events", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evs []models.SyncEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evs); err != nil {
				b.logger.Warn("dropping malformed broadcast", "error", err)
				continue
			}
			if len(evs) == 0 {
				continue
			}
			for _, sink := range sinks {
				if err := sink.Publish(ctx, evs); err != nil {
					b.logger.Warn("broadcast sink failed", "error", err, "first_sequence", evs[0].Sequence)
				}
			}
		}
	}
}
