package events

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// RedisSink publishes events on a Redis pub/sub channel for notification
// workers. Passenger events also go to a per-phone channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a Redis pub/sub sink
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Name implements Sink
func (s *RedisSink) Name() string { return "redis" }

// Deliver implements Sink
func (s *RedisSink) Deliver(ctx context.Context, e models.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if e.Type == models.EventPassengerTripUpdate && e.PassengerPhone != "" {
		if err := s.client.Publish(ctx, PassengerChannel(s.channel, e.PassengerPhone), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish passenger event: %w", err)
		}
	}
	return nil
}

// PassengerChannel is the channel carrying one passenger's trip updates
func PassengerChannel(base, phone string) string {
	return base + ".passenger." + phone
}
