// ABOUTME: Redis pub/sub sink publishing new-message envelopes as JSON
// ABOUTME: Lets processes outside the bridge follow the message stream

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/wabridge/internal/conversation"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "wabridge:messages"

// RedisSink publishes to a Redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to url (redis://...) and verifies the connection.
func NewRedisSink(ctx context.Context, url, channel string) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}

	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisSink{client: c, channel: channel}, nil
}

func (r *RedisSink) Name() string { return "redis" }

// Channel returns the channel events are published to.
func (r *RedisSink) Channel() string { return r.channel }

func (r *RedisSink) Publish(ctx context.Context, event *conversation.NewMessageEvent) error {
	payload, err := json.Marshal(Envelope{Type: conversation.TopicNewMessage, Data: event})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
