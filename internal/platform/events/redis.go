package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes each event on "<prefix>:<type>".
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel an event type is published on.
func (p *RedisPublisher) Channel(eventType string) string {
	return p.prefix + ":" + eventType
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(ev.Type), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// MessageHandler processes one raw pub/sub payload.
type MessageHandler func(ctx context.Context, payload []byte) error

// Subscriber consumes a single Redis channel until its context ends.
type Subscriber struct {
	client  redis.UniversalClient
	channel string
	handler MessageHandler
	logger  zerolog.Logger
}

func NewSubscriber(client redis.UniversalClient, channel string, handler MessageHandler, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		handler: handler,
		logger:  logger.With().Str("channel", channel).Logger(),
	}
}

// Run blocks, dispatching messages to the handler one at a time. Handler
// errors are logged and the loop continues; Run returns when ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info().Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.handler(ctx, []byte(msg.Payload)); err != nil {
				s.logger.Error().Err(err).Msg("message handling failed")
			}
		}
	}
}
