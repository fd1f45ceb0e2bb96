package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keyvault/internal/logging"
)

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
	Channel  string

	DialTimeout time.Duration
}

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	log     *logging.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, log *logging.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("events: redis address is required")
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: ping redis: %w", err)
	}
	return newRedisPublisher(client, cfg.Channel, log), nil
}

func newRedisPublisher(client redis.UniversalClient, channel string, log *logging.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logging.Default()
	}
	return &RedisPublisher{client: client, channel: channel, log: log.WithComponent("events")}
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := e.Encode()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	p.log.Debug("event published", "type", string(e.Type), "channel", p.channel)
	return nil
}

// Subscribe calls handler for every event on the channel until ctx is
// done. Malformed messages are logged and skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(Event)) error {
	pubsub := p.client.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", p.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				p.log.Warn("skipping malformed event", "channel", p.channel, "error", err)
				continue
			}
			handler(e)
		}
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
