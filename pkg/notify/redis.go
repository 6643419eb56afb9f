package notify

import (
	"context"
	"fmt"
	"time"

	"ledger-engine/pkg/logging"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	// Addr is the Redis server address, e.g. "localhost:6379".
	Addr     string
	Username string
	Password string
	DB       int

	// Channel receives every event (default: "ledger:events").
	Channel string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns a local single-node configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Channel:      "ledger:events",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisPublisher sends events as JSON with PUBLISH.
type RedisPublisher struct {
	client  rueidis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisPublisher connects to Redis and verifies the link with PING.
func NewRedisPublisher(config RedisConfig) (*RedisPublisher, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("notify: no redis address configured")
	}
	defaults := DefaultRedisConfig()
	if config.Channel == "" {
		config.Channel = defaults.Channel
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      []string{config.Addr},
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		DisableCache:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: failed to ping redis: %w", err)
	}

	return &RedisPublisher{
		client:  client,
		channel: config.Channel,
		logger:  logging.L().Named("notify").Named("redis"),
	}, nil
}

// Channel returns the pub/sub channel events go to.
func (r *RedisPublisher) Channel() string {
	return r.channel
}

// Publish encodes event and publishes it on the configured channel.
func (r *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("notify: failed to marshal event: %w", err)
	}

	cmd := r.client.B().Publish().Channel(r.channel).Message(string(data)).Build()
	receivers, err := r.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}

	r.logger.Debug("event published",
		zap.String("kind", string(event.Kind)),
		logging.TxID(event.TxID),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Ping checks the Redis link.
func (r *RedisPublisher) Ping(ctx context.Context) error {
	return r.client.Do(ctx, r.client.B().Ping().Build()).Error()
}

// Close closes the Redis client.
func (r *RedisPublisher) Close() error {
	r.client.Close()
	return nil
}

var _ Notifier = (*RedisPublisher)(nil)
