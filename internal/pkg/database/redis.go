package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewRedis creates a Redis client, or nil when no URL is configured.
// Redis only backs the webhook dedup fast path, so the service runs
// without it.
func NewRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		log.Warn().Msg("redis not configured, webhook dedup cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	log.Info().Msg("connected to redis")
	return client, nil
}

// CloseRedis closes the Redis connection
func CloseRedis(client *redis.Client) {
	if client != nil {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("closing redis connection")
		}
	}
}

// EventDedup is a best-effort processed-event filter on Redis. The
// database constraints remain the authority; losing a key only costs a
// redundant dispatch that the constraints absorb.
type EventDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEventDedup creates the dedup cache. Stripe redelivers for up to
// three days, so the TTL should comfortably exceed that.
func NewEventDedup(client *redis.Client, ttl time.Duration) *EventDedup {
	if ttl <= 0 {
		ttl = 96 * time.Hour
	}
	return &EventDedup{client: client, ttl: ttl}
}

func (d *EventDedup) key(eventID string) string {
	return "webhook:event:" + eventID
}

// Seen reports whether the event id was already marked processed.
func (d *EventDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records the event id. Called only after successful
// processing so failed deliveries stay retryable.
func (d *EventDedup) MarkSeen(ctx context.Context, eventID string) error {
	return d.client.SetNX(ctx, d.key(eventID), 1, d.ttl).Err()
}
