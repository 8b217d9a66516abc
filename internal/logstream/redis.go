package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const RedisChannel = "cirunner:job_logs"

// RedisBus is both the Publisher and the Source of the redis stream backend
type RedisBus struct {
	client         *redis.Client
	reconnectDelay time.Duration
}

// NewRedisBus connects to redis and verifies the connection
func NewRedisBus(addr, password string, db int, reconnectDelay time.Duration) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	return &RedisBus{client: client, reconnectDelay: reconnectDelay}, nil
}

func (r *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, RedisChannel, data).Err()
}

func (r *RedisBus) Listen(ctx context.Context, deliver func(Event)) error {
	return listenLoop(ctx, "redis", r.reconnectDelay, func(ctx context.Context) error {
		return r.listenOnce(ctx, deliver)
	})
}

func (r *RedisBus) listenOnce(ctx context.Context, deliver func(Event)) error {
	sub := r.client.Subscribe(ctx, RedisChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close redis subscription")
		}
	}()

	// wait for the subscription to be confirmed before reporting readiness
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", RedisChannel, err)
	}
	log.Info().Str("channel", RedisChannel).Msg("Listening for log messages")

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		deliverPayload(msg.Payload, deliver)
	}
}

// Close terminates the Redis connection
func (r *RedisBus) Close() error {
	return r.client.Close()
}
