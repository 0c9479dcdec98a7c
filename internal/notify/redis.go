package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

// RedisChannel pub/sub channel carrying session events between replicas.
const RedisChannel = "consult:sessions"

// RedisConfig connection options for the redis backed feed.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// RedisFeed Feed that fans events out through redis pub/sub, so observers
// connected to any replica see transitions written by any other replica.
type RedisFeed struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *Broker
	done   chan struct{}
}

// NewRedisFeed connects to redis and starts relaying the channel into a local broker.
func NewRedisFeed(cfg RedisConfig, bufferSize int) (*RedisFeed, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	pubsub := client.Subscribe(ctx, RedisChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", RedisChannel, err)
	}

	f := &RedisFeed{
		client: client,
		pubsub: pubsub,
		local:  NewBroker(bufferSize),
		done:   make(chan struct{}),
	}
	go f.listen()

	return f, nil
}

func (f *RedisFeed) listen() {
	defer close(f.done)

	for msg := range f.pubsub.Channel() {
		var event models.SessionEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn("failed to decode session event", zap.Error(err))
			continue
		}

		f.local.Publish(context.Background(), event)
	}
}

// Publish sends event to every replica, including this one.
func (f *RedisFeed) Publish(ctx context.Context, event models.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize json %w", err)
	}

	err = f.client.Publish(ctx, RedisChannel, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}

	return nil
}

// Subscribe starts delivery of events for roomID.
func (f *RedisFeed) Subscribe(roomID string) *Subscription {
	return f.local.Subscribe(roomID)
}

// Close unsubscribes from redis and drops every local subscriber.
func (f *RedisFeed) Close() error {
	err := f.pubsub.Close()
	<-f.done
	f.local.Close()

	closeErr := f.client.Close()
	if err != nil {
		return err
	}
	return closeErr
}
