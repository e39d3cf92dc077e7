package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "swarmsim:"

type RedisBroker struct {
	client *redis.Client
	pubsub map[string]*redis.PubSub
	mu     sync.RWMutex
	runID  string
}

// NewRedis connects and pings the server. runID is stamped into published
// channel names so concurrent runs sharing one Redis stay apart.
func NewRedis(ctx context.Context, addr, password string, db int, runID string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisBroker{
		client: client,
		pubsub: make(map[string]*redis.PubSub),
		runID:  runID,
	}, nil
}

func (b *RedisBroker) channel(topic string) string {
	if b.runID == "" {
		return channelPrefix + topic
	}
	return channelPrefix + b.runID + ":" + topic
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	return b.client.Publish(ctx, b.channel(topic), data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	if old, ok := b.pubsub[topic]; ok {
		old.Close()
	}
	b.pubsub[topic] = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler(topic, []byte(msg.Payload))
		}
	}()
	return nil
}

func (b *RedisBroker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	ps, ok := b.pubsub[topic]
	if ok {
		delete(b.pubsub, topic)
	}
	b.mu.Unlock()
	if ok {
		return ps.Close()
	}
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, ps := range b.pubsub {
		ps.Close()
	}
	b.pubsub = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	return b.client.Close()
}
