package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/marketlens/marketlens/internal/config"
)

// MirrorBackend re-publishes every stream delta to a shared channel so
// sibling dashboard replicas can push the same updates to their own
// clients. Redis for low latency, Kafka when the deltas should persist.
type MirrorBackend interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// NewMirror builds the configured backend, or nil when mirroring is
// disabled.
func NewMirror(cfg config.MirrorConfig) (MirrorBackend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "redis":
		return NewRedisMirror(cfg), nil
	case "kafka":
		return NewKafkaMirror(cfg), nil
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}
}

// RedisMirror publishes deltas on a Redis pub/sub channel.
type RedisMirror struct {
	client  *redis.Client
	channel string
}

func NewRedisMirror(cfg config.MirrorConfig) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}),
		channel: cfg.Redis.Channel,
	}
}

func (m *RedisMirror) Publish(ctx context.Context, payload []byte) error {
	return m.client.Publish(ctx, m.channel, payload).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// KafkaMirror appends deltas to a Kafka topic.
type KafkaMirror struct {
	writer *kafka.Writer
}

func NewKafkaMirror(cfg config.MirrorConfig) *KafkaMirror {
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Kafka.Brokers...),
			Topic:    cfg.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (m *KafkaMirror) Publish(ctx context.Context, payload []byte) error {
	return m.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
