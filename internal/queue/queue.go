// Package queue 提供事件总线与 webhook 投递共用的消息队列抽象。
package queue

import (
	"context"
	"fmt"
	"strings"

	"ExtensionHost/internal/config"
	xerrors "ExtensionHost/internal/errors"
)

// 宿主内使用的主题。
const (
	TopicEvents   = "events"
	TopicWebhooks = "webhooks"
)

// Handler 处理一条消息的原始负载。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Open 根据配置为指定主题创建队列。
func Open(cfg config.QueueConfig, topic string) (Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryQueue(cfg.Memory.Size), nil
	case "redis":
		return NewRedisQueue(RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     prefixed(cfg.Redis.Prefix, "exthost:", ":", topic),
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    prefixed(cfg.RabbitMQ.Prefix, "exthost.", ".", topic),
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的队列驱动 %q", cfg.Driver))
	}
}

func prefixed(prefix, fallback, sep, topic string) string {
	if prefix == "" {
		return fallback + topic
	}
	return strings.TrimSuffix(prefix, sep) + sep + topic
}
