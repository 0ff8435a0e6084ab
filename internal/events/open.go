package events

import (
	"context"
	"strings"

	xerrors "AgentPulse/internal/errors"
)

// 支持的驱动
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Config 选择事件驱动及其参数。
type Config struct {
	Driver         string
	MemoryCapacity int
	Redis          RedisConfig
	RabbitMQ       RabbitMQConfig
}

// Open 按驱动创建发布器，空驱动等同于 none。
func Open(ctx context.Context, cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNone:
		return NopPublisher{}, nil
	case DriverMemory:
		return NewMemoryPublisher(cfg.MemoryCapacity), nil
	case DriverRedis:
		return NewRedisPublisher(ctx, cfg.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown events driver "+cfg.Driver)
	}
}
