package events

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "AgentPulse/internal/errors"
)

// RedisConfig 描述 Redis 发布器的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Key 保存最近事件的 list。
	Key string
	// Channel 非空时额外通过 PUBLISH 广播。
	Channel string
	// MaxLen 限制 list 长度，<=0 表示使用默认值。
	MaxLen int64
}

// RedisPublisher 使用 Redis list（可选 pub/sub）投递事件。
type RedisPublisher struct {
	client  redis.UniversalClient
	key     string
	channel string
	maxLen  int64
}

// NewRedisPublisher 创建 Redis 发布器并检测连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisPublisherFromClient(client, cfg), nil
}

// NewRedisPublisherFromClient 复用已有客户端，不做连通性检测。
func NewRedisPublisherFromClient(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	key := cfg.Key
	if key == "" {
		key = "agentpulse:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisPublisher{client: client, key: key, channel: cfg.Channel, maxLen: maxLen}
}

// Publish 以 LPUSH + LTRIM 写入事件，最新事件位于 list 头部。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.key, payload)
	pipe.LTrim(ctx, p.key, 0, p.maxLen-1)
	if p.channel != "" {
		pipe.Publish(ctx, p.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败",
			xerrors.WithMetadata("key", p.key))
	}
	return nil
}

// Recent 读取最近的 n 条事件，最新的在前。
func (p *RedisPublisher) Recent(ctx context.Context, n int64) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	values, err := p.client.LRange(ctx, p.key, 0, n-1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "Redis 读取事件失败")
	}
	out := make([]Event, 0, len(values))
	for _, v := range values {
		e, err := Decode([]byte(v))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
