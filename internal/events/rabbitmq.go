package events

import (
	"context"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentPulse/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 发布器的连接参数。
type RabbitMQConfig struct {
	URL string
	// Exchange 为空时直接投递到 Queue（默认交换机）。
	Exchange string
	Queue    string
	Durable  bool
}

// RabbitMQPublisher 将事件以 JSON 消息投递到 RabbitMQ。
type RabbitMQPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
	durable    bool
}

// NewRabbitMQPublisher 建立连接并声明目标队列或交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentpulse.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}

	p := &RabbitMQPublisher{conn: conn, ch: ch, durable: cfg.Durable}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
			p.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 交换机失败")
		}
		p.exchange = cfg.Exchange
		return p, nil
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		p.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
	}
	p.routingKey = queue
	return p, nil
}

// Publish 投递事件；使用交换机时以事件类型作为 routing key。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil {
		return xerrors.New(xerrors.CodePublishFailure, "RabbitMQ 发布器未初始化")
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	msg := buildPublishing(event, payload, p.durable)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return xerrors.New(xerrors.CodePublishFailure, "RabbitMQ 发布器已关闭")
	}
	key := p.routingKey
	if p.exchange != "" {
		key = string(event.Kind)
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

func buildPublishing(event Event, payload []byte, durable bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID,
		Type:        string(event.Kind),
		Timestamp:   event.OccurredAt,
		Body:        payload,
	}
	if durable {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
