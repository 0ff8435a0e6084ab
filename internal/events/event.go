// Package events 将心跳、挑战等生命周期事件投递到外部消息系统，供监控或下游服务订阅。
// 事件投递是尽力而为的：失败只会被记录，不会影响心跳或挑战流程本身。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPulse/internal/errors"
)

// Kind 标识事件类型。
type Kind string

// 已知事件类型
const (
	KindLivenessStarted    Kind = "liveness.started"
	KindLivenessStopped    Kind = "liveness.stopped"
	KindHeartbeatSucceeded Kind = "heartbeat.succeeded"
	KindHeartbeatFailed    Kind = "heartbeat.failed"
	KindChallengeCompleted Kind = "challenge.completed"
	KindAgentRegistered    Kind = "agent.registered"
)

// Event 是投递到外部的事件载荷。
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Address    string            `json:"address"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New 创建带唯一 ID 的事件。
func New(kind Kind, address string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Address:    address,
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

// Encode 将事件序列化为 JSON。
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "encode event")
	}
	return data, nil
}

// Decode 解析 JSON 事件。
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode event")
	}
	return e, nil
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 不做任何事。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 不做任何事。
func (NopPublisher) Close() error { return nil }

// MultiPublisher 将事件依次投递给多个发布器。
type MultiPublisher []Publisher

// Publish 投递到全部发布器并合并错误。
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部发布器。
func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
