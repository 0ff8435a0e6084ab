package events

import (
	"context"
	"sync"

	xerrors "AgentPulse/internal/errors"
)

// MemoryPublisher 在内存中保留最近的事件，主要用于测试和本地调试。
type MemoryPublisher struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	subs     []chan Event
	closed   bool
}

// NewMemoryPublisher 创建内存发布器，capacity 为保留的事件上限。
func NewMemoryPublisher(capacity int) *MemoryPublisher {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryPublisher{capacity: capacity}
}

// Publish 记录事件并通知订阅者；订阅者处理不及时的事件会被丢弃。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "publish event")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.New(xerrors.CodePublishFailure, "publisher is closed")
	}
	p.events = append(p.events, event)
	if over := len(p.events) - p.capacity; over > 0 {
		p.events = append([]Event(nil), p.events[over:]...)
	}
	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Events 返回当前保留的事件副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Count 统计指定类型的事件数。
func (p *MemoryPublisher) Count(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Subscribe 返回一个缓冲 channel，Close 时关闭。
func (p *MemoryPublisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

// Close 关闭发布器和所有订阅 channel。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
	return nil
}
