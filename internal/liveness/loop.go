// Package liveness 周期性地向网络发送签名心跳，证明代理仍然在线。
//
// 每个周期的心跳在独立的 goroutine 中执行，下一周期不会等待上一次完成，
// 因此慢响应可能重叠、乱序完成；状态只做数据竞争保护，以最后完成的一次为准。
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AgentPulse/internal/errors"
	"AgentPulse/internal/events"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/observability/alerting"
	"AgentPulse/internal/observability/metrics"
	"AgentPulse/internal/wallet"
	"AgentPulse/pkg/logger"
)

// Snapshot 是心跳状态的只读副本。
type Snapshot struct {
	Running             bool       `json:"running"`
	LastHeartbeatAt     *time.Time `json:"lastHeartbeatAt"`
	HeartbeatCount      uint64     `json:"heartbeatCount"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Loop 管理心跳定时器及其状态。
type Loop struct {
	sender   HeartbeatSender
	signer   wallet.Signer
	interval time.Duration

	logger        *slog.Logger
	publisher     events.Publisher
	alerter       alerting.Dispatcher
	alertAfter    int
	callTimeout   time.Duration
	inFlightGuard bool
	now           func() time.Time
	metrics       *metrics.Registry

	mu              sync.Mutex
	running         bool
	generation      uint64
	cancel          context.CancelFunc
	lastHeartbeatAt *time.Time
	heartbeatCount  uint64
	lastError       string
	failures        int

	inFlight atomic.Bool
	pending  sync.WaitGroup
}

// Option 定义 Loop 的可选配置。
type Option func(*Loop)

// WithInFlightGuard 在上一次心跳尚未完成时跳过本周期。
func WithInFlightGuard() Option {
	return func(l *Loop) {
		l.inFlightGuard = true
	}
}

// WithCallTimeout 为每次心跳设置超时，<=0 表示不限制。
func WithCallTimeout(d time.Duration) Option {
	return func(l *Loop) {
		l.callTimeout = d
	}
}

// WithLogger 指定日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.logger = log
		}
	}
}

// WithEventPublisher 为每次心跳结果投递事件。
func WithEventPublisher(p events.Publisher) Option {
	return func(l *Loop) {
		if p != nil {
			l.publisher = p
		}
	}
}

// WithAlertDispatcher 在连续失败次数达到 threshold 时告警一次。
func WithAlertDispatcher(d alerting.Dispatcher, threshold int) Option {
	return func(l *Loop) {
		l.alerter = d
		l.alertAfter = threshold
	}
}

// WithClock 替换时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMetrics 指定指标注册表，默认使用全局注册表。
func WithMetrics(r *metrics.Registry) Option {
	return func(l *Loop) {
		if r != nil {
			l.metrics = r
		}
	}
}

// New 创建心跳循环，interval 必须大于 0。
func New(sender HeartbeatSender, signer wallet.Signer, interval time.Duration, opts ...Option) (*Loop, error) {
	if sender == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "heartbeat sender is required")
	}
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signer is required")
	}
	if interval <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("heartbeat interval must be positive, got %s", interval))
	}
	l := &Loop{
		sender:    sender,
		signer:    signer,
		interval:  interval,
		logger:    logger.Named("liveness"),
		publisher: events.NopPublisher{},
		now:       time.Now,
		metrics:   metrics.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// HeartbeatMessage 构造待签名的心跳消息。
func HeartbeatMessage(address string, at time.Time) string {
	return "heartbeat:" + address + ":" + strconv.FormatInt(at.Unix(), 10)
}

// Interval 返回心跳周期。
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Start 启动心跳循环。已在运行时直接返回 nil。
// 首次心跳同步执行，其错误会被返回，但循环无论成败都会继续。
// ctx 取消等同于 Stop。
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.lastError = ""
	l.generation++
	gen := l.generation
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	// 首次心跳总会发出；占位失败说明上一轮的心跳仍在进行。
	claimed := l.inFlightGuard && l.inFlight.CompareAndSwap(false, true)
	l.pending.Add(1)
	l.mu.Unlock()

	l.metrics.SetLoopRunning(true)
	l.logger.Info("心跳循环已启动", slog.Duration("interval", l.interval), slog.String("address", l.signer.Address()))
	l.publish(ctx, events.KindLivenessStarted, map[string]string{"interval": l.interval.String()})

	// 进行中的心跳不受 Stop 影响。
	attemptCtx := context.WithoutCancel(ctx)
	err := l.track(attemptCtx, claimed)

	go l.run(loopCtx, attemptCtx, gen)
	return err
}

// Stop 停止后续周期，不等待进行中的心跳。
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.markStopped("stopped")
}

// Wait 阻塞直到所有已发出的心跳完成，供进程退出时使用。
func (l *Loop) Wait() {
	l.pending.Wait()
}

// Snapshot 返回当前状态副本。
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Running:             l.running,
		HeartbeatCount:      l.heartbeatCount,
		LastError:           l.lastError,
		ConsecutiveFailures: l.failures,
	}
	if l.lastHeartbeatAt != nil {
		at := *l.lastHeartbeatAt
		s.LastHeartbeatAt = &at
	}
	return s
}

// IsRunning 报告循环是否已启动。
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// LastHeartbeatAt 返回最近一次成功心跳的时间，从未成功时为 nil。
func (l *Loop) LastHeartbeatAt() *time.Time {
	return l.Snapshot().LastHeartbeatAt
}

// HeartbeatCount 返回成功心跳次数。
func (l *Loop) HeartbeatCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heartbeatCount
}

// LastError 返回最近一次失败的描述，最近一次成功后为空。
func (l *Loop) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

func (l *Loop) run(ctx, attemptCtx context.Context, gen uint64) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			current := l.running && l.generation == gen
			if current {
				l.running = false
				l.cancel = nil
			}
			l.mu.Unlock()
			if current {
				l.markStopped("context done")
			}
			return
		case <-ticker.C:
			l.tick(attemptCtx, gen)
		}
	}
}

func (l *Loop) tick(ctx context.Context, gen uint64) {
	// Stop 之后触发的周期在这里被丢弃。
	l.mu.Lock()
	if !l.running || l.generation != gen {
		l.mu.Unlock()
		return
	}
	if l.inFlightGuard && !l.inFlight.CompareAndSwap(false, true) {
		l.mu.Unlock()
		l.logger.Debug("上一次心跳仍在进行，跳过本周期")
		return
	}
	l.pending.Add(1)
	l.mu.Unlock()
	// 默认不等待上一次心跳，多次心跳可能重叠并乱序完成，
	// 较早发出的心跳可能最后写入状态。需要严格顺序时使用 WithInFlightGuard。
	go func() { _ = l.track(ctx, l.inFlightGuard) }()
}

// track 执行一次心跳并释放 tick 或 Start 登记的 pending 与占位。
func (l *Loop) track(ctx context.Context, claimed bool) error {
	defer l.pending.Done()
	if claimed {
		defer l.inFlight.Store(false)
	}
	return l.attempt(ctx)
}

// attempt 执行一次完整的签名与发送，所有错误和 panic 都转化为状态。
func (l *Loop) attempt(ctx context.Context) (err error) {
	started := l.now()
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("heartbeat panicked: %v", r))
			l.recordFailure(ctx, err, started)
		}
	}()

	if l.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
	}

	address := l.signer.Address()
	signature, err := l.signer.Sign(HeartbeatMessage(address, started))
	if err != nil {
		err = ensureCode(err, xerrors.CodeSigningFailure, "sign heartbeat")
		l.recordFailure(ctx, err, started)
		return err
	}

	ack, err := l.sender.SendHeartbeat(ctx, address, signature)
	if err != nil {
		err = ensureCode(err, xerrors.CodeNetworkFailure, "send heartbeat")
		l.recordFailure(ctx, err, started)
		return err
	}
	if ack == nil || !ack.Acknowledged {
		err = xerrors.New(xerrors.CodeNetworkFailure, "heartbeat not acknowledged",
			xerrors.WithMetadata("reason", "not_acknowledged"))
		l.recordFailure(ctx, err, started)
		return err
	}

	l.recordSuccess(ctx, started, ack)
	return nil
}

func (l *Loop) recordSuccess(ctx context.Context, started time.Time, ack *gateway.HeartbeatAck) {
	at := l.now()
	l.mu.Lock()
	l.lastHeartbeatAt = &at
	l.heartbeatCount++
	l.lastError = ""
	recovered := l.failures
	l.failures = 0
	count := l.heartbeatCount
	l.mu.Unlock()

	l.metrics.ObserveHeartbeat(metrics.HeartbeatAcknowledged, at.Sub(started), at)
	l.metrics.SetConsecutiveFailures(0)
	attrs := []any{slog.Uint64("count", count), slog.Duration("latency", at.Sub(started))}
	if ack.NextExpectedTime > 0 {
		attrs = append(attrs, slog.Int64("next_expected", ack.NextExpectedTime))
	}
	if recovered > 0 {
		l.logger.Info("心跳已恢复", append(attrs, slog.Int("after_failures", recovered))...)
	} else {
		l.logger.Debug("心跳已确认", attrs...)
	}
	l.publish(ctx, events.KindHeartbeatSucceeded, map[string]string{
		"count":   strconv.FormatUint(count, 10),
		"latency": at.Sub(started).String(),
	})
}

func (l *Loop) recordFailure(ctx context.Context, err error, started time.Time) {
	at := l.now()
	l.mu.Lock()
	l.lastError = err.Error()
	l.failures++
	failures := l.failures
	l.mu.Unlock()

	l.metrics.ObserveHeartbeat(metrics.HeartbeatFailed, at.Sub(started), at)
	l.metrics.SetConsecutiveFailures(failures)
	l.logger.Warn("心跳失败", logger.Err(err),
		slog.Int("consecutive_failures", failures),
		slog.Bool("retryable", xerrors.RetryableError(err)))
	l.publish(ctx, events.KindHeartbeatFailed, map[string]string{
		"error":    err.Error(),
		"failures": strconv.Itoa(failures),
	})

	if l.alerter == nil || l.alertAfter <= 0 || failures != l.alertAfter {
		return
	}
	metadata := map[string]string{"last_error": err.Error()}
	if coded, ok := xerrors.From(err); ok {
		for k, v := range coded.Metadata() {
			metadata[k] = v
		}
	}
	alertErr := l.alerter.Notify(ctx, alerting.Event{
		Code:      xerrors.CodeOf(err),
		Message:   fmt.Sprintf("heartbeat failed %d times in a row", failures),
		Severity:  xerrors.SeverityOf(err),
		Source:    "liveness",
		Address:   l.signer.Address(),
		Failures:  failures,
		Threshold: l.alertAfter,
		Metadata:  metadata,
	})
	if alertErr != nil {
		l.logger.Error("发送心跳告警失败", logger.Err(alertErr))
	}
}

func (l *Loop) markStopped(reason string) {
	l.metrics.SetLoopRunning(false)
	l.logger.Info("心跳循环已停止", slog.String("reason", reason))
	l.publish(context.Background(), events.KindLivenessStopped, map[string]string{"reason": reason})
}

func (l *Loop) publish(ctx context.Context, kind events.Kind, attrs map[string]string) {
	if err := l.publisher.Publish(ctx, events.New(kind, l.signer.Address(), attrs)); err != nil {
		l.logger.Warn("投递心跳事件失败", slog.String("kind", string(kind)), logger.Err(err))
	}
}

func ensureCode(err error, code xerrors.Code, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(code, err, message)
}
