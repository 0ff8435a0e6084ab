package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"AgentPulse/internal/challenge"
	xerrors "AgentPulse/internal/errors"
	"AgentPulse/internal/events"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/observability/metrics"
	"AgentPulse/internal/wallet"
	"AgentPulse/pkg/logger"
)

// Outcome 描述一次挑战流程的结局。
type Outcome string

// 挑战流程的全部结局
const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRejected    Outcome = "rejected"
	OutcomeExpired     Outcome = "expired"
	OutcomeNoChallenge Outcome = "no_challenge"
	OutcomeExhausted   Outcome = "exhausted"
)

// SolveReport 汇总一次挑战流程的结果。
type SolveReport struct {
	Outcome     Outcome       `json:"outcome"`
	ChallengeID string        `json:"challengeId,omitempty"`
	Difficulty  int           `json:"difficulty,omitempty"`
	Nonce       string        `json:"nonce,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Reward      string        `json:"reward,omitempty"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// Agent 串联取题、求解、签名与提交。
type Agent struct {
	gateway       Gateway
	signer        wallet.Signer
	solver        Solver
	now           func() time.Time
	logger        *slog.Logger
	publisher     events.Publisher
	submitTimeout time.Duration
	metrics       *metrics.Registry

	mu         sync.Mutex
	lastReport *SolveReport

	// holds 统计流程本身与仍在后台运行的求解，大于零时拒绝新的流程。
	runMu sync.Mutex
	holds int
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithSolver 替换求解器，默认使用 challenge.NewSolver()。
func WithSolver(s Solver) Option {
	return func(a *Agent) {
		if s != nil {
			a.solver = s
		}
	}
}

// WithClock 替换时钟，过期判断依赖它。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithEventPublisher 在流程结束和注册成功时投递事件。
func WithEventPublisher(p events.Publisher) Option {
	return func(a *Agent) {
		if p != nil {
			a.publisher = p
		}
	}
}

// WithSubmitTimeout 限制提交调用的耗时，<=0 表示只受调用方 ctx 约束。
func WithSubmitTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.submitTimeout = d
	}
}

// WithMetrics 指定指标注册表。
func WithMetrics(r *metrics.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.metrics = r
		}
	}
}

// New 创建 Agent。
func New(gw Gateway, signer wallet.Signer, opts ...Option) *Agent {
	a := &Agent{
		gateway:   gw,
		signer:    signer,
		solver:    challenge.NewSolver(),
		now:       time.Now,
		logger:    logger.Named("agent"),
		publisher: events.NopPublisher{},
		metrics:   metrics.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Address 返回代理的签名地址。
func (a *Agent) Address() string {
	if a.signer == nil {
		return ""
	}
	return a.signer.Address()
}

// SolutionMessage 构造待签名的提交消息。
func SolutionMessage(address, challengeID, nonce string) string {
	return "solution:" + address + ":" + challengeID + ":" + nonce
}

// RegistrationMessage 构造待签名的注册消息。
func RegistrationMessage(address string) string {
	return "register:" + address
}

// SolveAndSubmit 执行一次完整的挑战流程。
// 没有挑战、挑战过期、穷举失败以及网络拒绝都以 SolveReport 返回；
// 只有取题/提交的网络错误和签名错误以 error 返回。
// 同一时刻只允许一个流程，包括 ctx 取消后仍在后台跑完的求解；
// 此时新的调用立即返回 BUSY。
func (a *Agent) SolveAndSubmit(ctx context.Context) (*SolveReport, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if !a.acquire() {
		a.logger.Info("已有挑战流程在运行，跳过本次调用")
		return nil, xerrors.New(xerrors.CodeBusy, "challenge flow already running")
	}
	defer a.release()
	started := a.now()
	address := a.signer.Address()

	ch, err := a.gateway.FetchChallenge(ctx, address)
	if err != nil {
		return nil, a.fail(ensureCode(err, xerrors.CodeNetworkFailure, "fetch challenge"), "fetch", started)
	}
	if ch == nil {
		return a.finish(ctx, &SolveReport{Outcome: OutcomeNoChallenge}, started), nil
	}

	report := &SolveReport{ChallengeID: ch.ID, Difficulty: ch.Difficulty}
	if ch.Expired(a.now()) {
		report.Outcome = OutcomeExpired
		report.Message = fmt.Sprintf("challenge expired at %d", ch.ExpiresAt)
		return a.finish(ctx, report, started), nil
	}

	sol, ok, err := a.solve(ctx, ch)
	if err != nil {
		return nil, a.fail(err, "solve", started)
	}
	if !ok {
		report.Outcome = OutcomeExhausted
		report.Attempts = sol.Attempts
		report.Message = "no nonce satisfied the difficulty within the attempt budget"
		return a.finish(ctx, report, started), nil
	}
	report.Nonce = sol.Nonce
	report.Attempts = sol.Attempts

	signature, err := a.signer.Sign(SolutionMessage(address, ch.ID, sol.Nonce))
	if err != nil {
		return nil, a.fail(ensureCode(err, xerrors.CodeSigningFailure, "sign solution"), "sign", started)
	}
	logger.Audit().Info("solution signed",
		slog.String("address", address),
		slog.String("challenge_id", ch.ID),
		slog.String("nonce", sol.Nonce))

	submitCtx := ctx
	if a.submitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, a.submitTimeout)
		defer cancel()
	}
	result, err := a.gateway.SubmitSolution(submitCtx, address, ch.ID, sol.Nonce, signature)
	if err != nil {
		return nil, a.fail(ensureCode(err, xerrors.CodeNetworkFailure, "submit solution"), "submit", started)
	}
	if result == nil {
		result = &challenge.SubmissionResult{}
	}
	report.Outcome = OutcomeRejected
	if result.Accepted {
		report.Outcome = OutcomeAccepted
	}
	report.Reward = result.Reward
	report.Message = result.Message
	return a.finish(ctx, report, started), nil
}

// solve 在独立 goroutine 中运行求解器，ctx 取消时立即返回；
// 求解器本身不可中断，会在后台跑完，期间一直占用运行位。
func (a *Agent) solve(ctx context.Context, ch *challenge.Challenge) (challenge.Solution, bool, error) {
	type result struct {
		sol challenge.Solution
		ok  bool
	}
	done := make(chan result, 1)
	a.hold()
	go func() {
		defer a.release()
		sol, ok := a.solver.Solve(ch.Data, ch.Difficulty)
		done <- result{sol: sol, ok: ok}
	}()
	select {
	case r := <-done:
		return r.sol, r.ok, nil
	case <-ctx.Done():
		return challenge.Solution{}, false, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "solve challenge",
			xerrors.WithMetadata("challenge_id", ch.ID))
	}
}

// Register 以签名的注册消息登记代理。
func (a *Agent) Register(ctx context.Context) (*gateway.Registration, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	address := a.signer.Address()
	signature, err := a.signer.Sign(RegistrationMessage(address))
	if err != nil {
		return nil, ensureCode(err, xerrors.CodeSigningFailure, "sign registration")
	}
	reg, err := a.gateway.Register(ctx, address, signature)
	if err != nil {
		return nil, ensureCode(err, xerrors.CodeNetworkFailure, "register agent")
	}
	logger.Audit().Info("agent registered", slog.String("address", address), slog.String("agent_id", reg.AgentID))
	a.publish(ctx, events.KindAgentRegistered, map[string]string{"agent_id": reg.AgentID})
	return reg, nil
}

// NetworkStatus 查询网络对本代理的记录。
func (a *Agent) NetworkStatus(ctx context.Context) (*gateway.AgentStatus, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	status, err := a.gateway.Status(ctx, a.signer.Address())
	if err != nil {
		return nil, ensureCode(err, xerrors.CodeNetworkFailure, "query agent status")
	}
	return status, nil
}

// LastReport 返回最近一次挑战流程的结果，从未执行过时为 nil。
func (a *Agent) LastReport() *SolveReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastReport == nil {
		return nil
	}
	r := *a.lastReport
	return &r
}

// Solving 报告是否有挑战流程或后台求解在运行。
func (a *Agent) Solving() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.holds > 0
}

func (a *Agent) acquire() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.holds > 0 {
		return false
	}
	a.holds = 1
	return true
}

func (a *Agent) hold() {
	a.runMu.Lock()
	a.holds++
	a.runMu.Unlock()
}

func (a *Agent) release() {
	a.runMu.Lock()
	a.holds--
	a.runMu.Unlock()
}

func (a *Agent) ready() error {
	if a.gateway == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置网络网关")
	}
	if a.signer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置签名器")
	}
	return nil
}

func (a *Agent) finish(ctx context.Context, report *SolveReport, started time.Time) *SolveReport {
	report.FinishedAt = a.now()
	report.Duration = report.FinishedAt.Sub(started)

	a.mu.Lock()
	copied := *report
	a.lastReport = &copied
	a.mu.Unlock()

	a.metrics.ObserveSolve(string(report.Outcome), report.Attempts, report.Duration)
	a.logger.Info("挑战流程结束",
		slog.String("outcome", string(report.Outcome)),
		slog.String("challenge_id", report.ChallengeID),
		slog.Int("difficulty", report.Difficulty),
		slog.Int("attempts", report.Attempts),
		slog.String("reward", report.Reward),
		slog.Duration("duration", report.Duration))
	a.publish(ctx, events.KindChallengeCompleted, map[string]string{
		"outcome":      string(report.Outcome),
		"challenge_id": report.ChallengeID,
		"nonce":        report.Nonce,
		"attempts":     strconv.Itoa(report.Attempts),
		"reward":       report.Reward,
	})
	return report
}

func (a *Agent) fail(err error, stage string, started time.Time) error {
	a.metrics.ObserveSolve("error", 0, a.now().Sub(started))
	a.logger.Warn("挑战流程失败", slog.String("stage", stage), logger.Err(err))
	return err
}

func (a *Agent) publish(ctx context.Context, kind events.Kind, attrs map[string]string) {
	if err := a.publisher.Publish(ctx, events.New(kind, a.signer.Address(), attrs)); err != nil {
		a.logger.Warn("投递事件失败", slog.String("kind", string(kind)), logger.Err(err))
	}
}

func ensureCode(err error, code xerrors.Code, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(code, err, message)
}
