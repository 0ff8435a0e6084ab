package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"AgentPulse/internal/challenge"
	xerrors "AgentPulse/internal/errors"
	"AgentPulse/internal/events"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/gateway/gatewaytest"
	"AgentPulse/internal/observability/metrics"
	"AgentPulse/internal/wallet"
	"AgentPulse/pkg/logger"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var fixedNow = time.Unix(1_700_000_000, 0)

func testSigner(t *testing.T) *wallet.KeySigner {
	t.Helper()
	s, err := wallet.NewKeySignerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

type lockedSigner struct{ address string }

func (s lockedSigner) Address() string { return s.address }
func (s lockedSigner) Sign(string) (string, error) {
	return "", errors.New("hardware wallet disconnected")
}

func newAgent(gw Gateway, signer wallet.Signer, opts ...Option) *Agent {
	base := []Option{
		WithLogger(logger.Discard()),
		WithMetrics(metrics.NewRegistry()),
		WithClock(func() time.Time { return fixedNow }),
	}
	return New(gw, signer, append(base, opts...)...)
}

func TestSolveAndSubmitAccepted(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	signer := testSigner(t)
	pub := events.NewMemoryPublisher(8)

	ch := &challenge.Challenge{ID: "c-42", Difficulty: 12, Data: "seed", ExpiresAt: fixedNow.Unix() + 60}
	gomock.InOrder(
		gw.EXPECT().FetchChallenge(gomock.Any(), signer.Address()).Return(ch, nil),
		solver.EXPECT().Solve("seed", 12).Return(challenge.Solution{Nonce: "0000beef", Attempts: 48880}, true),
		gw.EXPECT().
			SubmitSolution(gomock.Any(), signer.Address(), "c-42", "0000beef", gomock.Any()).
			DoAndReturn(func(_ context.Context, address, id, nonce, signature string) (*challenge.SubmissionResult, error) {
				recovered, err := wallet.RecoverAddress(SolutionMessage(address, id, nonce), signature)
				if err != nil || recovered != address {
					t.Errorf("solution signature does not verify: %v", err)
				}
				return &challenge.SubmissionResult{Accepted: true, Reward: "12.5", Message: "ok"}, nil
			}),
	)

	a := newAgent(gw, signer, WithSolver(solver), WithEventPublisher(pub))
	report, err := a.SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeAccepted || report.Reward != "12.5" || report.Message != "ok" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Nonce != "0000beef" || report.Attempts != 48880 || report.ChallengeID != "c-42" {
		t.Fatalf("unexpected report %+v", report)
	}
	if last := a.LastReport(); last == nil || last.Outcome != OutcomeAccepted {
		t.Fatalf("LastReport = %+v", last)
	}
	if pub.Count(events.KindChallengeCompleted) != 1 {
		t.Fatalf("events = %+v", pub.Events())
	}
}

func TestSolveAndSubmitRejectedPassesMessageThrough(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)

	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "c-1", Difficulty: 4, Data: "d"}, nil)
	solver.EXPECT().Solve("d", 4).Return(challenge.Solution{Nonce: "00000003", Attempts: 4}, true)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), "c-1", "00000003", gomock.Any()).
		Return(&challenge.SubmissionResult{Accepted: false, Message: "already solved"}, nil)

	report, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeRejected || report.Message != "already solved" || report.Reward != "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSolveAndSubmitNoChallenge(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).Return(nil, nil)
	solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Times(0)

	report, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeNoChallenge {
		t.Fatalf("outcome = %s", report.Outcome)
	}
}

func TestSolveAndSubmitExpiredNeverSolves(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "old", Difficulty: 8, Data: "x", ExpiresAt: fixedNow.Unix() - 1}, nil)
	solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Times(0)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	report, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeExpired || report.ChallengeID != "old" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSolveAndSubmitExpiryBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "edge", Difficulty: 0, Data: "x", ExpiresAt: fixedNow.Unix()}, nil)
	solver.EXPECT().Solve("x", 0).Return(challenge.Solution{Nonce: "00000000", Attempts: 1}, true)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), "edge", "00000000", gomock.Any()).
		Return(&challenge.SubmissionResult{Accepted: true}, nil)

	report, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if err != nil || report.Outcome != OutcomeAccepted {
		t.Fatalf("report=%+v err=%v; a challenge expiring this second is still valid", report, err)
	}
}

func TestSolveAndSubmitExhausted(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "hard", Difficulty: 300, Data: "x"}, nil)
	solver.EXPECT().Solve("x", 300).Return(challenge.Solution{Attempts: 2048}, false)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	report, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeExhausted || report.Nonce != "" || report.Attempts != 2048 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSolveAndSubmitExhaustedReportsConfiguredBudget(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "hard", Difficulty: 300, Data: "x"}, nil)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	solver := challenge.NewSolver(challenge.WithMaxAttempts(64))
	report, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeExhausted || report.Attempts != 64 {
		t.Fatalf("report = %+v; want exhausted after 64 attempts", report)
	}
}

func TestSolveAndSubmitFetchFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))

	report, err := newAgent(gw, testSigner(t)).SolveAndSubmit(context.Background())
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
	if xerrors.CodeOf(err) != xerrors.CodeNetworkFailure {
		t.Fatalf("code = %s; want NETWORK_FAILURE", xerrors.CodeOf(err))
	}
}

func TestSolveAndSubmitSigningFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "c", Difficulty: 1, Data: "x"}, nil)
	solver.EXPECT().Solve("x", 1).Return(challenge.Solution{Nonce: "00000000", Attempts: 1}, true)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := newAgent(gw, lockedSigner{address: "0xabc"}, WithSolver(solver)).SolveAndSubmit(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeSigningFailure {
		t.Fatalf("code = %s; want SIGNING_FAILURE", xerrors.CodeOf(err))
	}
}

func TestSolveAndSubmitSubmitFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "c", Difficulty: 1, Data: "x"}, nil)
	solver.EXPECT().Solve("x", 1).Return(challenge.Solution{Nonce: "00000000", Attempts: 1}, true)
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, xerrors.New(xerrors.CodeNetworkFailure, "agent_submitSolution failed"))

	_, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeNetworkFailure {
		t.Fatalf("code = %s; want NETWORK_FAILURE", xerrors.CodeOf(err))
	}
}

func TestSolveAndSubmitHonoursContextWhileSolving(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	solver := NewMockSolver(ctrl)
	release := make(chan struct{})
	defer close(release)

	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "slow", Difficulty: 30, Data: "x"}, nil)
	solver.EXPECT().Solve("x", 30).DoAndReturn(func(string, int) (challenge.Solution, bool) {
		<-release
		return challenge.Solution{}, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := newAgent(gw, testSigner(t), WithSolver(solver)).SolveAndSubmit(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("code = %s; want TIMEOUT", xerrors.CodeOf(err))
	}
}

func TestRegisterSignsAddress(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	signer := testSigner(t)
	pub := events.NewMemoryPublisher(4)

	gw.EXPECT().Register(gomock.Any(), signer.Address(), gomock.Any()).
		DoAndReturn(func(_ context.Context, address, signature string) (*gateway.Registration, error) {
			recovered, err := wallet.RecoverAddress(RegistrationMessage(address), signature)
			if err != nil || recovered != address {
				t.Errorf("registration signature does not verify: %v", err)
			}
			return &gateway.Registration{AgentID: "agent-7", Message: "registered"}, nil
		})

	reg, err := newAgent(gw, signer, WithEventPublisher(pub)).Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.AgentID != "agent-7" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if pub.Count(events.KindAgentRegistered) != 1 {
		t.Fatal("expected a registration event")
	}
}

func TestNetworkStatusWrapsErrors(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	gw.EXPECT().Status(gomock.Any(), gomock.Any()).Return(nil, errors.New("503"))

	_, err := newAgent(gw, testSigner(t)).NetworkStatus(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeNetworkFailure {
		t.Fatalf("code = %s; want NETWORK_FAILURE", xerrors.CodeOf(err))
	}
}

func TestAgentRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, testSigner(t)).SolveAndSubmit(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("code = %s; want INITIALIZATION_FAILURE", xerrors.CodeOf(err))
	}
}

func TestSolveAndSubmitAgainstInProcessNetwork(t *testing.T) {
	t.Parallel()

	network := gatewaytest.NewNetwork(gatewaytest.WithReward("3"))
	gw, err := network.Dial("agent")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer gw.Close()

	network.SetChallenge(&challenge.Challenge{ID: "live", Difficulty: 8, Data: "round-1"})
	a := New(gw, testSigner(t), WithLogger(logger.Discard()), WithMetrics(metrics.NewRegistry()))

	if _, err := a.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	report, err := a.SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve and submit: %v", err)
	}
	if report.Outcome != OutcomeAccepted || report.Reward != "3" {
		t.Fatalf("unexpected report %+v", report)
	}

	status, err := a.NetworkStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Registered || status.ChallengesSolved != 1 || status.TotalRewards != "3" {
		t.Fatalf("unexpected status %+v", status)
	}
}

// gatedSolver blocks every search until release is closed and records how
// many searches ran at the same time.
type gatedSolver struct {
	release chan struct{}
	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (s *gatedSolver) Solve(string, int) (challenge.Solution, bool) {
	n := s.current.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.calls.Add(1)
	<-s.release
	s.current.Add(-1)
	return challenge.Solution{Nonce: "00000000", Attempts: 1}, true
}

func TestSolveAndSubmitRunsOneSearchAtATime(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	gw.EXPECT().FetchChallenge(gomock.Any(), gomock.Any()).
		Return(&challenge.Challenge{ID: "c", Difficulty: 1, Data: "x"}, nil).AnyTimes()
	gw.EXPECT().SubmitSolution(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&challenge.SubmissionResult{Accepted: true}, nil).AnyTimes()

	solver := &gatedSolver{release: make(chan struct{})}
	var once sync.Once
	unblock := func() { once.Do(func() { close(solver.release) }) }
	t.Cleanup(unblock)

	a := newAgent(gw, testSigner(t), WithSolver(solver))

	const callers = 8
	codes := make(chan xerrors.Code, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := a.SolveAndSubmit(ctx)
			codes <- xerrors.CodeOf(err)
		}()
	}
	wg.Wait()
	close(codes)

	counts := make(map[xerrors.Code]int)
	for code := range codes {
		counts[code]++
	}
	if counts[xerrors.CodeTimeout] != 1 || counts[xerrors.CodeBusy] != callers-1 {
		t.Fatalf("codes = %v; want one TIMEOUT and %d BUSY", counts, callers-1)
	}

	// 超时返回后被放弃的搜索仍在运行，新的调用不能再起一个。
	if !a.Solving() {
		t.Fatal("abandoned search should keep the agent busy")
	}
	if _, err := a.SolveAndSubmit(context.Background()); xerrors.CodeOf(err) != xerrors.CodeBusy {
		t.Fatalf("code = %s; want BUSY while the abandoned search runs", xerrors.CodeOf(err))
	}

	unblock()
	deadline := time.Now().Add(2 * time.Second)
	for a.Solving() {
		if time.Now().After(deadline) {
			t.Fatal("agent still busy after the search finished")
		}
		time.Sleep(time.Millisecond)
	}

	report, err := a.SolveAndSubmit(context.Background())
	if err != nil {
		t.Fatalf("solve after release: %v", err)
	}
	if report.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s; want accepted", report.Outcome)
	}
	if got := solver.peak.Load(); got != 1 {
		t.Fatalf("peak concurrent searches = %d; want 1", got)
	}
	if got := solver.calls.Load(); got != 2 {
		t.Fatalf("searches = %d; want 2", got)
	}
}
