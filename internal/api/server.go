package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentPulse/internal/agent"
	xerrors "AgentPulse/internal/errors"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/liveness"
	"AgentPulse/internal/observability/metrics"
	"AgentPulse/pkg/logger"
)

// HeartbeatController 是心跳循环对外暴露的控制面。
type HeartbeatController interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() liveness.Snapshot
}

// Workflow 是挑战流程及相关查询。
type Workflow interface {
	Address() string
	SolveAndSubmit(ctx context.Context) (*agent.SolveReport, error)
	Register(ctx context.Context) (*gateway.Registration, error)
	NetworkStatus(ctx context.Context) (*gateway.AgentStatus, error)
	LastReport() *agent.SolveReport
	Solving() bool
}

// StatusResponse 是 GET /api/v1/status 的响应体。
type StatusResponse struct {
	Address   string             `json:"address"`
	Heartbeat liveness.Snapshot  `json:"heartbeat"`
	LastSolve *agent.SolveReport `json:"lastSolve"`
	Solving   bool               `json:"solving"`
}

// HeartbeatResponse 是启停心跳接口的响应体。Error 为首次心跳的失败原因。
type HeartbeatResponse struct {
	Heartbeat liveness.Snapshot `json:"heartbeat"`
	Error     string            `json:"error,omitempty"`
}

// ErrorResponse 是所有错误响应的统一结构。
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Server 负责暴露管理接口。
type Server struct {
	addr      string
	heartbeat HeartbeatController
	workflow  Workflow
	metrics   *metrics.Registry
	logger    *slog.Logger
	root      context.Context
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 指定 /metrics 暴露的注册表。
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRootContext 指定通过 API 启动的心跳循环所绑定的上下文。
func WithRootContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.root = ctx
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, hb HeartbeatController, wf Workflow, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		heartbeat: hb,
		workflow:  wf,
		metrics:   metrics.Default(),
		logger:    logger.Named("api"),
		root:      context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/heartbeat/start", s.handleHeartbeatStart)
	mux.HandleFunc("POST /api/v1/heartbeat/stop", s.handleHeartbeatStop)
	mux.HandleFunc("POST /api/v1/challenge/solve", s.handleSolve)
	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("GET /api/v1/network/status", s.handleNetworkStatus)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return withRequestID(s.observe(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	s.root = ctx
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("管理接口已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w, r) {
		return
	}
	resp := StatusResponse{Heartbeat: s.heartbeat.Snapshot()}
	if s.workflow != nil {
		resp.Address = s.workflow.Address()
		resp.LastSolve = s.workflow.LastReport()
		resp.Solving = s.workflow.Solving()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeatStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w, r) {
		return
	}
	// 循环的生命周期跟随服务而不是本次请求。
	err := s.heartbeat.Start(s.root)
	resp := HeartbeatResponse{Heartbeat: s.heartbeat.Snapshot()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeatStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w, r) {
		return
	}
	s.heartbeat.Stop()
	writeJSON(w, http.StatusOK, HeartbeatResponse{Heartbeat: s.heartbeat.Snapshot()})
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w, r) {
		return
	}
	report, err := s.workflow.SolveAndSubmit(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w, r) {
		return
	}
	reg, err := s.workflow.Register(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w, r) {
		return
	}
	status, err := s.workflow.NetworkStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) requireHeartbeat(w http.ResponseWriter, r *http.Request) bool {
	if s.heartbeat == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "心跳循环未初始化"))
		return false
	}
	return true
}

func (s *Server) requireWorkflow(w http.ResponseWriter, r *http.Request) bool {
	if s.workflow == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "挑战流程未初始化"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("请求失败", slog.String("path", r.URL.Path), logger.Err(err),
			slog.String("request_id", RequestIDFrom(r.Context())))
	}
	writeJSON(w, status, ErrorResponse{
		Code:      string(xerrors.CodeOf(err)),
		Message:   err.Error(),
		RequestID: RequestIDFrom(r.Context()),
	})
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeNetworkFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
