package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Pay/internal/asset"
	"OpenMCP-Pay/internal/auth"
	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/escrow"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/settlement"
	"OpenMCP-Pay/pkg/logger"
)

// HeaderRequestID 携带请求标识，缺省时由服务端生成。
const HeaderRequestID = "X-Request-ID"

// Services 汇总 API 需要调用的业务组件。
type Services struct {
	Payments    *payment.Registry
	Settlement  *settlement.Engine
	Escrows     *escrow.Manager
	Permissions *permission.Guard
	Assets      *asset.Catalog
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	svc             Services
	auth            *auth.Authenticator
	now             func() time.Time
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithAuthenticator 指定请求认证方式。
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) {
		if a != nil {
			s.auth = a
		}
	}
}

// WithClock 替换时钟，用于把相对秒数换算为绝对时间。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimeouts 设置读写与优雅关闭超时，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		svc:             svc,
		auth:            auth.NewAuthenticator(),
		now:             time.Now,
		readTimeout:     10 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealth, false)

	s.route(mux, "POST /api/v1/payments", s.handleCreatePayment, true)
	s.route(mux, "POST /api/v1/payments/instant", s.handleInstantPayment, true)
	s.route(mux, "GET /api/v1/payments/{id}", s.handleGetPayment, true)
	s.route(mux, "POST /api/v1/payments/{id}/execute", s.handleExecutePayment, true)
	s.route(mux, "POST /api/v1/payments/{id}/cancel", s.handleCancelPayment, true)
	s.route(mux, "POST /api/v1/payments/{id}/refund", s.handleRefundPayment, true)

	s.route(mux, "POST /api/v1/batches", s.handleCreateBatch, true)
	s.route(mux, "GET /api/v1/batches/{id}", s.handleGetBatch, true)
	s.route(mux, "POST /api/v1/batches/{id}/execute", s.handleExecuteBatch, true)

	s.route(mux, "POST /api/v1/schedules", s.handleCreateSchedule, true)
	s.route(mux, "GET /api/v1/schedules/{id}", s.handleGetSchedule, true)
	s.route(mux, "POST /api/v1/schedules/{id}/execute", s.handleExecuteSchedule, true)
	s.route(mux, "POST /api/v1/schedules/{id}/cancel", s.handleCancelSchedule, true)

	s.route(mux, "POST /api/v1/multileg", s.handleCreateMultiLeg, true)
	s.route(mux, "GET /api/v1/multileg/{id}", s.handleGetMultiLeg, true)
	s.route(mux, "POST /api/v1/multileg/{id}/execute", s.handleExecuteMultiLeg, true)

	s.route(mux, "POST /api/v1/escrows", s.handleCreateEscrow, true)
	s.route(mux, "GET /api/v1/escrows/{id}", s.handleGetEscrow, true)
	s.route(mux, "POST /api/v1/escrows/{id}/release", s.handleReleaseEscrow, true)
	s.route(mux, "POST /api/v1/escrows/{id}/refund", s.handleRefundEscrow, true)
	s.route(mux, "POST /api/v1/escrows/{id}/dispute", s.handleDisputeEscrow, true)

	s.route(mux, "POST /api/v1/milestone-escrows", s.handleCreateMilestoneEscrow, true)
	s.route(mux, "GET /api/v1/milestone-escrows/{id}", s.handleGetMilestoneEscrow, true)
	s.route(mux, "POST /api/v1/milestone-escrows/{id}/milestones/{index}/complete", s.handleCompleteMilestone, true)
	s.route(mux, "POST /api/v1/milestone-escrows/{id}/milestones/{index}/release", s.handleReleaseMilestone, true)

	s.route(mux, "GET /api/v1/permissions", s.handleListPermissions, true)
	s.route(mux, "GET /api/v1/permissions/{agent}", s.handleGetPermission, true)
	s.route(mux, "PUT /api/v1/permissions/{agent}", s.handleGrantPermission, true)
	s.route(mux, "DELETE /api/v1/permissions/{agent}", s.handleRevokePermission, true)
	s.route(mux, "PUT /api/v1/permissions/{agent}/allowlist", s.handleSetAllowlist, true)
	s.route(mux, "GET /api/v1/permissions/{agent}/can-spend", s.handleCanSpend, true)

	s.route(mux, "GET /api/v1/users/{address}/payments", s.handleListPayments, true)
	s.route(mux, "GET /api/v1/users/{address}/schedules", s.handleListSchedules, true)
	s.route(mux, "GET /api/v1/users/{address}/escrows", s.handleListEscrows, true)
	s.route(mux, "GET /api/v1/users/{address}/milestone-escrows", s.handleListMilestoneEscrows, true)
	return mux
}

// route 注册处理器，并按路由模式记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc, authenticated bool) {
	var handler http.Handler = h
	if authenticated {
		handler = s.auth.Middleware(handler)
	}
	mux.Handle(pattern, instrument(pattern, handler))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

type requestIDKey struct{}

// instrument 分配请求标识并记录 HTTP 指标。
func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// errorBody 是所有失败响应的结构。Reason 可以原样展示给最终用户。
type errorBody struct {
	Code      xerrors.Code `json:"code"`
	Reason    string       `json:"reason"`
	RequestID string       `json:"request_id,omitempty"`
}

// statusOf 把错误分类映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindAuthorization:
		return http.StatusForbidden
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindState, xerrors.KindCondition:
		return http.StatusConflict
	case xerrors.KindTransfer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{
		Code:      xerrors.CodeOf(err),
		Reason:    xerrors.ReasonOf(err),
		RequestID: requestID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("request_id", body.RequestID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		if status == http.StatusInternalServerError {
			body.Reason = xerrors.AttributesOf(body.Code).Message
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
