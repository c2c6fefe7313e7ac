// Package auth 校验 API 请求签名，并把调用方地址写入请求上下文。
package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpenMCP-Pay/internal/proof"
	loggerpkg "OpenMCP-Pay/pkg/logger"
)

const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// DefaultMaxSkew 是签名时间戳与服务器时间允许的最大偏差。
	DefaultMaxSkew = 5 * time.Minute
	// MaxBodyBytes 限制参与签名的请求体大小。
	MaxBodyBytes = 1 << 20
)

var (
	ErrMissingCaller    = errors.New("missing caller")
	ErrMissingSignature = errors.New("missing signature")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Authenticator 校验 X-Caller / X-Timestamp / X-Signature 三个请求头。
type Authenticator struct {
	verifier proof.SignatureVerifier
	maxSkew  time.Duration
	insecure bool
	now      func() time.Time
	audit    *slog.Logger
}

// Option 配置 Authenticator。
type Option func(*Authenticator)

// WithVerifier 替换签名恢复实现。
func WithVerifier(v proof.SignatureVerifier) Option {
	return func(a *Authenticator) {
		if v != nil {
			a.verifier = v
		}
	}
}

// WithMaxSkew 设置时间戳允许偏差。
func WithMaxSkew(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.maxSkew = d
		}
	}
}

// WithInsecure 直接信任 X-Caller 头，只用于本地开发。
func WithInsecure(insecure bool) Option {
	return func(a *Authenticator) { a.insecure = insecure }
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.audit = l }
}

// NewAuthenticator 构造默认使用 EIP-191 签名的认证器。
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: proof.PersonalSignVerifier{},
		maxSkew:  DefaultMaxSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate 校验请求并返回调用方地址。请求体会被读出后重新放回。
func (a *Authenticator) Authenticate(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(raw) {
		return common.Address{}, ErrMissingCaller
	}
	caller := common.HexToAddress(raw)
	if caller == (common.Address{}) {
		return common.Address{}, ErrMissingCaller
	}
	if a.insecure {
		return caller, nil
	}

	timestamp := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	if skew := a.now().Sub(time.Unix(ts, 0)); skew > a.maxSkew || skew < -a.maxSkew {
		return common.Address{}, ErrStaleTimestamp
	}
	sigHex := r.Header.Get(HeaderSignature)
	if sigHex == "" {
		return common.Address{}, ErrMissingSignature
	}
	signature, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", proof.ErrMalformedSignature, err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			return common.Address{}, err
		}
		if len(body) > MaxBodyBytes {
			return common.Address{}, ErrBodyTooLarge
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	digest := proof.RequestDigest(r.Method, r.URL.Path, timestamp, body)
	if err := proof.Verify(a.verifier, caller, digest, signature); err != nil {
		return common.Address{}, err
	}
	return caller, nil
}

// Middleware 返回一个 HTTP 中间件，认证失败返回 401，成功后记录审计日志。
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := a.audit
		if logger == nil {
			logger = loggerpkg.Audit()
		}
		caller, err := a.Authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = fmt.Fprintf(w, "{\"code\":\"UNAUTHENTICATED\",\"reason\":%q}\n", err.Error())
			logger.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"error", err.Error(),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithCaller(r.Context(), caller)))
		logger.Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"caller", caller.Hex(),
		)
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
