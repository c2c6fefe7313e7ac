// Package settlement 组合付款注册表，提供批量执行、定期付款与多腿交易。
// 引擎只调用 payment.Registry 的操作，从不直接修改付款记录。
package settlement

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/alerting"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/pkg/logger"
)

const (
	MaxBatchSize    = 100
	MaxLegs         = 10
	MinInterval     = int64(60)
	MaxInterval     = int64(5 * 366 * 24 * 60 * 60)
	RecurringWindow = time.Hour
)

const (
	CodeInvalidBatch    xerrors.Code = "SETTLEMENT_INVALID_BATCH"
	CodeInvalidSchedule xerrors.Code = "SETTLEMENT_INVALID_SCHEDULE"
	CodeInvalidLegs     xerrors.Code = "SETTLEMENT_INVALID_LEGS"
	CodeProofMismatch   xerrors.Code = "SETTLEMENT_PROOF_COUNT_MISMATCH"
	CodeInvalidStatus   xerrors.Code = "SETTLEMENT_INVALID_STATUS"
	CodeNotDue          xerrors.Code = "SETTLEMENT_SCHEDULE_NOT_DUE"
	CodeNotAuthorized   xerrors.Code = "SETTLEMENT_NOT_AUTHORIZED"
	CodeNotFound        xerrors.Code = "SETTLEMENT_NOT_FOUND"
	CodeLegCondition    xerrors.Code = "SETTLEMENT_LEG_CONDITION_NOT_MET"
	CodePartialFailure  xerrors.Code = "SETTLEMENT_PARTIAL_FAILURE"
)

var (
	ErrInvalidStatus = xerrors.New(CodeInvalidStatus, "Invalid status")
	ErrNotDue        = xerrors.New(CodeNotDue, "Schedule not due")
	ErrNotAuthorized = xerrors.New(CodeNotAuthorized, "Not authorized")
	ErrNotFound      = xerrors.New(CodeNotFound, "Not found")
	ErrProofMismatch = xerrors.New(CodeProofMismatch, "Proof count mismatch")
)

func init() {
	xerrors.Register(CodeInvalidBatch, xerrors.Attributes{Message: "Invalid batch", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidSchedule, xerrors.Attributes{Message: "Invalid schedule", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidLegs, xerrors.Attributes{Message: "Invalid legs", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeProofMismatch, xerrors.Attributes{Message: "Proof count mismatch", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidStatus, xerrors.Attributes{Message: "Invalid status", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotDue, xerrors.Attributes{Message: "Schedule not due", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{Message: "Not authorized", Kind: xerrors.KindAuthorization, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "Not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeLegCondition, xerrors.Attributes{Message: "Leg condition not met", Kind: xerrors.KindCondition, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePartialFailure, xerrors.Attributes{
		Message:  "Multi-leg transaction partially executed",
		Kind:     xerrors.KindTransfer,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Engine 持有批次、定期计划与多腿交易三张表。
type Engine struct {
	registry  *payment.Registry
	guard     *permission.Guard
	locker    store.Locker
	batches   *store.Table[Batch]
	schedules *store.Table[Schedule]
	multilegs *store.Table[MultiLegTx]
	alerts    alerting.Dispatcher
	now       func() time.Time
	log       *slog.Logger
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithPermissions 允许 agent 代表 owner 提交多腿交易。
func WithPermissions(guard *permission.Guard) Option {
	return func(e *Engine) { e.guard = guard }
}

// WithAlerts 在多腿交易部分失败时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建结算引擎。
func NewEngine(backend store.Backend, locker store.Locker, registry *payment.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		locker:    locker,
		batches:   store.NewTable[Batch](backend, store.KindBatch),
		schedules: store.NewTable[Schedule](backend, store.KindSchedule),
		multilegs: store.NewTable[MultiLegTx](backend, store.KindMultiLeg),
		now:       time.Now,
		log:       logger.Named("settlement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) lock(ctx context.Context, kind store.Kind, id string) (func(), error) {
	return e.locker.Lock(ctx, store.LockKey(kind, id))
}

var sequence atomic.Uint64

func newEntityID(kind string, owner common.Address, now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], sequence.Add(1))
	binary.BigEndian.PutUint64(buf[8:], uint64(now.UnixNano()))
	return crypto.Keccak256Hash([]byte(kind), owner.Bytes(), buf[:]).Hex()
}

func notFound(err error) error {
	if stdErrors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// mayActFor 判断 caller 能否以 owner 的资金支付 amount 给 recipient。
func (e *Engine) mayActFor(ctx context.Context, owner, caller common.Address, leg Leg) error {
	if owner == caller {
		return nil
	}
	if e.guard == nil {
		return ErrNotAuthorized
	}
	res, err := e.guard.Authorize(ctx, owner, caller, leg.To, leg.Amount)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return permission.Denied(res.Reason)
	}
	return nil
}
