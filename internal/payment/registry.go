package payment

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Pay/internal/asset"
	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/fee"
	"OpenMCP-Pay/internal/observability/alerting"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/proof"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
	"OpenMCP-Pay/pkg/logger"
)

// sequence 保证同一纳秒内的并发创建也不会得到相同 ID。
var sequence atomic.Uint64

// Registry 独占付款记录。所有修改在付款实体锁内进行，状态先落库再划转资金。
type Registry struct {
	table   *store.Table[Payment]
	locker  store.Locker
	adapter transfer.Adapter
	fees    *fee.Calculator
	custody common.Address
	guard   *permission.Guard
	assets  *asset.Catalog
	alerts  alerting.Dispatcher
	now     func() time.Time
	log     *slog.Logger
}

// Option 定义 Registry 的可选配置。
type Option func(*Registry)

// WithPermissions 允许持有 payer 授权的 agent 执行付款。
func WithPermissions(guard *permission.Guard) Option {
	return func(r *Registry) { r.guard = guard }
}

// WithAssets 限定可用资产。未配置时接受任意资产符号。
func WithAssets(catalog *asset.Catalog) Option {
	return func(r *Registry) { r.assets = catalog }
}

// WithAlerts 在资金划转失败时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Registry) { r.alerts = d }
}

// WithLogger 替换组件日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry 创建付款注册表。custody 是锁定资金的托管账户。
func NewRegistry(backend store.Backend, locker store.Locker, adapter transfer.Adapter, fees *fee.Calculator, custody common.Address, opts ...Option) *Registry {
	r := &Registry{
		table:   store.NewTable[Payment](backend, store.KindPayment),
		locker:  locker,
		adapter: adapter,
		fees:    fees,
		custody: custody,
		now:     time.Now,
		log:     logger.Named("payment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Now 返回注册表使用的当前时间。
func (r *Registry) Now() time.Time {
	return r.now()
}

func newID(payer common.Address, now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], sequence.Add(1))
	binary.BigEndian.PutUint64(buf[8:], uint64(now.UnixNano()))
	return crypto.Keccak256Hash(payer.Bytes(), buf[:]).Hex()
}

// NormalizeAsset 规范化资产符号并校验其是否在资产目录中。
func (r *Registry) NormalizeAsset(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", ErrInvalidAsset
	}
	if r.assets != nil {
		if _, ok := r.assets.Lookup(symbol); !ok {
			return "", ErrInvalidAsset
		}
	}
	return symbol, nil
}

// Create 校验参数、把金额从 payer 锁入托管账户并保存为 Pending。锁定失败时不保存任何记录。
func (r *Registry) Create(ctx context.Context, payer common.Address, req CreateRequest) (p *Payment, err error) {
	defer func() { metrics.ObserveOperation("payment", "create", err) }()

	if payer == (common.Address{}) {
		return nil, ErrNotAuthorized
	}
	if req.Payee == (common.Address{}) {
		return nil, ErrInvalidRecipient
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := r.now()
	if req.Deadline <= now.Unix() {
		return nil, ErrInvalidDeadline
	}
	symbol, err := r.NormalizeAsset(req.Asset)
	if err != nil {
		return nil, err
	}

	record := &Payment{
		ID:            newID(payer, now),
		Payer:         payer,
		Payee:         req.Payee,
		Asset:         symbol,
		Amount:        new(big.Int).Set(req.Amount),
		Deadline:      req.Deadline,
		ConditionHash: req.ConditionHash,
		Status:        StatusPending,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}

	receipt, err := r.adapter.Transfer(ctx, transfer.Movement{From: payer, To: r.custody, Asset: symbol, Amount: record.Amount})
	if err != nil {
		return nil, transfer.Failed(err)
	}
	record.Reference = receipt.Reference

	if err := r.table.Insert(ctx, record.ID, record, payer.Hex(), req.Payee.Hex()); err != nil {
		// 记录未能保存，退还已锁定的资金。
		if _, refundErr := r.adapter.Transfer(ctx, transfer.Movement{From: r.custody, To: payer, Asset: symbol, Amount: record.Amount}); refundErr != nil {
			r.alert(ctx, record.ID, "create", transfer.Failed(refundErr))
		}
		return nil, err
	}

	logger.Audit().Info("payment_created",
		slog.String("payment_id", record.ID),
		slog.String("payer", payer.Hex()),
		slog.String("payee", req.Payee.Hex()),
		slog.String("asset", symbol),
		slog.String("amount", record.Amount.String()),
		slog.Int64("deadline", record.Deadline),
	)
	return clonePayment(record), nil
}

// Execute 由 payer、payee 或持有 payer 有效授权的 agent 在截止时间前执行付款。
func (r *Registry) Execute(ctx context.Context, caller common.Address, id string, proofData []byte, opts ...ExecuteOption) (p *Payment, err error) {
	defer func() { metrics.ObserveOperation("payment", "execute", err) }()

	var eo executeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&eo)
		}
	}

	unlock, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	now := r.now().Unix()
	if now > current.Deadline {
		return nil, ErrExpired
	}

	asAgent := caller != current.Payer && caller != current.Payee
	if asAgent && !eo.reserved {
		if r.guard == nil {
			return nil, ErrNotAuthorized
		}
		res, err := r.guard.Authorize(ctx, current.Payer, caller, current.Payee, current.Amount)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return nil, permission.Denied(res.Reason)
		}
	}
	if !proof.Matches(current.ConditionHash, proofData) {
		return nil, ErrConditionNotMet
	}

	var reservation *permission.Reservation
	if asAgent && !eo.reserved {
		reservation, err = r.guard.Reserve(ctx, current.Payer, caller, current.Payee, current.Amount)
		if err != nil {
			return nil, err
		}
	}

	net, feeAmount := r.fees.Split(current.Amount)
	next := clonePayment(current)
	next.Status = StatusExecuted
	next.NetAmount = net
	next.Fee = feeAmount
	next.ExecutedBy = caller
	next.UpdatedAt = now
	if err := r.table.Update(ctx, id, next); err != nil {
		r.releaseReservation(ctx, reservation)
		return nil, err
	}

	receipt, err := r.adapter.Transfer(ctx, transfer.Nonzero(
		transfer.Movement{From: r.custody, To: current.Payee, Asset: current.Asset, Amount: net},
		transfer.Movement{From: r.custody, To: r.fees.Recipient(), Asset: current.Asset, Amount: feeAmount},
	)...)
	if err != nil {
		r.rollback(ctx, current)
		r.releaseReservation(ctx, reservation)
		failed := transfer.Failed(err)
		r.alert(ctx, id, "execute", failed)
		return nil, failed
	}
	if receipt.Reference != "" {
		next.Reference = receipt.Reference
		if err := r.table.Update(ctx, id, next); err != nil {
			r.log.Warn("保存划转回执失败", slog.String("payment_id", id), slog.Any("error", err))
		}
	}

	logger.Audit().Info("payment_executed",
		slog.String("payment_id", id),
		slog.String("executor", caller.Hex()),
		slog.String("payee", current.Payee.Hex()),
		slog.String("net_amount", net.String()),
		slog.String("fee", feeAmount.String()),
		slog.Bool("agent", asAgent),
	)
	return clonePayment(next), nil
}

// ExecuteOption 调整单次 Execute 的行为。
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	reserved bool
}

// WithReservedSpend 表示调用方已经通过 permission.Guard.ReserveBatch 为该付款记账，
// Execute 不再逐笔检查与预留 agent 额度，划转失败时也由调用方负责释放。
func WithReservedSpend() ExecuteOption {
	return func(o *executeOptions) { o.reserved = true }
}

// Cancel 由 payer 在截止时间前取消付款并取回全部金额。
func (r *Registry) Cancel(ctx context.Context, caller common.Address, id string) (p *Payment, err error) {
	defer func() { metrics.ObserveOperation("payment", "cancel", err) }()

	unlock, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != current.Payer {
		return nil, ErrNotAuthorized
	}
	if current.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if r.now().Unix() > current.Deadline {
		return nil, ErrExpired
	}
	return r.returnToPayer(ctx, current, StatusCancelled, "")
}

// Refund 在截止时间之后由任何人触发，把全部金额退还 payer。
func (r *Registry) Refund(ctx context.Context, caller common.Address, id string) (p *Payment, err error) {
	defer func() { metrics.ObserveOperation("payment", "refund", err) }()

	unlock, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if r.now().Unix() <= current.Deadline {
		return nil, ErrNotExpired
	}
	r.log.Debug("refund triggered", slog.String("payment_id", id), slog.String("caller", caller.Hex()))
	return r.returnToPayer(ctx, current, StatusRefunded, "")
}

// Void 供结算引擎补偿使用：不论截止时间，把 Pending 付款的资金退还 payer。
func (r *Registry) Void(ctx context.Context, id, reason string) (p *Payment, err error) {
	defer func() { metrics.ObserveOperation("payment", "void", err) }()

	unlock, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if reason == "" {
		reason = "voided"
	}
	return r.returnToPayer(ctx, current, StatusRefunded, reason)
}

// CreateAndExecute 创建付款后立即由 executor 执行；执行失败时作废刚创建的付款。
func (r *Registry) CreateAndExecute(ctx context.Context, payer, executor common.Address, req CreateRequest, proofData []byte) (*Payment, error) {
	created, err := r.Create(ctx, payer, req)
	if err != nil {
		return nil, err
	}
	executed, err := r.Execute(ctx, executor, created.ID, proofData)
	if err != nil {
		if _, voidErr := r.Void(ctx, created.ID, xerrors.ReasonOf(err)); voidErr != nil {
			r.log.Error("作废付款失败", slog.String("payment_id", created.ID), slog.Any("error", voidErr))
			r.alert(ctx, created.ID, "void", voidErr)
		}
		return nil, err
	}
	return executed, nil
}

// Get 返回付款记录。
func (r *Registry) Get(ctx context.Context, id string) (*Payment, error) {
	return r.load(ctx, id)
}

// ListByUser 返回用户作为 payer 或 payee 的全部付款，按创建顺序排列。
func (r *Registry) ListByUser(ctx context.Context, user common.Address) ([]*Payment, error) {
	return r.table.ListByOwner(ctx, user.Hex())
}

func (r *Registry) returnToPayer(ctx context.Context, current *Payment, status Status, reason string) (*Payment, error) {
	next := clonePayment(current)
	next.Status = status
	next.VoidReason = reason
	next.UpdatedAt = r.now().Unix()
	if err := r.table.Update(ctx, current.ID, next); err != nil {
		return nil, err
	}
	receipt, err := r.adapter.Transfer(ctx, transfer.Movement{From: r.custody, To: current.Payer, Asset: current.Asset, Amount: current.Amount})
	if err != nil {
		r.rollback(ctx, current)
		failed := transfer.Failed(err)
		r.alert(ctx, current.ID, string(status), failed)
		return nil, failed
	}
	if receipt.Reference != "" {
		next.Reference = receipt.Reference
		if err := r.table.Update(ctx, current.ID, next); err != nil {
			r.log.Warn("保存划转回执失败", slog.String("payment_id", current.ID), slog.Any("error", err))
		}
	}
	logger.Audit().Info("payment_returned",
		slog.String("payment_id", current.ID),
		slog.String("status", string(status)),
		slog.String("payer", current.Payer.Hex()),
		slog.String("amount", current.Amount.String()),
		slog.String("reason", reason),
	)
	return clonePayment(next), nil
}

func (r *Registry) lock(ctx context.Context, id string) (func(), error) {
	return r.locker.Lock(ctx, store.LockKey(store.KindPayment, id))
}

func (r *Registry) load(ctx context.Context, id string) (*Payment, error) {
	p, err := r.table.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// rollback 在划转失败后恢复原记录。
func (r *Registry) rollback(ctx context.Context, previous *Payment) {
	if err := r.table.Update(ctx, previous.ID, previous); err != nil {
		r.log.Error("回滚付款状态失败", slog.String("payment_id", previous.ID), slog.Any("error", err))
		r.alert(ctx, previous.ID, "rollback", err)
	}
}

func (r *Registry) releaseReservation(ctx context.Context, reservation *permission.Reservation) {
	if reservation == nil || r.guard == nil {
		return
	}
	if err := r.guard.Release(ctx, reservation); err != nil {
		r.log.Error("释放授权额度失败",
			slog.String("owner", reservation.Owner.Hex()),
			slog.String("agent", reservation.Agent.Hex()),
			slog.Any("error", err))
	}
}

func (r *Registry) alert(ctx context.Context, id, operation string, err error) {
	r.log.Error("资金划转失败", slog.String("payment_id", id), slog.String("operation", operation), slog.Any("error", err))
	event := alerting.FromError("payment", id, err)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["operation"] = operation
	alerting.Raise(ctx, r.alerts, event)
}
