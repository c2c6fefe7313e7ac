package escrow

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/proof"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
	"OpenMCP-Pay/pkg/logger"
)

func cloneEscrow(e *Escrow) *Escrow {
	out := *e
	out.Amount = copyInt(e.Amount)
	out.NetAmount = copyInt(e.NetAmount)
	out.Fee = copyInt(e.Fee)
	return &out
}

// Create 把金额从 depositor 锁入托管账户，状态为 Active。
func (m *Manager) Create(ctx context.Context, depositor common.Address, req CreateRequest) (e *Escrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "create", err) }()

	if depositor == (common.Address{}) {
		return nil, ErrNotAuthorized
	}
	if req.Beneficiary == (common.Address{}) || req.Beneficiary == depositor {
		return nil, ErrInvalidBeneficiary
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := m.now()
	if req.ReleaseTime < 0 || (req.ReleaseTime > 0 && req.ReleaseTime <= now.Unix()) {
		return nil, ErrInvalidReleaseTime
	}
	symbol, err := m.normalizeAsset(req.Asset)
	if err != nil {
		return nil, err
	}

	record := &Escrow{
		ID:            newID("escrow", depositor, now),
		Depositor:     depositor,
		Beneficiary:   req.Beneficiary,
		Arbiter:       req.Arbiter,
		Asset:         symbol,
		Amount:        new(big.Int).Set(req.Amount),
		ReleaseTime:   req.ReleaseTime,
		ConditionHash: req.ConditionHash,
		Status:        StatusActive,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}
	if record.Reference, err = m.lockFunds(ctx, depositor, symbol, record.Amount); err != nil {
		return nil, err
	}
	if err := m.escrows.Insert(ctx, record.ID, record, owners(depositor, req.Beneficiary, req.Arbiter)...); err != nil {
		m.unlockFunds(ctx, record.ID, depositor, symbol, record.Amount)
		return nil, err
	}

	logger.Audit().Info("escrow_created",
		slog.String("escrow_id", record.ID),
		slog.String("depositor", depositor.Hex()),
		slog.String("beneficiary", req.Beneficiary.Hex()),
		slog.String("arbiter", req.Arbiter.Hex()),
		slog.String("asset", symbol),
		slog.String("amount", record.Amount.String()),
		slog.Int64("release_time", record.ReleaseTime),
	)
	return cloneEscrow(record), nil
}

// Release 由 depositor、arbiter 或在到期后由任何人触发。配置了条件哈希时，
// 非 arbiter 调用方必须提供匹配的 proof。扣费后的金额付给 beneficiary。
func (m *Manager) Release(ctx context.Context, caller common.Address, id string, proofData []byte) (e *Escrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "release", err) }()

	unlock, err := m.lock(ctx, store.KindEscrow, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusActive {
		return nil, ErrNotActive
	}
	now := m.now().Unix()
	arbiter := isArbiter(current.Arbiter, caller)
	timeReached := current.ReleaseTime > 0 && now >= current.ReleaseTime
	if caller != current.Depositor && !arbiter && !timeReached {
		return nil, ErrNotAuthorized
	}
	if !arbiter && !proof.Matches(current.ConditionHash, proofData) {
		return nil, ErrConditionNotMet
	}

	net, feeAmount := m.fees.Split(current.Amount)
	next := cloneEscrow(current)
	next.Status = StatusReleased
	next.NetAmount = net
	next.Fee = feeAmount
	next.SettledBy = caller
	next.UpdatedAt = now
	if err := m.escrows.Update(ctx, id, next); err != nil {
		return nil, err
	}
	ref, err := m.payout(ctx, current.Beneficiary, current.Asset, net, feeAmount)
	if err != nil {
		m.rollback(ctx, current)
		m.alert(ctx, "escrow", id, "release", err)
		return nil, err
	}
	if ref != "" {
		next.Reference = ref
		m.saveReference(ctx, next)
	}

	logger.Audit().Info("escrow_released",
		slog.String("escrow_id", id),
		slog.String("caller", caller.Hex()),
		slog.String("beneficiary", current.Beneficiary.Hex()),
		slog.String("net_amount", net.String()),
		slog.String("fee", feeAmount.String()),
	)
	return cloneEscrow(next), nil
}

// Refund 由 beneficiary 或 arbiter 触发，把全部金额退还 depositor。
func (m *Manager) Refund(ctx context.Context, caller common.Address, id string) (e *Escrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "refund", err) }()

	unlock, err := m.lock(ctx, store.KindEscrow, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusActive {
		return nil, ErrNotActive
	}
	arbiter := isArbiter(current.Arbiter, caller)
	if caller != current.Beneficiary && !arbiter {
		return nil, ErrNotAuthorized
	}

	next := cloneEscrow(current)
	next.Status = StatusRefunded
	next.SettledBy = caller
	next.UpdatedAt = m.now().Unix()
	if err := m.escrows.Update(ctx, id, next); err != nil {
		return nil, err
	}
	receipt, err := m.adapter.Transfer(ctx, transfer.Movement{From: m.custody, To: current.Depositor, Asset: current.Asset, Amount: current.Amount})
	if err != nil {
		m.rollback(ctx, current)
		failed := transfer.Failed(err)
		m.alert(ctx, "escrow", id, "refund", failed)
		return nil, failed
	}
	if receipt.Reference != "" {
		next.Reference = receipt.Reference
		m.saveReference(ctx, next)
	}

	logger.Audit().Info("escrow_refunded",
		slog.String("escrow_id", id),
		slog.String("caller", caller.Hex()),
		slog.String("depositor", current.Depositor.Hex()),
		slog.String("amount", current.Amount.String()),
	)
	return cloneEscrow(next), nil
}

// Dispute 由 depositor 或 beneficiary 在配置了 arbiter 时发起。Disputed 是终态，资金留在托管账户。
func (m *Manager) Dispute(ctx context.Context, caller common.Address, id string) (e *Escrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "dispute", err) }()

	unlock, err := m.lock(ctx, store.KindEscrow, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusActive {
		return nil, ErrNotActive
	}
	if caller != current.Depositor && caller != current.Beneficiary {
		return nil, ErrNotAuthorized
	}
	if current.Arbiter == (common.Address{}) {
		return nil, ErrNoArbiter
	}

	current.Status = StatusDisputed
	current.SettledBy = caller
	current.UpdatedAt = m.now().Unix()
	if err := m.escrows.Update(ctx, id, current); err != nil {
		return nil, err
	}
	logger.Audit().Warn("escrow_disputed",
		slog.String("escrow_id", id),
		slog.String("caller", caller.Hex()),
		slog.String("arbiter", current.Arbiter.Hex()),
		slog.String("amount", current.Amount.String()),
	)
	return cloneEscrow(current), nil
}

// Get 返回托管记录。
func (m *Manager) Get(ctx context.Context, id string) (*Escrow, error) {
	return m.load(ctx, id)
}

// ListByUser 返回用户作为 depositor、beneficiary 或 arbiter 参与的托管，按创建顺序排列。
func (m *Manager) ListByUser(ctx context.Context, user common.Address) ([]*Escrow, error) {
	return m.escrows.ListByOwner(ctx, user.Hex())
}

func (m *Manager) load(ctx context.Context, id string) (*Escrow, error) {
	e, err := m.escrows.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// saveReference 补写划转回执。资金已经移动，写入失败只记录日志。
func (m *Manager) saveReference(ctx context.Context, e *Escrow) {
	if err := m.escrows.Update(ctx, e.ID, e); err != nil {
		m.log.Warn("保存划转回执失败",
			slog.String("escrow_id", e.ID),
			slog.String("reference", e.Reference),
			slog.Any("error", err))
	}
}

func (m *Manager) rollback(ctx context.Context, previous *Escrow) {
	if err := m.escrows.Update(ctx, previous.ID, previous); err != nil {
		m.log.Error("回滚托管状态失败", slog.String("escrow_id", previous.ID), slog.Any("error", err))
		m.alert(ctx, "escrow", previous.ID, "rollback", err)
	}
}
