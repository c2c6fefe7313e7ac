package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/alerting"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/proof"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/pkg/logger"
)

// MultiLegStatus 表示多腿交易状态。
type MultiLegStatus string

const (
	MultiLegPending     MultiLegStatus = "pending"
	MultiLegExecuting   MultiLegStatus = "executing"
	MultiLegCompleted   MultiLegStatus = "completed"
	MultiLegPartialFail MultiLegStatus = "partial_fail"
	MultiLegReverted    MultiLegStatus = "reverted"
)

// Leg 是多腿交易中的一笔付款。ConditionHash 为零时任意 proof 都满足。
type Leg struct {
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	ConditionHash common.Hash    `json:"condition_hash"`
	PaymentID     string         `json:"payment_id,omitempty"`
	Executed      bool           `json:"executed"`
}

// MultiLegTx 是一组要么全部完成、要么进入补偿流程的付款。
type MultiLegTx struct {
	ID            string         `json:"id"`
	Submitter     common.Address `json:"submitter"`
	Legs          []Leg          `json:"legs"`
	Status        MultiLegStatus `json:"status"`
	FailedLeg     int            `json:"failed_leg"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// CreateMultiLegTx 登记 1 到 10 条腿。每条腿的 From 必须是调用方本人，或已授权调用方支付该腿。
func (e *Engine) CreateMultiLegTx(ctx context.Context, caller common.Address, legs []Leg) (tx *MultiLegTx, err error) {
	defer func() { metrics.ObserveOperation("settlement", "create_multileg", err) }()

	if len(legs) == 0 || len(legs) > MaxLegs {
		return nil, xerrors.New(CodeInvalidLegs, fmt.Sprintf("Leg count must be between 1 and %d", MaxLegs))
	}
	normalized := make([]Leg, len(legs))
	for i, leg := range legs {
		if leg.From == (common.Address{}) {
			leg.From = caller
		}
		if leg.To == (common.Address{}) {
			return nil, payment.ErrInvalidRecipient
		}
		if leg.Amount == nil || leg.Amount.Sign() <= 0 {
			return nil, payment.ErrInvalidAmount
		}
		symbol, err := e.registry.NormalizeAsset(leg.Asset)
		if err != nil {
			return nil, err
		}
		if err := e.mayActFor(ctx, leg.From, caller, leg); err != nil {
			return nil, err
		}
		normalized[i] = Leg{
			From:          leg.From,
			To:            leg.To,
			Asset:         symbol,
			Amount:        new(big.Int).Set(leg.Amount),
			ConditionHash: leg.ConditionHash,
		}
	}

	now := e.now()
	tx = &MultiLegTx{
		ID:        newEntityID("multileg", caller, now),
		Submitter: caller,
		Legs:      normalized,
		Status:    MultiLegPending,
		FailedLeg: -1,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}
	if err := e.multilegs.Insert(ctx, tx.ID, tx, caller.Hex()); err != nil {
		return nil, err
	}
	return tx, nil
}

// ExecuteMultiLegTx 分三阶段执行：
//  1. 按顺序校验每条腿的 proof，首个不匹配即停止，状态 Reverted，不移动任何资金；
//     随后按 owner 对代付的腿整体校验单笔上限与每日总额并记账，被拒绝时同样 Reverted；
//  2. 为每条腿创建付款并锁定资金，失败时作废已创建的付款，状态 Reverted；
//  3. 按顺序执行付款，失败时作废剩余付款，状态 PartialFail 并发出告警，已执行的腿需人工处理。
func (e *Engine) ExecuteMultiLegTx(ctx context.Context, caller common.Address, id string, proofs [][]byte) (tx *MultiLegTx, err error) {
	defer func() { metrics.ObserveOperation("settlement", "execute_multileg", err) }()

	unlock, err := e.lock(ctx, store.KindMultiLeg, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = e.multilegs.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if caller != tx.Submitter {
		return nil, ErrNotAuthorized
	}
	if tx.Status != MultiLegPending {
		return nil, ErrInvalidStatus
	}
	if len(proofs) != len(tx.Legs) {
		return nil, ErrProofMismatch
	}

	tx.Status = MultiLegExecuting
	tx.UpdatedAt = e.now().Unix()
	if err := e.multilegs.Update(ctx, id, tx); err != nil {
		return nil, err
	}
	runCtx := context.WithoutCancel(ctx)

	for i, leg := range tx.Legs {
		if !proof.Matches(leg.ConditionHash, proofs[i]) {
			legErr := xerrors.New(CodeLegCondition, "Leg condition not met", xerrors.WithMetadata("leg", strconv.Itoa(i)))
			return tx, e.finishMultiLeg(runCtx, tx, MultiLegReverted, i, legErr)
		}
	}

	reservations, failedLeg, err := e.reserveLegs(runCtx, caller, tx.Legs)
	if err != nil {
		return tx, e.finishMultiLeg(runCtx, tx, MultiLegReverted, failedLeg, err)
	}

	deadline := e.now().Add(RecurringWindow).Unix()
	for i := range tx.Legs {
		leg := &tx.Legs[i]
		created, err := e.registry.Create(runCtx, leg.From, payment.CreateRequest{
			Payee:         leg.To,
			Asset:         leg.Asset,
			Amount:        leg.Amount,
			Deadline:      deadline,
			ConditionHash: proof.Hash(proofs[i]),
		})
		if err != nil {
			e.voidLegs(runCtx, tx, 0, "multi-leg creation failed")
			e.releaseLegs(runCtx, caller, tx, reservations)
			return tx, e.finishMultiLeg(runCtx, tx, MultiLegReverted, i, err)
		}
		leg.PaymentID = created.ID
	}
	if err := e.multilegs.Update(runCtx, id, tx); err != nil {
		e.voidLegs(runCtx, tx, 0, "multi-leg persistence failed")
		e.releaseLegs(runCtx, caller, tx, reservations)
		return tx, err
	}

	for i := range tx.Legs {
		leg := &tx.Legs[i]
		if _, err := e.registry.Execute(runCtx, caller, leg.PaymentID, proofs[i], payment.WithReservedSpend()); err != nil {
			e.voidLegs(runCtx, tx, i, "multi-leg aborted")
			e.releaseLegs(runCtx, caller, tx, reservations)
			status := MultiLegReverted
			if i > 0 {
				status = MultiLegPartialFail
			}
			return tx, e.finishMultiLeg(runCtx, tx, status, i, err)
		}
		leg.Executed = true
	}

	if err := e.finishMultiLeg(runCtx, tx, MultiLegCompleted, -1, nil); err != nil {
		return tx, err
	}
	return tx, nil
}

// reserveLegs 对每个 owner 代付的腿调用一次 ReserveBatch，owner 按首次出现的顺序处理。
// 任一 owner 被拒绝时撤销已记账的部分，并返回该 owner 的第一条腿序号。
func (e *Engine) reserveLegs(ctx context.Context, caller common.Address, legs []Leg) (map[common.Address]*permission.Reservation, int, error) {
	var owners []common.Address
	first := make(map[common.Address]int)
	spends := make(map[common.Address][]permission.Spend)
	for i, leg := range legs {
		if leg.From == caller {
			continue
		}
		if _, seen := first[leg.From]; !seen {
			first[leg.From] = i
			owners = append(owners, leg.From)
		}
		spends[leg.From] = append(spends[leg.From], permission.Spend{Recipient: leg.To, Amount: leg.Amount})
	}
	if len(owners) == 0 {
		return nil, -1, nil
	}
	if e.guard == nil {
		return nil, first[owners[0]], ErrNotAuthorized
	}

	reservations := make(map[common.Address]*permission.Reservation, len(owners))
	for _, owner := range owners {
		r, err := e.guard.ReserveBatch(ctx, owner, caller, spends[owner])
		if err != nil {
			for _, done := range reservations {
				e.release(ctx, done)
			}
			return nil, first[owner], err
		}
		reservations[owner] = r
	}
	return reservations, -1, nil
}

// releaseLegs 退回尚未执行的代付腿占用的额度，已执行的腿保持记账。
func (e *Engine) releaseLegs(ctx context.Context, caller common.Address, tx *MultiLegTx, reservations map[common.Address]*permission.Reservation) {
	if len(reservations) == 0 {
		return
	}
	amounts := make(map[common.Address]*big.Int)
	ops := make(map[common.Address]uint64)
	for _, leg := range tx.Legs {
		if leg.From == caller || leg.Executed {
			continue
		}
		if amounts[leg.From] == nil {
			amounts[leg.From] = new(big.Int)
		}
		amounts[leg.From].Add(amounts[leg.From], leg.Amount)
		ops[leg.From]++
	}
	for owner, amount := range amounts {
		e.release(ctx, reservations[owner].Portion(amount, ops[owner]))
	}
}

func (e *Engine) release(ctx context.Context, r *permission.Reservation) {
	if r == nil {
		return
	}
	if err := e.guard.Release(ctx, r); err != nil {
		e.log.Error("释放授权额度失败",
			slog.String("owner", r.Owner.Hex()),
			slog.String("agent", r.Agent.Hex()),
			slog.Any("error", err))
	}
}

// voidLegs 作废从 from 开始、尚未执行的腿对应的付款。
func (e *Engine) voidLegs(ctx context.Context, tx *MultiLegTx, from int, reason string) {
	for i := from; i < len(tx.Legs); i++ {
		leg := tx.Legs[i]
		if leg.PaymentID == "" || leg.Executed {
			continue
		}
		if _, err := e.registry.Void(ctx, leg.PaymentID, reason); err != nil {
			e.log.Error("作废多腿交易付款失败",
				slog.String("multileg_id", tx.ID),
				slog.String("payment_id", leg.PaymentID),
				slog.Any("error", err))
		}
	}
}

// finishMultiLeg 持久化终态。cause 非空时返回描述失败的错误。
func (e *Engine) finishMultiLeg(ctx context.Context, tx *MultiLegTx, status MultiLegStatus, failedLeg int, cause error) error {
	tx.Status = status
	tx.FailedLeg = failedLeg
	tx.UpdatedAt = e.now().Unix()
	if cause != nil {
		tx.FailureReason = fmt.Sprintf("leg %d: %s", failedLeg, xerrors.ReasonOf(cause))
	}
	if err := e.multilegs.Update(ctx, tx.ID, tx); err != nil {
		e.log.Error("保存多腿交易状态失败", slog.String("multileg_id", tx.ID), slog.Any("error", err))
		if cause == nil {
			return err
		}
	}

	logger.Audit().Info("multileg_finished",
		slog.String("multileg_id", tx.ID),
		slog.String("status", string(status)),
		slog.Int("failed_leg", failedLeg),
		slog.String("reason", tx.FailureReason),
	)

	if status == MultiLegPartialFail {
		partial := xerrors.Wrap(CodePartialFailure, cause, tx.FailureReason,
			xerrors.WithMetadata("multileg_id", tx.ID),
			xerrors.WithMetadata("failed_leg", strconv.Itoa(failedLeg)))
		alerting.Raise(ctx, e.alerts, alerting.FromError("multileg", tx.ID, partial))
		return partial
	}
	return cause
}

// GetMultiLegTx 返回多腿交易。
func (e *Engine) GetMultiLegTx(ctx context.Context, id string) (*MultiLegTx, error) {
	tx, err := e.multilegs.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return tx, nil
}
