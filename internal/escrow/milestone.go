package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/pkg/logger"
)

// MilestoneSpec 是创建里程碑托管时的单个里程碑。
type MilestoneSpec struct {
	Description string   `json:"description"`
	Amount      *big.Int `json:"amount"`
}

// Milestone 记录单个里程碑的完成与释放情况。
type Milestone struct {
	Description string   `json:"description"`
	Amount      *big.Int `json:"amount"`
	Completed   bool     `json:"completed"`
	Released    bool     `json:"released"`
	NetAmount   *big.Int `json:"net_amount,omitempty"`
	Fee         *big.Int `json:"fee,omitempty"`
	CompletedAt int64    `json:"completed_at,omitempty"`
	ReleasedAt  int64    `json:"released_at,omitempty"`
}

// MilestoneEscrow 锁定全部里程碑金额之和，按里程碑分别释放。
type MilestoneEscrow struct {
	ID             string         `json:"id"`
	Depositor      common.Address `json:"depositor"`
	Beneficiary    common.Address `json:"beneficiary"`
	Arbiter        common.Address `json:"arbiter"`
	Asset          string         `json:"asset"`
	TotalAmount    *big.Int       `json:"total_amount"`
	ReleasedAmount *big.Int       `json:"released_amount"`
	Milestones     []Milestone    `json:"milestones"`
	Status         Status         `json:"status"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

func cloneMilestoneEscrow(e *MilestoneEscrow) *MilestoneEscrow {
	out := *e
	out.TotalAmount = copyInt(e.TotalAmount)
	out.ReleasedAmount = copyInt(e.ReleasedAmount)
	out.Milestones = make([]Milestone, len(e.Milestones))
	for i, ms := range e.Milestones {
		ms.Amount = copyInt(ms.Amount)
		ms.NetAmount = copyInt(ms.NetAmount)
		ms.Fee = copyInt(ms.Fee)
		out.Milestones[i] = ms
	}
	return &out
}

// CreateMilestoneEscrow 创建 1 到 20 个里程碑，并一次性锁定金额之和。
func (m *Manager) CreateMilestoneEscrow(ctx context.Context, depositor, beneficiary, arbiter common.Address, assetSymbol string, specs []MilestoneSpec) (e *MilestoneEscrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "create_milestone", err) }()

	if depositor == (common.Address{}) {
		return nil, ErrNotAuthorized
	}
	if beneficiary == (common.Address{}) || beneficiary == depositor {
		return nil, ErrInvalidBeneficiary
	}
	if len(specs) == 0 || len(specs) > MaxMilestones {
		return nil, xerrors.New(CodeInvalidMilestones, fmt.Sprintf("Milestone count must be between 1 and %d", MaxMilestones))
	}
	symbol, err := m.normalizeAsset(assetSymbol)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	milestones := make([]Milestone, len(specs))
	for i, spec := range specs {
		if spec.Amount == nil || spec.Amount.Sign() <= 0 {
			return nil, xerrors.New(CodeInvalidMilestones, fmt.Sprintf("Milestone %d amount must be positive", i))
		}
		milestones[i] = Milestone{
			Description: strings.TrimSpace(spec.Description),
			Amount:      new(big.Int).Set(spec.Amount),
		}
		total.Add(total, spec.Amount)
	}

	now := m.now()
	record := &MilestoneEscrow{
		ID:             newID("milestone", depositor, now),
		Depositor:      depositor,
		Beneficiary:    beneficiary,
		Arbiter:        arbiter,
		Asset:          symbol,
		TotalAmount:    total,
		ReleasedAmount: new(big.Int),
		Milestones:     milestones,
		Status:         StatusActive,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	if _, err := m.lockFunds(ctx, depositor, symbol, total); err != nil {
		return nil, err
	}
	if err := m.milestones.Insert(ctx, record.ID, record, owners(depositor, beneficiary, arbiter)...); err != nil {
		m.unlockFunds(ctx, record.ID, depositor, symbol, total)
		return nil, err
	}

	logger.Audit().Info("milestone_escrow_created",
		slog.String("escrow_id", record.ID),
		slog.String("depositor", depositor.Hex()),
		slog.String("beneficiary", beneficiary.Hex()),
		slog.String("asset", symbol),
		slog.String("total_amount", total.String()),
		slog.Int("milestones", len(milestones)),
	)
	return cloneMilestoneEscrow(record), nil
}

// CompleteMilestone 由 depositor 或 arbiter 标记里程碑完成，已完成的里程碑不能再次标记。
func (m *Manager) CompleteMilestone(ctx context.Context, caller common.Address, id string, index int) (e *MilestoneEscrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "complete_milestone", err) }()

	unlock, err := m.lock(ctx, store.KindMilestone, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.loadMilestone(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != current.Depositor && !isArbiter(current.Arbiter, caller) {
		return nil, ErrNotAuthorized
	}
	if current.Status != StatusActive {
		return nil, ErrNotActive
	}
	if index < 0 || index >= len(current.Milestones) {
		return nil, ErrInvalidIndex
	}
	ms := &current.Milestones[index]
	if ms.Completed {
		return nil, ErrAlreadyCompleted
	}
	now := m.now().Unix()
	ms.Completed = true
	ms.CompletedAt = now
	current.UpdatedAt = now
	if err := m.milestones.Update(ctx, id, current); err != nil {
		return nil, err
	}
	logger.Audit().Info("milestone_completed",
		slog.String("escrow_id", id),
		slog.Int("index", index),
		slog.String("caller", caller.Hex()),
	)
	return cloneMilestoneEscrow(current), nil
}

// ReleaseMilestone 释放已完成且未释放的里程碑，扣费后付给 beneficiary。
// 全部里程碑释放后托管进入 Completed。
func (m *Manager) ReleaseMilestone(ctx context.Context, caller common.Address, id string, index int) (e *MilestoneEscrow, err error) {
	defer func() { metrics.ObserveOperation("escrow", "release_milestone", err) }()

	unlock, err := m.lock(ctx, store.KindMilestone, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.loadMilestone(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != current.Depositor && caller != current.Beneficiary && !isArbiter(current.Arbiter, caller) {
		return nil, ErrNotAuthorized
	}
	if current.Status != StatusActive {
		return nil, ErrNotActive
	}
	if index < 0 || index >= len(current.Milestones) {
		return nil, ErrInvalidIndex
	}
	target := current.Milestones[index]
	if !target.Completed {
		return nil, ErrNotCompleted
	}
	if target.Released {
		return nil, ErrAlreadyReleased
	}

	now := m.now().Unix()
	net, feeAmount := m.fees.Split(target.Amount)
	next := cloneMilestoneEscrow(current)
	ms := &next.Milestones[index]
	ms.Released = true
	ms.ReleasedAt = now
	ms.NetAmount = net
	ms.Fee = feeAmount
	next.ReleasedAmount.Add(next.ReleasedAmount, target.Amount)
	next.UpdatedAt = now
	if allReleased(next.Milestones) {
		next.Status = StatusCompleted
	}
	if err := m.milestones.Update(ctx, id, next); err != nil {
		return nil, err
	}
	if _, err := m.payout(ctx, current.Beneficiary, current.Asset, net, feeAmount); err != nil {
		if rbErr := m.milestones.Update(ctx, id, current); rbErr != nil {
			m.log.Error("回滚里程碑状态失败", slog.String("escrow_id", id), slog.Any("error", rbErr))
		}
		m.alert(ctx, "milestone", id, "release_milestone", err)
		return nil, err
	}

	logger.Audit().Info("milestone_released",
		slog.String("escrow_id", id),
		slog.Int("index", index),
		slog.String("caller", caller.Hex()),
		slog.String("net_amount", net.String()),
		slog.String("fee", feeAmount.String()),
		slog.String("status", string(next.Status)),
	)
	return cloneMilestoneEscrow(next), nil
}

// GetMilestoneEscrow 返回里程碑托管记录。
func (m *Manager) GetMilestoneEscrow(ctx context.Context, id string) (*MilestoneEscrow, error) {
	return m.loadMilestone(ctx, id)
}

// ListMilestoneEscrowsByUser 返回用户参与的里程碑托管。
func (m *Manager) ListMilestoneEscrowsByUser(ctx context.Context, user common.Address) ([]*MilestoneEscrow, error) {
	return m.milestones.ListByOwner(ctx, user.Hex())
}

func (m *Manager) loadMilestone(ctx context.Context, id string) (*MilestoneEscrow, error) {
	e, err := m.milestones.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func isArbiter(arbiter, caller common.Address) bool {
	return arbiter != (common.Address{}) && caller == arbiter
}

func allReleased(milestones []Milestone) bool {
	for _, ms := range milestones {
		if !ms.Released {
			return false
		}
	}
	return true
}
