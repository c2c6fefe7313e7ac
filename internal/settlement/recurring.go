package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/pkg/logger"
)

// Schedule 是定期付款计划。每次执行生成并立即执行一笔付款。
type Schedule struct {
	ID                  string         `json:"id"`
	Payer               common.Address `json:"payer"`
	Payee               common.Address `json:"payee"`
	Asset               string         `json:"asset"`
	Amount              *big.Int       `json:"amount"`
	Interval            int64          `json:"interval"`
	LastExecution       int64          `json:"last_execution"`
	ExecutionsRemaining uint64         `json:"executions_remaining"`
	Unlimited           bool           `json:"unlimited"`
	Active              bool           `json:"active"`
	Executions          []string       `json:"executions,omitempty"`
	CreatedAt           int64          `json:"created_at"`
	UpdatedAt           int64          `json:"updated_at"`
}

// Due 判断计划在 now 时刻是否可以执行。
func (s *Schedule) Due(now int64) bool {
	if !s.Active {
		return false
	}
	return s.LastExecution == 0 || now-s.LastExecution >= s.Interval
}

// NextExecution 返回下一次可执行的时间。
func (s *Schedule) NextExecution() int64 {
	if s.LastExecution == 0 {
		return s.CreatedAt
	}
	if s.Interval > math.MaxInt64-s.LastExecution {
		return math.MaxInt64
	}
	return s.LastExecution + s.Interval
}

func cloneSchedule(s *Schedule) *Schedule {
	out := *s
	out.Amount = new(big.Int).Set(s.Amount)
	out.Executions = append([]string(nil), s.Executions...)
	return &out
}

// CreateRecurringSchedule 创建定期付款计划。count 为 0 表示不限次数。
func (e *Engine) CreateRecurringSchedule(ctx context.Context, payer, payee common.Address, assetSymbol string, amount *big.Int, interval int64, count uint64) (s *Schedule, err error) {
	defer func() { metrics.ObserveOperation("settlement", "create_schedule", err) }()

	if payee == (common.Address{}) {
		return nil, payment.ErrInvalidRecipient
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, payment.ErrInvalidAmount
	}
	if interval < MinInterval || interval > MaxInterval {
		return nil, xerrors.New(CodeInvalidSchedule, fmt.Sprintf("Interval must be between %d and %d seconds", MinInterval, MaxInterval))
	}
	symbol, err := e.registry.NormalizeAsset(assetSymbol)
	if err != nil {
		return nil, err
	}

	now := e.now().Unix()
	schedule := &Schedule{
		ID:                  newEntityID("schedule", payer, e.now()),
		Payer:               payer,
		Payee:               payee,
		Asset:               symbol,
		Amount:              new(big.Int).Set(amount),
		Interval:            interval,
		ExecutionsRemaining: count,
		Unlimited:           count == 0,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.schedules.Insert(ctx, schedule.ID, schedule, payer.Hex(), payee.Hex(), store.AllOwners); err != nil {
		return nil, err
	}
	logger.Audit().Info("schedule_created",
		slog.String("schedule_id", schedule.ID),
		slog.String("payer", payer.Hex()),
		slog.String("payee", payee.Hex()),
		slog.String("amount", amount.String()),
		slog.Int64("interval", interval),
		slog.Uint64("count", count),
	)
	return schedule, nil
}

// ExecuteRecurringPayment 任何人都可以触发。到期检查、次数递减与 lastExecution 更新在计划锁内完成，
// 付款失败时计划恢复原状。
func (e *Engine) ExecuteRecurringPayment(ctx context.Context, caller common.Address, id string) (p *payment.Payment, err error) {
	defer func() { metrics.ObserveOperation("settlement", "execute_schedule", err) }()

	unlock, err := e.lock(ctx, store.KindSchedule, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.schedules.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if !current.Active {
		return nil, xerrors.New(CodeInvalidStatus, "Schedule not active")
	}
	now := e.now()
	if !current.Due(now.Unix()) {
		return nil, ErrNotDue
	}

	next := cloneSchedule(current)
	next.LastExecution = now.Unix()
	next.UpdatedAt = now.Unix()
	if !next.Unlimited {
		next.ExecutionsRemaining--
		if next.ExecutionsRemaining == 0 {
			next.Active = false
		}
	}
	if err := e.schedules.Update(ctx, id, next); err != nil {
		return nil, err
	}

	executed, err := e.registry.CreateAndExecute(ctx, current.Payer, current.Payer, payment.CreateRequest{
		Payee:    current.Payee,
		Asset:    current.Asset,
		Amount:   current.Amount,
		Deadline: now.Add(RecurringWindow).Unix(),
	}, nil)
	if err != nil {
		if restoreErr := e.schedules.Update(ctx, id, current); restoreErr != nil {
			e.log.Error("恢复定期计划失败", slog.String("schedule_id", id), slog.Any("error", restoreErr))
		}
		return nil, err
	}

	next.Executions = append(next.Executions, executed.ID)
	if err := e.schedules.Update(ctx, id, next); err != nil {
		e.log.Warn("记录定期付款失败", slog.String("schedule_id", id), slog.String("payment_id", executed.ID), slog.Any("error", err))
	}
	logger.Audit().Info("schedule_executed",
		slog.String("schedule_id", id),
		slog.String("payment_id", executed.ID),
		slog.String("triggered_by", caller.Hex()),
		slog.Uint64("remaining", next.ExecutionsRemaining),
		slog.Bool("active", next.Active),
	)
	return executed, nil
}

// CancelRecurringSchedule 仅 payer 可以取消。
func (e *Engine) CancelRecurringSchedule(ctx context.Context, caller common.Address, id string) (s *Schedule, err error) {
	defer func() { metrics.ObserveOperation("settlement", "cancel_schedule", err) }()

	unlock, err := e.lock(ctx, store.KindSchedule, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	schedule, err := e.schedules.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if caller != schedule.Payer {
		return nil, ErrNotAuthorized
	}
	if !schedule.Active {
		return nil, xerrors.New(CodeInvalidStatus, "Schedule not active")
	}
	schedule.Active = false
	schedule.UpdatedAt = e.now().Unix()
	if err := e.schedules.Update(ctx, id, schedule); err != nil {
		return nil, err
	}
	logger.Audit().Info("schedule_cancelled", slog.String("schedule_id", id), slog.String("payer", caller.Hex()))
	return schedule, nil
}

// GetSchedule 返回定期计划。
func (e *Engine) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s, err := e.schedules.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ListSchedulesByUser 返回用户作为 payer 或 payee 的计划。
func (e *Engine) ListSchedulesByUser(ctx context.Context, user common.Address) ([]*Schedule, error) {
	return e.schedules.ListByOwner(ctx, user.Hex())
}

// DueSchedules 返回当前到期的全部计划，供 keeper 扫描。
func (e *Engine) DueSchedules(ctx context.Context) ([]*Schedule, error) {
	all, err := e.schedules.ListByOwner(ctx, store.AllOwners)
	if err != nil {
		return nil, err
	}
	now := e.now().Unix()
	due := make([]*Schedule, 0, len(all))
	for _, s := range all {
		if s.Due(now) {
			due = append(due, s)
		}
	}
	return due, nil
}
