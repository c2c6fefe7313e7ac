package permission

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/pkg/logger"
)

// Guard 持有全部支出授权记录，每个 (owner, agent) 的检查与记账在同一把实体锁内完成。
type Guard struct {
	table  *store.Table[Permission]
	locker store.Locker
	now    func() time.Time
	log    *slog.Logger
}

// Option 定义 Guard 的可选配置。
type Option func(*Guard)

// WithClock 替换时间来源，测试中用于模拟 24 小时推进。
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard 创建 Guard。
func NewGuard(backend store.Backend, locker store.Locker, opts ...Option) *Guard {
	g := &Guard{
		table:  store.NewTable[Permission](backend, store.KindPermission),
		locker: locker,
		now:    time.Now,
		log:    logger.Named("permission"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *Guard) lock(ctx context.Context, owner, agent common.Address) (func(), error) {
	return g.locker.Lock(ctx, store.LockKey(store.KindPermission, ID(owner, agent)))
}

func (g *Guard) load(ctx context.Context, owner, agent common.Address) (*Permission, error) {
	p, err := g.table.Get(ctx, ID(owner, agent))
	if err != nil {
		if stdErrors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// Grant 创建或重新授予权限。重新授予保留历史累计值并重置当日额度。
func (g *Guard) Grant(ctx context.Context, owner, agent common.Address, maxPerOperation, dailyLimit *big.Int, durationSeconds int64) (*Permission, error) {
	if agent == (common.Address{}) || agent == owner {
		return nil, xerrors.New(CodeInvalidAgent, "Invalid agent")
	}
	if maxPerOperation == nil || maxPerOperation.Sign() <= 0 {
		return nil, xerrors.New(CodeInvalidLimits, "Max per operation must be positive")
	}
	if dailyLimit == nil || dailyLimit.Cmp(maxPerOperation) < 0 {
		return nil, xerrors.New(CodeInvalidLimits, "Daily limit must cover max per operation")
	}
	if durationSeconds < 0 || durationSeconds > MaxDuration {
		return nil, xerrors.New(CodeInvalidLimits, "Duration out of range")
	}

	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := g.now().Unix()
	existing, err := g.load(ctx, owner, agent)
	if err != nil && !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}

	p := existing
	if p == nil {
		p = &Permission{
			Owner:      owner,
			Agent:      agent,
			TotalSpent: new(big.Int),
			CreatedAt:  now,
		}
	}
	p.MaxPerOperation = new(big.Int).Set(maxPerOperation)
	p.DailyLimit = new(big.Int).Set(dailyLimit)
	p.SpentToday = new(big.Int)
	p.LastResetTime = now
	p.Active = true
	p.Expiry = 0
	if durationSeconds > 0 {
		p.Expiry = now + durationSeconds
	}
	p.UpdatedAt = now

	if existing == nil {
		err = g.table.Insert(ctx, ID(owner, agent), p, owner.Hex())
	} else {
		err = g.table.Update(ctx, ID(owner, agent), p)
	}
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("permission_granted",
		slog.String("owner", owner.Hex()),
		slog.String("agent", agent.Hex()),
		slog.String("max_per_operation", p.MaxPerOperation.String()),
		slog.String("daily_limit", p.DailyLimit.String()),
		slog.Int64("expiry", p.Expiry),
	)
	return clone(p), nil
}

// Revoke 立即停用权限，历史记录保留。
func (g *Guard) Revoke(ctx context.Context, owner, agent common.Address) error {
	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := g.load(ctx, owner, agent)
	if err != nil {
		return err
	}
	p.Active = false
	p.UpdatedAt = g.now().Unix()
	if err := g.table.Update(ctx, ID(owner, agent), p); err != nil {
		return err
	}
	logger.Audit().Info("permission_revoked",
		slog.String("owner", owner.Hex()),
		slog.String("agent", agent.Hex()),
	)
	return nil
}

// SetAllowlist 设置收款方白名单。首次调用后该 agent 永久进入白名单模式。
func (g *Guard) SetAllowlist(ctx context.Context, owner, agent, recipient common.Address, allowed bool) error {
	if recipient == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "Invalid recipient")
	}
	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := g.load(ctx, owner, agent)
	if err != nil {
		return err
	}
	if p.Allowlist == nil {
		p.Allowlist = make(map[common.Address]bool)
	}
	if allowed {
		p.Allowlist[recipient] = true
	} else {
		delete(p.Allowlist, recipient)
	}
	p.AllowlistEnabled = true
	p.UpdatedAt = g.now().Unix()
	if err := g.table.Update(ctx, ID(owner, agent), p); err != nil {
		return err
	}
	logger.Audit().Info("permission_allowlist_updated",
		slog.String("owner", owner.Hex()),
		slog.String("agent", agent.Hex()),
		slog.String("recipient", recipient.Hex()),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// Authorize 检查一笔支出是否被允许，不修改任何状态。
func (g *Guard) Authorize(ctx context.Context, owner, agent, recipient common.Address, amount *big.Int) (Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "Invalid amount")
	}
	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	p, err := g.load(ctx, owner, agent)
	if stdErrors.Is(err, ErrNotFound) {
		return g.deny(ReasonNotActive), nil
	}
	if err != nil {
		return Result{}, err
	}
	if reason := evaluate(p, g.now().Unix(), &recipient, amount); reason != "" {
		return g.deny(reason), nil
	}
	return Result{Allowed: true}, nil
}

// RecordSpend 在划转成功后记账，必要时真正执行每日额度重置。
func (g *Guard) RecordSpend(ctx context.Context, owner, agent common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "Invalid amount")
	}
	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := g.load(ctx, owner, agent)
	if err != nil {
		return err
	}
	commit(p, g.now().Unix(), amount, 1)
	return g.table.Update(ctx, ID(owner, agent), p)
}

// AuthorizeAndRecordBatch 先逐笔校验单笔上限与白名单、再校验总额，全部通过后一次性记账。
func (g *Guard) AuthorizeAndRecordBatch(ctx context.Context, owner, agent common.Address, spends []Spend) (Result, error) {
	_, err := g.ReserveBatch(ctx, owner, agent, spends)
	if reason, ok := DeniedReason(err); ok {
		return Result{Allowed: false, Reason: reason}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: true}, nil
}

// ReserveBatch 与 AuthorizeAndRecordBatch 相同，但返回可撤销的 Reservation，拒绝时返回带原因的授权错误。
// 任何一笔不通过都不会记账。
func (g *Guard) ReserveBatch(ctx context.Context, owner, agent common.Address, spends []Spend) (*Reservation, error) {
	if len(spends) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Empty spend batch")
	}
	total := new(big.Int)
	for _, s := range spends {
		if s.Amount == nil || s.Amount.Sign() <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "Invalid amount")
		}
		total.Add(total, s.Amount)
	}

	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := g.load(ctx, owner, agent)
	if stdErrors.Is(err, ErrNotFound) {
		g.deny(ReasonNotActive)
		return nil, Denied(ReasonNotActive)
	}
	if err != nil {
		return nil, err
	}

	now := g.now().Unix()
	for _, s := range spends {
		recipient := s.Recipient
		if reason := evaluate(p, now, &recipient, s.Amount); reason != "" && reason != ReasonExceedsDaily {
			g.deny(reason)
			return nil, Denied(reason)
		}
	}
	if !withinDaily(p, now, total) {
		g.deny(ReasonExceedsDaily)
		return nil, Denied(ReasonExceedsDaily)
	}

	commit(p, now, total, uint64(len(spends)))
	if err := g.table.Update(ctx, ID(owner, agent), p); err != nil {
		return nil, err
	}
	g.log.Info("batch spend recorded",
		slog.String("owner", owner.Hex()),
		slog.String("agent", agent.Hex()),
		slog.Int("items", len(spends)),
		slog.String("total", total.String()),
	)
	return &Reservation{
		Owner:         owner,
		Agent:         agent,
		Amount:        total,
		Operations:    uint64(len(spends)),
		LastResetTime: p.LastResetTime,
	}, nil
}

// Reserve 在同一临界区内完成 Authorize 与 RecordSpend，拒绝时返回带原因的授权错误。
// 调用方在资金划转失败后必须调用 Release。
func (g *Guard) Reserve(ctx context.Context, owner, agent, recipient common.Address, amount *big.Int) (*Reservation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Invalid amount")
	}
	unlock, err := g.lock(ctx, owner, agent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := g.load(ctx, owner, agent)
	if stdErrors.Is(err, ErrNotFound) {
		g.deny(ReasonNotActive)
		return nil, Denied(ReasonNotActive)
	}
	if err != nil {
		return nil, err
	}
	now := g.now().Unix()
	if reason := evaluate(p, now, &recipient, amount); reason != "" {
		g.deny(reason)
		return nil, Denied(reason)
	}
	commit(p, now, amount, 1)
	if err := g.table.Update(ctx, ID(owner, agent), p); err != nil {
		return nil, err
	}
	return &Reservation{
		Owner:         owner,
		Agent:         agent,
		Amount:        new(big.Int).Set(amount),
		Operations:    1,
		LastResetTime: p.LastResetTime,
	}, nil
}

// Release 撤销一次 Reserve。若期间发生过重置或重新授权，当日额度不再回退。
func (g *Guard) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	unlock, err := g.lock(ctx, r.Owner, r.Agent)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := g.load(ctx, r.Owner, r.Agent)
	if err != nil {
		return err
	}
	p.TotalSpent = floorSub(p.TotalSpent, r.Amount)
	if p.OperationCount >= r.Operations {
		p.OperationCount -= r.Operations
	} else {
		p.OperationCount = 0
	}
	if p.LastResetTime == r.LastResetTime {
		p.SpentToday = floorSub(p.SpentToday, r.Amount)
	}
	p.UpdatedAt = g.now().Unix()
	return g.table.Update(ctx, ID(r.Owner, r.Agent), p)
}

// CanSpend 只检查额度与有效期，不涉及收款方。
func (g *Guard) CanSpend(ctx context.Context, owner, agent common.Address, amount *big.Int) (bool, string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, "", xerrors.New(xerrors.CodeInvalidArgument, "Invalid amount")
	}
	p, err := g.load(ctx, owner, agent)
	if stdErrors.Is(err, ErrNotFound) {
		return false, ReasonNotActive, nil
	}
	if err != nil {
		return false, "", err
	}
	if reason := evaluate(p, g.now().Unix(), nil, amount); reason != "" {
		return false, reason, nil
	}
	return true, "", nil
}

// Get 返回权限记录。
func (g *Guard) Get(ctx context.Context, owner, agent common.Address) (*Permission, error) {
	return g.load(ctx, owner, agent)
}

// ListAgents 返回 owner 授予过权限的全部记录，按首次授权顺序排列。
func (g *Guard) ListAgents(ctx context.Context, owner common.Address) ([]*Permission, error) {
	return g.table.ListByOwner(ctx, owner.Hex())
}

func (g *Guard) deny(reason string) Result {
	metrics.ObservePermissionDenial(reason)
	return Result{Allowed: false, Reason: reason}
}

// evaluate 返回拒绝原因，允许时返回空串。recipient 为 nil 时跳过白名单检查。
func evaluate(p *Permission, now int64, recipient *common.Address, amount *big.Int) string {
	if !p.Active {
		return ReasonNotActive
	}
	if p.Expiry != 0 && now >= p.Expiry {
		return ReasonExpired
	}
	if amount.Cmp(p.MaxPerOperation) > 0 {
		return ReasonExceedsOperation
	}
	if !withinDaily(p, now, amount) {
		return ReasonExceedsDaily
	}
	if recipient != nil && p.AllowlistEnabled && !p.Allowlist[*recipient] {
		return ReasonRecipient
	}
	return ""
}

func resetDue(p *Permission, now int64) bool {
	return now >= p.LastResetTime+ResetWindow
}

func withinDaily(p *Permission, now int64, amount *big.Int) bool {
	spent := copyInt(p.SpentToday)
	if resetDue(p, now) {
		spent.SetInt64(0)
	}
	return spent.Add(spent, amount).Cmp(p.DailyLimit) <= 0
}

func commit(p *Permission, now int64, amount *big.Int, ops uint64) {
	if resetDue(p, now) {
		p.SpentToday = new(big.Int)
		p.LastResetTime = now
	}
	p.SpentToday = new(big.Int).Add(copyInt(p.SpentToday), amount)
	p.TotalSpent = new(big.Int).Add(copyInt(p.TotalSpent), amount)
	p.OperationCount += ops
	p.UpdatedAt = now
}

func floorSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(copyInt(a), b)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
