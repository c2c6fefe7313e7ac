// Package permission 实现智能体的支出授权：单笔上限、滚动 24 小时额度、收款方白名单、过期与即时撤销。
package permission

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
)

// ResetWindow 是每日额度的滚动窗口（秒）。
const ResetWindow int64 = 24 * 60 * 60

// MaxDuration 是授权有效期上限（秒），约十年。
const MaxDuration int64 = 10 * 365 * ResetWindow

// 拒绝原因，可原样展示给最终用户。
const (
	ReasonNotActive        = "Permission not active"
	ReasonExpired          = "Permission expired"
	ReasonExceedsOperation = "Exceeds per-operation limit"
	ReasonExceedsDaily     = "Exceeds daily limit"
	ReasonRecipient        = "Recipient not allowed"
)

// Permission 是 owner 授予 agent 的支出授权。
type Permission struct {
	Owner            common.Address          `json:"owner"`
	Agent            common.Address          `json:"agent"`
	MaxPerOperation  *big.Int                `json:"max_per_operation"`
	DailyLimit       *big.Int                `json:"daily_limit"`
	SpentToday       *big.Int                `json:"spent_today"`
	LastResetTime    int64                   `json:"last_reset_time"`
	TotalSpent       *big.Int                `json:"total_spent"`
	OperationCount   uint64                  `json:"operation_count"`
	Expiry           int64                   `json:"expiry"`
	Active           bool                    `json:"active"`
	AllowlistEnabled bool                    `json:"allowlist_enabled"`
	Allowlist        map[common.Address]bool `json:"allowlist,omitempty"`
	CreatedAt        int64                   `json:"created_at"`
	UpdatedAt        int64                   `json:"updated_at"`
}

// Spend 是批量授权中的一笔支出。
type Spend struct {
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
}

// Result 是授权检查的结果。
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Reservation 记录一次已提交的支出，划转失败时用于撤销。
type Reservation struct {
	Owner         common.Address
	Agent         common.Address
	Amount        *big.Int
	Operations    uint64
	LastResetTime int64
}

// Portion 返回覆盖其中 amount 与 ops 的子 Reservation，用于只撤销尚未发生的部分。
func (r *Reservation) Portion(amount *big.Int, ops uint64) *Reservation {
	if r == nil || amount == nil || amount.Sign() <= 0 {
		return nil
	}
	out := *r
	out.Amount = new(big.Int).Set(amount)
	if out.Amount.Cmp(r.Amount) > 0 {
		out.Amount.Set(r.Amount)
	}
	out.Operations = min(ops, r.Operations)
	return &out
}

// ID 返回 (owner, agent) 对应的记录键。
func ID(owner, agent common.Address) string {
	return owner.Hex() + ":" + agent.Hex()
}

const (
	CodeInvalidLimits xerrors.Code = "PERMISSION_INVALID_LIMITS"
	CodeInvalidAgent  xerrors.Code = "PERMISSION_INVALID_AGENT"
	CodeNotFound      xerrors.Code = "PERMISSION_NOT_FOUND"
	CodeDenied        xerrors.Code = "PERMISSION_DENIED"
)

var (
	// ErrNotFound 表示 owner 从未向该 agent 授权。
	ErrNotFound = xerrors.New(CodeNotFound, "Permission not found")
	// ErrDenied 用于 errors.Is 判断授权被拒绝。
	ErrDenied = xerrors.New(CodeDenied, "Permission denied")
)

func init() {
	xerrors.Register(CodeInvalidLimits, xerrors.Attributes{
		Message:  "Invalid permission limits",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidAgent, xerrors.Attributes{
		Message:  "Invalid agent",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "Permission not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDenied, xerrors.Attributes{
		Message:  "Permission denied",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityWarning,
	})
}

// Denied 构造带拒绝原因的授权错误。
func Denied(reason string) error {
	return xerrors.New(CodeDenied, reason, xerrors.WithMetadata("reason", reason))
}

// DeniedReason 从 Denied 构造的错误中取出拒绝原因。
func DeniedReason(err error) (string, bool) {
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodeDenied {
		return "", false
	}
	return e.Reason(), true
}

func clone(p *Permission) *Permission {
	if p == nil {
		return nil
	}
	out := *p
	out.MaxPerOperation = copyInt(p.MaxPerOperation)
	out.DailyLimit = copyInt(p.DailyLimit)
	out.SpentToday = copyInt(p.SpentToday)
	out.TotalSpent = copyInt(p.TotalSpent)
	if p.Allowlist != nil {
		out.Allowlist = make(map[common.Address]bool, len(p.Allowlist))
		for k, v := range p.Allowlist {
			out.Allowlist[k] = v
		}
	}
	return &out
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
