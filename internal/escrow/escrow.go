// Package escrow 持有等待释放条件的资金：时间、仲裁人批准或密码学证明，
// 以及按里程碑分段释放的变体。托管账户与付款注册表互不相交。
package escrow

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
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
	"OpenMCP-Pay/pkg/logger"
)

// MaxMilestones 是单个里程碑托管允许的最大里程碑数。
const MaxMilestones = 20

// Status 表示托管状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
)

// Escrow 是一笔普通托管。Arbiter 与 ConditionHash 为零值时表示未配置。
type Escrow struct {
	ID            string         `json:"id"`
	Depositor     common.Address `json:"depositor"`
	Beneficiary   common.Address `json:"beneficiary"`
	Arbiter       common.Address `json:"arbiter"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	ReleaseTime   int64          `json:"release_time"`
	ConditionHash common.Hash    `json:"condition_hash"`
	Status        Status         `json:"status"`
	NetAmount     *big.Int       `json:"net_amount,omitempty"`
	Fee           *big.Int       `json:"fee,omitempty"`
	SettledBy     common.Address `json:"settled_by"`
	Reference     string         `json:"reference,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// CreateRequest 描述新建托管的参数。ReleaseTime 为 unix 秒，0 表示没有到期释放。
type CreateRequest struct {
	Beneficiary   common.Address `json:"beneficiary"`
	Arbiter       common.Address `json:"arbiter"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	ReleaseTime   int64          `json:"release_time"`
	ConditionHash common.Hash    `json:"condition_hash"`
}

const (
	CodeInvalidBeneficiary xerrors.Code = "ESCROW_INVALID_BENEFICIARY"
	CodeInvalidAmount      xerrors.Code = "ESCROW_INVALID_AMOUNT"
	CodeInvalidAsset       xerrors.Code = "ESCROW_INVALID_ASSET"
	CodeInvalidReleaseTime xerrors.Code = "ESCROW_INVALID_RELEASE_TIME"
	CodeInvalidMilestones  xerrors.Code = "ESCROW_INVALID_MILESTONES"
	CodeInvalidIndex       xerrors.Code = "ESCROW_INVALID_MILESTONE_INDEX"
	CodeInvalidStatus      xerrors.Code = "ESCROW_INVALID_STATUS"
	CodeNotAuthorized      xerrors.Code = "ESCROW_NOT_AUTHORIZED"
	CodeNoArbiter          xerrors.Code = "ESCROW_NO_ARBITER"
	CodeConditionNotMet    xerrors.Code = "ESCROW_CONDITION_NOT_MET"
	CodeMilestoneState     xerrors.Code = "ESCROW_MILESTONE_STATE"
	CodeNotFound           xerrors.Code = "ESCROW_NOT_FOUND"
)

var (
	ErrInvalidBeneficiary = xerrors.New(CodeInvalidBeneficiary, "Invalid beneficiary")
	ErrInvalidAmount      = xerrors.New(CodeInvalidAmount, "Invalid amount")
	ErrInvalidAsset       = xerrors.New(CodeInvalidAsset, "Unknown asset")
	ErrInvalidReleaseTime = xerrors.New(CodeInvalidReleaseTime, "Release time must be in the future")
	ErrInvalidIndex       = xerrors.New(CodeInvalidIndex, "Invalid milestone index")
	ErrNotActive          = xerrors.New(CodeInvalidStatus, "Escrow not active")
	ErrNotAuthorized      = xerrors.New(CodeNotAuthorized, "Not authorized")
	ErrNoArbiter          = xerrors.New(CodeNoArbiter, "No arbiter configured")
	ErrConditionNotMet    = xerrors.New(CodeConditionNotMet, "Condition not met")
	ErrAlreadyCompleted   = xerrors.New(CodeMilestoneState, "Milestone already completed")
	ErrNotCompleted       = xerrors.New(CodeMilestoneState, "Milestone not completed")
	ErrAlreadyReleased    = xerrors.New(CodeMilestoneState, "Milestone already released")
	ErrNotFound           = xerrors.New(CodeNotFound, "Escrow not found")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeInvalidBeneficiary: "Invalid beneficiary",
		CodeInvalidAmount:      "Invalid amount",
		CodeInvalidAsset:       "Unknown asset",
		CodeInvalidReleaseTime: "Invalid release time",
		CodeInvalidMilestones:  "Invalid milestones",
		CodeInvalidIndex:       "Invalid milestone index",
	} {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo})
	}
	xerrors.Register(CodeInvalidStatus, xerrors.Attributes{Message: "Escrow not active", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMilestoneState, xerrors.Attributes{Message: "Invalid milestone state", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNoArbiter, xerrors.Attributes{Message: "No arbiter configured", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{Message: "Not authorized", Kind: xerrors.KindAuthorization, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeConditionNotMet, xerrors.Attributes{Message: "Condition not met", Kind: xerrors.KindCondition, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "Escrow not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
}

var sequence atomic.Uint64

// Manager 独占托管记录与托管账户中的资金。
type Manager struct {
	escrows    *store.Table[Escrow]
	milestones *store.Table[MilestoneEscrow]
	locker     store.Locker
	adapter    transfer.Adapter
	fees       *fee.Calculator
	custody    common.Address
	assets     *asset.Catalog
	alerts     alerting.Dispatcher
	now        func() time.Time
	log        *slog.Logger
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithAssets 限定可用资产。
func WithAssets(catalog *asset.Catalog) Option {
	return func(m *Manager) { m.assets = catalog }
}

// WithAlerts 在资金划转失败时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithLogger 替换组件日志。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建托管管理器。custody 必须与付款注册表的托管账户不同。
func NewManager(backend store.Backend, locker store.Locker, adapter transfer.Adapter, fees *fee.Calculator, custody common.Address, opts ...Option) *Manager {
	m := &Manager{
		escrows:    store.NewTable[Escrow](backend, store.KindEscrow),
		milestones: store.NewTable[MilestoneEscrow](backend, store.KindMilestone),
		locker:     locker,
		adapter:    adapter,
		fees:       fees,
		custody:    custody,
		now:        time.Now,
		log:        logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func newID(kind string, depositor common.Address, now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], sequence.Add(1))
	binary.BigEndian.PutUint64(buf[8:], uint64(now.UnixNano()))
	return crypto.Keccak256Hash([]byte(kind), depositor.Bytes(), buf[:]).Hex()
}

func (m *Manager) normalizeAsset(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", ErrInvalidAsset
	}
	if m.assets != nil {
		if _, ok := m.assets.Lookup(symbol); !ok {
			return "", ErrInvalidAsset
		}
	}
	return symbol, nil
}

func (m *Manager) lock(ctx context.Context, kind store.Kind, id string) (func(), error) {
	return m.locker.Lock(ctx, store.LockKey(kind, id))
}

func notFound(err error) error {
	if stdErrors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// lockFunds 把金额从 depositor 转入托管账户。
func (m *Manager) lockFunds(ctx context.Context, depositor common.Address, symbol string, amount *big.Int) (string, error) {
	receipt, err := m.adapter.Transfer(ctx, transfer.Movement{From: depositor, To: m.custody, Asset: symbol, Amount: amount})
	if err != nil {
		return "", transfer.Failed(err)
	}
	return receipt.Reference, nil
}

// unlockFunds 在记录保存失败时把资金退还 depositor。
func (m *Manager) unlockFunds(ctx context.Context, id string, depositor common.Address, symbol string, amount *big.Int) {
	if _, err := m.adapter.Transfer(ctx, transfer.Movement{From: m.custody, To: depositor, Asset: symbol, Amount: amount}); err != nil {
		m.alert(ctx, "escrow", id, "create", transfer.Failed(err))
	}
}

// payout 把 net 付给 beneficiary，协议费付给收费地址。
func (m *Manager) payout(ctx context.Context, beneficiary common.Address, symbol string, net, feeAmount *big.Int) (string, error) {
	receipt, err := m.adapter.Transfer(ctx, transfer.Nonzero(
		transfer.Movement{From: m.custody, To: beneficiary, Asset: symbol, Amount: net},
		transfer.Movement{From: m.custody, To: m.fees.Recipient(), Asset: symbol, Amount: feeAmount},
	)...)
	if err != nil {
		return "", transfer.Failed(err)
	}
	return receipt.Reference, nil
}

func (m *Manager) alert(ctx context.Context, kind, id, operation string, err error) {
	m.log.Error("托管资金划转失败", slog.String("escrow_id", id), slog.String("operation", operation), slog.Any("error", err))
	event := alerting.FromError(kind, id, err)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["operation"] = operation
	alerting.Raise(ctx, m.alerts, event)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func owners(addrs ...common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != (common.Address{}) {
			out = append(out, a.Hex())
		}
	}
	return out
}
