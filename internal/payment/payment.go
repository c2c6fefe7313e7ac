// Package payment 维护带截止时间与可选条件的单笔付款，负责资金锁定、执行、取消与退款。
package payment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
)

// Status 表示付款在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusRefunded
}

// Payment 是付款记录。金额在创建时已从 payer 锁入托管账户。
type Payment struct {
	ID            string         `json:"id"`
	Payer         common.Address `json:"payer"`
	Payee         common.Address `json:"payee"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	Deadline      int64          `json:"deadline"`
	ConditionHash common.Hash    `json:"condition_hash"`
	Status        Status         `json:"status"`
	NetAmount     *big.Int       `json:"net_amount,omitempty"`
	Fee           *big.Int       `json:"fee,omitempty"`
	ExecutedBy    common.Address `json:"executed_by,omitempty"`
	VoidReason    string         `json:"void_reason,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// CreateRequest 描述创建付款所需的参数。Deadline 为 Unix 秒。
type CreateRequest struct {
	Payee         common.Address
	Asset         string
	Amount        *big.Int
	Deadline      int64
	ConditionHash common.Hash
}

const (
	CodeInvalidRecipient xerrors.Code = "PAYMENT_INVALID_RECIPIENT"
	CodeInvalidAmount    xerrors.Code = "PAYMENT_INVALID_AMOUNT"
	CodeInvalidDeadline  xerrors.Code = "PAYMENT_INVALID_DEADLINE"
	CodeInvalidAsset     xerrors.Code = "PAYMENT_INVALID_ASSET"
	CodeInvalidStatus    xerrors.Code = "PAYMENT_INVALID_STATUS"
	CodeExpired          xerrors.Code = "PAYMENT_EXPIRED"
	CodeNotExpired       xerrors.Code = "PAYMENT_NOT_EXPIRED"
	CodeNotAuthorized    xerrors.Code = "PAYMENT_NOT_AUTHORIZED"
	CodeConditionNotMet  xerrors.Code = "PAYMENT_CONDITION_NOT_MET"
	CodeNotFound         xerrors.Code = "PAYMENT_NOT_FOUND"
)

var (
	ErrInvalidRecipient = xerrors.New(CodeInvalidRecipient, "Invalid recipient")
	ErrInvalidAmount    = xerrors.New(CodeInvalidAmount, "Invalid amount")
	ErrInvalidDeadline  = xerrors.New(CodeInvalidDeadline, "Invalid deadline")
	ErrInvalidAsset     = xerrors.New(CodeInvalidAsset, "Unknown asset")
	ErrInvalidStatus    = xerrors.New(CodeInvalidStatus, "Invalid payment status")
	ErrExpired          = xerrors.New(CodeExpired, "Payment expired")
	ErrNotExpired       = xerrors.New(CodeNotExpired, "Payment not expired")
	ErrNotAuthorized    = xerrors.New(CodeNotAuthorized, "Not authorized")
	ErrConditionNotMet  = xerrors.New(CodeConditionNotMet, "Condition not met")
	ErrNotFound         = xerrors.New(CodeNotFound, "Payment not found")
)

func init() {
	register := func(code xerrors.Code, kind xerrors.Kind, message string) {
		xerrors.Register(code, xerrors.Attributes{
			Message:  message,
			Kind:     kind,
			Severity: xerrors.SeverityInfo,
		})
	}
	register(CodeInvalidRecipient, xerrors.KindValidation, "Invalid recipient")
	register(CodeInvalidAmount, xerrors.KindValidation, "Invalid amount")
	register(CodeInvalidDeadline, xerrors.KindValidation, "Invalid deadline")
	register(CodeInvalidAsset, xerrors.KindValidation, "Unknown asset")
	register(CodeInvalidStatus, xerrors.KindState, "Invalid payment status")
	register(CodeExpired, xerrors.KindState, "Payment expired")
	register(CodeNotExpired, xerrors.KindState, "Payment not expired")
	register(CodeNotAuthorized, xerrors.KindAuthorization, "Not authorized")
	register(CodeConditionNotMet, xerrors.KindCondition, "Condition not met")
	register(CodeNotFound, xerrors.KindNotFound, "Payment not found")
}

func clonePayment(p *Payment) *Payment {
	if p == nil {
		return nil
	}
	out := *p
	out.Amount = copyInt(p.Amount)
	if p.NetAmount != nil {
		out.NetAmount = copyInt(p.NetAmount)
	}
	if p.Fee != nil {
		out.Fee = copyInt(p.Fee)
	}
	return &out
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
