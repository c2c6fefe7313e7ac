// Package transfer defines the only component that touches external balances.
package transfer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
)

// Movement 描述一笔资金划转。
type Movement struct {
	From   common.Address
	To     common.Address
	Asset  string
	Amount *big.Int
}

// Receipt 是一次划转调用的回执。
type Receipt struct {
	Reference string
	TxHashes  []common.Hash
}

// Adapter 在参与方之间划转资金。一次调用中的全部 Movement 要么全部完成，要么全部不生效。
type Adapter interface {
	Transfer(ctx context.Context, movements ...Movement) (Receipt, error)
}

// CodeTransferFailed 表示资金划转失败，调用方必须回滚本次操作。
const CodeTransferFailed xerrors.Code = "TRANSFER_FAILED"

// ErrTransferFailed 用于 errors.Is 判断。
var ErrTransferFailed = xerrors.New(CodeTransferFailed, "Transfer failed")

func init() {
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "Transfer failed",
		Kind:      xerrors.KindTransfer,
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Failed 把底层错误包装为 TransferFailed。
func Failed(cause error) error {
	if cause == nil {
		return nil
	}
	if xerrors.CodeOf(cause) == CodeTransferFailed {
		return cause
	}
	return xerrors.Wrap(CodeTransferFailed, cause, "Transfer failed")
}

// Nonzero 过滤掉金额为零的划转，手续费为零时不需要产生链上交易。
func Nonzero(movements ...Movement) []Movement {
	out := make([]Movement, 0, len(movements))
	for _, m := range movements {
		if m.Amount == nil || m.Amount.Sign() == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}
