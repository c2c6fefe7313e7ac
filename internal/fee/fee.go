// Package fee splits disbursements into the payee's net amount and the
// protocol fee.
package fee

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MaxRateBps 是协议费率上限（10%）。
const MaxRateBps = 1000

const bpsDenominator = 10_000

// Calculator 按基点计算协议费。
type Calculator struct {
	rateBps   uint32
	recipient common.Address
}

// NewCalculator 创建费用计算器，费率大于 0 时必须提供收款地址。
func NewCalculator(rateBps uint32, recipient common.Address) (*Calculator, error) {
	if rateBps > MaxRateBps {
		return nil, fmt.Errorf("费率 %d bps 超过上限 %d", rateBps, MaxRateBps)
	}
	if rateBps > 0 && recipient == (common.Address{}) {
		return nil, fmt.Errorf("费率为 %d bps 时必须配置收费地址", rateBps)
	}
	return &Calculator{rateBps: rateBps, recipient: recipient}, nil
}

// Split 返回 (net, fee)，fee 向下取整，net+fee 恒等于 gross。
func (c *Calculator) Split(gross *big.Int) (*big.Int, *big.Int) {
	if gross == nil || gross.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	fee := new(big.Int)
	if c != nil && c.rateBps > 0 {
		fee.Mul(gross, big.NewInt(int64(c.rateBps)))
		fee.Quo(fee, big.NewInt(bpsDenominator))
	}
	net := new(big.Int).Sub(gross, fee)
	return net, fee
}

// RateBps 返回当前费率。
func (c *Calculator) RateBps() uint32 {
	if c == nil {
		return 0
	}
	return c.rateBps
}

// Recipient 返回协议费收款地址。
func (c *Calculator) Recipient() common.Address {
	if c == nil {
		return common.Address{}
	}
	return c.recipient
}
