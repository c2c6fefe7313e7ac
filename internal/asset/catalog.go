// Package asset keeps the catalogue of settlement assets and converts between
// human readable amounts and integer base units.
package asset

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset 描述一种可结算资产。
type Asset struct {
	Symbol   string         `yaml:"symbol" json:"symbol"`
	Decimals int32          `yaml:"decimals" json:"decimals"`
	Token    common.Address `yaml:"token" json:"token,omitempty"`
	Chain    string         `yaml:"chain" json:"chain,omitempty"`
}

// Catalog 按符号索引资产，构造后只读。
type Catalog struct {
	assets map[string]Asset
}

// NewCatalog 校验并构造资产目录，符号不区分大小写。
func NewCatalog(assets ...Asset) (*Catalog, error) {
	set := make(map[string]Asset, len(assets))
	for _, a := range assets {
		symbol := normalize(a.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("资产符号不能为空")
		}
		if a.Decimals < 0 || a.Decimals > 36 {
			return nil, fmt.Errorf("资产 %s 的精度 %d 不合法", symbol, a.Decimals)
		}
		if _, dup := set[symbol]; dup {
			return nil, fmt.Errorf("资产 %s 重复配置", symbol)
		}
		a.Symbol = symbol
		set[symbol] = a
	}
	return &Catalog{assets: set}, nil
}

// Lookup 返回资产定义。
func (c *Catalog) Lookup(symbol string) (Asset, bool) {
	if c == nil {
		return Asset{}, false
	}
	a, ok := c.assets[normalize(symbol)]
	return a, ok
}

// Symbols 返回排序后的资产符号。
func (c *Catalog) Symbols() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.assets))
	for symbol := range c.assets {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// ParseAmount 把 "0.5" 这样的十进制字符串换算成基础单位，精度超出时报错。
func (c *Catalog) ParseAmount(symbol, raw string) (*big.Int, error) {
	a, ok := c.Lookup(symbol)
	if !ok {
		return nil, fmt.Errorf("未知资产 %s", symbol)
	}
	return a.ParseAmount(raw)
}

// ParseAmount 把十进制字符串换算成该资产的基础单位。
func (a Asset) ParseAmount(raw string) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("金额 %q 格式错误: %w", raw, err)
	}
	scaled := value.Shift(a.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("金额 %s 超出 %s 的精度 %d", raw, a.Symbol, a.Decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount 把基础单位格式化为十进制字符串。
func (a Asset) FormatAmount(units *big.Int) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -a.Decimals).String()
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
