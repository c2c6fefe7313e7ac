package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// erc20ABI covers the calls the adapter needs.
const erc20ABI = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// Token is the subset of an ERC-20 contract used for settlement.
type Token interface {
	Transfer(ctx context.Context, opts *bind.TransactOpts, to common.Address, amount *big.Int) (*coretypes.Transaction, error)
	TransferFrom(ctx context.Context, opts *bind.TransactOpts, from, to common.Address, amount *big.Int) (*coretypes.Transaction, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// boundToken calls an ERC-20 contract through a go-ethereum bound contract.
type boundToken struct {
	contract *bind.BoundContract
}

// NewToken binds the ERC-20 contract deployed at address.
func NewToken(address common.Address, backend bind.ContractBackend) (Token, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}
	return &boundToken{contract: bind.NewBoundContract(address, parsed, backend, backend, backend)}, nil
}

func withContext(ctx context.Context, opts *bind.TransactOpts) *bind.TransactOpts {
	clone := *opts
	clone.Context = ctx
	return &clone
}

func (t *boundToken) Transfer(ctx context.Context, opts *bind.TransactOpts, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	return t.contract.Transact(withContext(ctx, opts), "transfer", to, amount)
}

func (t *boundToken) TransferFrom(ctx context.Context, opts *bind.TransactOpts, from, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	return t.contract.Transact(withContext(ctx, opts), "transferFrom", from, to, amount)
}

func (t *boundToken) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []any
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf 返回值数量异常: %d", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回值类型异常: %T", out[0])
	}
	return balance, nil
}
