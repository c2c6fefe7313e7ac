// Package ethereum settles movements as ERC-20 token transfers signed by the
// custody operator account.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"OpenMCP-Pay/internal/transfer"
	"OpenMCP-Pay/pkg/logger"
)

// Config describes how to construct an ERC-20 settlement adapter.
type Config struct {
	Name        string
	RPCURL      string
	ChainID     int64
	OperatorKey string
	WaitMined   bool
	Tokens      map[string]common.Address
}

// Adapter implements transfer.Adapter on an EVM chain. Movements leaving the
// operator account use transfer; all others use transferFrom and require an
// allowance granted to the operator.
type Adapter struct {
	name    string
	auth    *bind.TransactOpts
	tokens  map[string]Token
	confirm func(ctx context.Context, tx *coretypes.Transaction) error
	rpc     *gethrpc.Client
	eth     *ethclient.Client
	mu      sync.Mutex
	log     *slog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithConfirmation installs a check that runs after each submitted transaction.
func WithConfirmation(fn func(ctx context.Context, tx *coretypes.Transaction) error) Option {
	return func(a *Adapter) { a.confirm = fn }
}

// NewAdapter wraps already bound tokens keyed by asset symbol.
func NewAdapter(name string, auth *bind.TransactOpts, tokens map[string]Token, opts ...Option) (*Adapter, error) {
	if auth == nil {
		return nil, errors.New("未提供交易签名器")
	}
	normalized := make(map[string]Token, len(tokens))
	for symbol, token := range tokens {
		normalized[strings.ToUpper(strings.TrimSpace(symbol))] = token
	}
	a := &Adapter{
		name:   name,
		auth:   auth,
		tokens: normalized,
		log:    logger.Named("chain").With(slog.String("chain", name)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Dial connects to the configured RPC endpoint and binds every token.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.OperatorKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析托管账户私钥失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = eth.ChainID(ctx); err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}

	tokens := make(map[string]Token, len(cfg.Tokens))
	for symbol, address := range cfg.Tokens {
		token, err := NewToken(address, eth)
		if err != nil {
			rpcClient.Close()
			return nil, err
		}
		tokens[symbol] = token
	}

	var opts []Option
	if cfg.WaitMined {
		opts = append(opts, WithConfirmation(func(ctx context.Context, tx *coretypes.Transaction) error {
			receipt, err := bind.WaitMined(ctx, eth, tx)
			if err != nil {
				return fmt.Errorf("等待交易上链失败: %w", err)
			}
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return fmt.Errorf("交易 %s 执行失败", tx.Hash().Hex())
			}
			return nil
		}))
	}
	adapter, err := NewAdapter(cfg.Name, auth, tokens, opts...)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	adapter.rpc = rpcClient
	adapter.eth = eth
	return adapter, nil
}

// Operator returns the custody account that signs transactions.
func (a *Adapter) Operator() common.Address {
	return a.auth.From
}

// Balance reports the token balance of account.
func (a *Adapter) Balance(ctx context.Context, symbol string, account common.Address) (*big.Int, error) {
	token, ok := a.tokens[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("链 %s 未配置资产 %s", a.name, symbol)
	}
	return token.BalanceOf(ctx, account)
}

// Transfer submits one token transaction per movement in order. A failure
// triggers best-effort compensation of the movements already submitted.
func (a *Adapter) Transfer(ctx context.Context, movements ...transfer.Movement) (transfer.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	receipt := transfer.Receipt{}
	done := make([]transfer.Movement, 0, len(movements))
	for _, m := range movements {
		if m.From == m.To || m.Amount == nil || m.Amount.Sign() == 0 {
			continue
		}
		tx, err := a.send(ctx, m)
		if err != nil {
			if compErr := a.compensate(ctx, done); compErr != nil {
				err = fmt.Errorf("%w; 补偿失败: %v", err, compErr)
			}
			return transfer.Receipt{}, transfer.Failed(err)
		}
		done = append(done, m)
		receipt.TxHashes = append(receipt.TxHashes, tx.Hash())
	}
	if len(receipt.TxHashes) > 0 {
		receipt.Reference = receipt.TxHashes[0].Hex()
	}
	return receipt, nil
}

func (a *Adapter) send(ctx context.Context, m transfer.Movement) (*coretypes.Transaction, error) {
	token, ok := a.tokens[strings.ToUpper(m.Asset)]
	if !ok {
		return nil, fmt.Errorf("链 %s 未配置资产 %s", a.name, m.Asset)
	}
	var (
		tx  *coretypes.Transaction
		err error
	)
	if m.From == a.auth.From {
		tx, err = token.Transfer(ctx, a.auth, m.To, m.Amount)
	} else {
		tx, err = token.TransferFrom(ctx, a.auth, m.From, m.To, m.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("提交 %s 转账失败: %w", m.Asset, err)
	}
	if a.confirm != nil {
		if err := a.confirm(ctx, tx); err != nil {
			return nil, err
		}
	}
	a.log.Debug("token transfer submitted",
		slog.String("asset", m.Asset),
		slog.String("from", m.From.Hex()),
		slog.String("to", m.To.Hex()),
		slog.String("amount", m.Amount.String()),
		slog.String("tx", tx.Hash().Hex()))
	return tx, nil
}

// compensate reverses submitted movements newest first.
func (a *Adapter) compensate(ctx context.Context, done []transfer.Movement) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		m := done[i]
		reverse := transfer.Movement{From: m.To, To: m.From, Asset: m.Asset, Amount: m.Amount}
		if _, err := a.send(ctx, reverse); err != nil {
			a.log.Error("补偿转账失败", slog.String("asset", m.Asset), slog.String("account", m.To.Hex()), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
		a.rpc = nil
	}
}
