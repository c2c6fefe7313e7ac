package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Pay/internal/transfer"
)

// fakeToken mimics ERC-20 balances and allowances granted to the operator.
type fakeToken struct {
	mu         sync.Mutex
	operator   common.Address
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	nonce      uint64
	calls      []string
}

func newFakeToken(operator common.Address) *fakeToken {
	return &fakeToken{
		operator:   operator,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
	}
}

func (f *fakeToken) mint(account common.Address, amount int64) {
	f.balances[account] = new(big.Int).Add(f.balanceLocked(account), big.NewInt(amount))
}

func (f *fakeToken) approve(owner common.Address, amount int64) {
	f.allowances[owner] = big.NewInt(amount)
}

func (f *fakeToken) balanceLocked(account common.Address) *big.Int {
	if b, ok := f.balances[account]; ok {
		return b
	}
	return new(big.Int)
}

func (f *fakeToken) move(from, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	if f.balanceLocked(from).Cmp(amount) < 0 {
		return nil, errors.New("transfer amount exceeds balance")
	}
	f.balances[from] = new(big.Int).Sub(f.balanceLocked(from), amount)
	f.balances[to] = new(big.Int).Add(f.balanceLocked(to), amount)
	f.nonce++
	return coretypes.NewTx(&coretypes.LegacyTx{Nonce: f.nonce, Value: new(big.Int)}), nil
}

func (f *fakeToken) Transfer(_ context.Context, opts *bind.TransactOpts, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "transfer")
	return f.move(opts.From, to, amount)
}

func (f *fakeToken) TransferFrom(_ context.Context, opts *bind.TransactOpts, from, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "transferFrom")
	allowance := f.allowances[from]
	if opts.From != f.operator || allowance == nil || allowance.Cmp(amount) < 0 {
		return nil, errors.New("insufficient allowance")
	}
	tx, err := f.move(from, to, amount)
	if err != nil {
		return nil, err
	}
	f.allowances[from] = new(big.Int).Sub(allowance, amount)
	return tx, nil
}

func (f *fakeToken) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balanceLocked(owner)), nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeToken) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	token := newFakeToken(auth.From)
	adapter, err := NewAdapter("simulated", auth, map[string]Token{"usdc": token})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, token
}

func TestAdapterUsesTransferFromForDeposits(t *testing.T) {
	t.Parallel()

	adapter, token := newTestAdapter(t)
	payer := common.HexToAddress("0x0000000000000000000000000000000000000a11")
	payee := common.HexToAddress("0x0000000000000000000000000000000000000b22")
	token.mint(payer, 1_000)
	token.approve(payer, 1_000)

	ctx := context.Background()
	receipt, err := adapter.Transfer(ctx, transfer.Movement{From: payer, To: adapter.Operator(), Asset: "USDC", Amount: big.NewInt(600)})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(receipt.TxHashes) != 1 || receipt.Reference != receipt.TxHashes[0].Hex() {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	if _, err := adapter.Transfer(ctx, transfer.Movement{From: adapter.Operator(), To: payee, Asset: "USDC", Amount: big.NewInt(600)}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	balance, err := adapter.Balance(ctx, "usdc", payee)
	if err != nil || balance.Int64() != 600 {
		t.Fatalf("unexpected payee balance %v %v", balance, err)
	}
	if token.calls[0] != "transferFrom" || token.calls[1] != "transfer" {
		t.Fatalf("unexpected call sequence %v", token.calls)
	}
}

func TestAdapterCompensatesOnFailure(t *testing.T) {
	t.Parallel()

	adapter, token := newTestAdapter(t)
	payee := common.HexToAddress("0x0000000000000000000000000000000000000b22")
	feeSink := common.HexToAddress("0x0000000000000000000000000000000000000fee")
	token.mint(adapter.Operator(), 100)
	// the payee lets the operator pull funds back
	token.approve(payee, 100)

	_, err := adapter.Transfer(context.Background(),
		transfer.Movement{From: adapter.Operator(), To: payee, Asset: "USDC", Amount: big.NewInt(90)},
		transfer.Movement{From: adapter.Operator(), To: feeSink, Asset: "USDC", Amount: big.NewInt(50)},
	)
	if !errors.Is(err, transfer.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if b, _ := token.BalanceOf(context.Background(), adapter.Operator()); b.Int64() != 100 {
		t.Fatalf("operator balance must be restored, got %s", b)
	}
	if b, _ := token.BalanceOf(context.Background(), payee); b.Sign() != 0 {
		t.Fatalf("payee must be compensated, got %s", b)
	}
}

func TestAdapterRejectsUnknownAsset(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t)
	_, err := adapter.Transfer(context.Background(), transfer.Movement{
		From: adapter.Operator(), To: common.HexToAddress("0x01"), Asset: "DAI", Amount: big.NewInt(1),
	})
	if !errors.Is(err, transfer.ErrTransferFailed) {
		t.Fatalf("expected failure for unknown asset, got %v", err)
	}
}

func TestNewTokenParsesABI(t *testing.T) {
	t.Parallel()

	if _, err := NewToken(common.HexToAddress("0x01"), nil); err != nil {
		t.Fatalf("bind token: %v", err)
	}
}
