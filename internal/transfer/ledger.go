package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	account common.Address
	asset   string
}

// Ledger 是内存中的余额账本，实现 Adapter，供单机部署与测试使用。
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
	seq      uint64
	rejects  map[common.Address]error
}

// NewLedger 创建空账本。
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*big.Int),
		rejects:  make(map[common.Address]error),
	}
}

// Deposit 给账户入金。
func (l *Ledger) Deposit(account common.Address, asset string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{account: account, asset: strings.ToUpper(asset)}
	current := l.balanceLocked(key)
	l.balances[key] = new(big.Int).Add(current, amount)
}

// Balance 查询余额。
func (l *Ledger) Balance(account common.Address, asset string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(balanceKey{account: account, asset: strings.ToUpper(asset)}))
}

// RejectIncoming 让指定账户拒收资金，用于模拟收款方拒绝的场景；err 为 nil 时恢复。
func (l *Ledger) RejectIncoming(account common.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.rejects, account)
		return
	}
	l.rejects[account] = err
}

// Transfer 原子地执行全部划转：先在副本上校验余额，全部通过后一次性提交。
func (l *Ledger) Transfer(_ context.Context, movements ...Movement) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make(map[balanceKey]*big.Int)
	read := func(key balanceKey) *big.Int {
		if v, ok := staged[key]; ok {
			return v
		}
		return new(big.Int).Set(l.balanceLocked(key))
	}

	for i, m := range movements {
		if m.Amount == nil || m.Amount.Sign() <= 0 {
			return Receipt{}, Failed(fmt.Errorf("划转 %d 金额必须大于 0", i))
		}
		if m.From == m.To {
			continue
		}
		if err, ok := l.rejects[m.To]; ok {
			return Receipt{}, Failed(fmt.Errorf("账户 %s 拒收: %w", m.To.Hex(), err))
		}
		asset := strings.ToUpper(m.Asset)
		fromKey := balanceKey{account: m.From, asset: asset}
		toKey := balanceKey{account: m.To, asset: asset}

		from := read(fromKey)
		if from.Cmp(m.Amount) < 0 {
			return Receipt{}, Failed(fmt.Errorf("%w: %s 持有 %s %s，需要 %s",
				ErrInsufficientBalance, m.From.Hex(), from, asset, m.Amount))
		}
		staged[fromKey] = from.Sub(from, m.Amount)
		to := read(toKey)
		staged[toKey] = to.Add(to, m.Amount)
	}

	for key, value := range staged {
		l.balances[key] = value
	}
	l.seq++
	return Receipt{Reference: fmt.Sprintf("ledger-%d", l.seq)}, nil
}

// ErrInsufficientBalance 表示余额不足。
var ErrInsufficientBalance = errors.New("insufficient balance")

func (l *Ledger) balanceLocked(key balanceKey) *big.Int {
	if v, ok := l.balances[key]; ok {
		return v
	}
	return new(big.Int)
}

var _ Adapter = (*Ledger)(nil)
