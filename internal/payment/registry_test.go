package payment

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/fee"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/proof"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
)

var (
	payer       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	payee       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	agent       = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	stranger    = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	custody     = common.HexToAddress("0x000000000000000000000000000000000000c057")
	feeReceiver = common.HexToAddress("0x0000000000000000000000000000000000000fee")
)

type fixture struct {
	registry *Registry
	ledger   *transfer.Ledger
	guard    *permission.Guard
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	backend := store.NewMemoryBackend()
	locker := store.NewMemoryLocker()
	ledger := transfer.NewLedger()
	ledger.Deposit(payer, "USDC", big.NewInt(10_000_000))

	calc, err := fee.NewCalculator(30, feeReceiver)
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	guard := permission.NewGuard(backend, locker, permission.WithClock(clock.Now))
	registry := NewRegistry(backend, locker, ledger, calc, custody,
		WithPermissions(guard),
		WithClock(clock.Now),
	)
	return &fixture{registry: registry, ledger: ledger, guard: guard, clock: clock}
}

func (f *fixture) create(t *testing.T, amount int64, condition common.Hash) *Payment {
	t.Helper()
	p, err := f.registry.Create(context.Background(), payer, CreateRequest{
		Payee:         payee,
		Asset:         "usdc",
		Amount:        big.NewInt(amount),
		Deadline:      f.clock.Now().Add(time.Hour).Unix(),
		ConditionHash: condition,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	deadline := f.clock.Now().Add(time.Hour).Unix()

	cases := []struct {
		name string
		req  CreateRequest
		want xerrors.Code
	}{
		{"zero payee", CreateRequest{Asset: "USDC", Amount: big.NewInt(1), Deadline: deadline}, CodeInvalidRecipient},
		{"zero amount", CreateRequest{Payee: payee, Asset: "USDC", Amount: big.NewInt(0), Deadline: deadline}, CodeInvalidAmount},
		{"past deadline", CreateRequest{Payee: payee, Asset: "USDC", Amount: big.NewInt(1), Deadline: f.clock.Now().Unix()}, CodeInvalidDeadline},
		{"missing asset", CreateRequest{Payee: payee, Amount: big.NewInt(1), Deadline: deadline}, CodeInvalidAsset},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.registry.Create(ctx, payer, tc.req)
			if xerrors.CodeOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			if xerrors.KindOf(err) != xerrors.KindValidation {
				t.Fatalf("expected validation kind, got %s", xerrors.KindOf(err))
			}
		})
	}

	if got := f.ledger.Balance(payer, "USDC"); got.Int64() != 10_000_000 {
		t.Fatalf("rejected creates must not move funds, balance=%s", got)
	}
}

func TestCreateWithoutFundsStoresNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.registry.Create(context.Background(), payer, CreateRequest{
		Payee:    payee,
		Asset:    "USDC",
		Amount:   big.NewInt(20_000_000),
		Deadline: f.clock.Now().Add(time.Hour).Unix(),
	})
	if !errors.Is(err, transfer.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	list, err := f.registry.ListByUser(context.Background(), payer)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no stored payments, got %d %v", len(list), err)
	}
}

func TestExecuteOnceAndConservation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, 1_000_000, common.Hash{})

	if got := f.ledger.Balance(custody, "USDC"); got.Int64() != 1_000_000 {
		t.Fatalf("expected funds locked in custody, got %s", got)
	}

	executed, err := f.registry.Execute(ctx, payee, p.ID, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != StatusExecuted {
		t.Fatalf("unexpected status %s", executed.Status)
	}
	if executed.NetAmount.Int64() != 997_000 || executed.Fee.Int64() != 3_000 {
		t.Fatalf("unexpected split %s / %s", executed.NetAmount, executed.Fee)
	}
	if sum := new(big.Int).Add(executed.NetAmount, executed.Fee); sum.Cmp(executed.Amount) != 0 {
		t.Fatalf("net + fee must equal amount, got %s", sum)
	}

	if _, err := f.registry.Execute(ctx, payee, p.ID, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second execute must fail with invalid status, got %v", err)
	}

	if f.ledger.Balance(payer, "USDC").Int64() != 9_000_000 {
		t.Fatal("payer must lose exactly the amount")
	}
	if f.ledger.Balance(payee, "USDC").Int64() != 997_000 || f.ledger.Balance(feeReceiver, "USDC").Int64() != 3_000 {
		t.Fatal("payee and fee recipient balances do not add up")
	}
	if f.ledger.Balance(custody, "USDC").Sign() != 0 {
		t.Fatal("custody must be empty after execution")
	}
}

func TestConcurrentExecuteSucceedsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.create(t, 1_000, common.Hash{})

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.registry.Execute(context.Background(), payer, p.ID, nil); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful execution, got %d", successes.Load())
	}
}

func TestDeadlineEnforcement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, 500, common.Hash{})

	_, err := f.registry.Refund(ctx, stranger, p.ID)
	if !errors.Is(err, ErrNotExpired) || xerrors.ReasonOf(err) != "Payment not expired" {
		t.Fatalf("expected not expired, got %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.registry.Refund(ctx, stranger, p.ID); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("refund at the deadline must still be rejected, got %v", err)
	}

	f.clock.Advance(time.Second)
	_, err = f.registry.Execute(ctx, payer, p.ID, nil)
	if !errors.Is(err, ErrExpired) || xerrors.ReasonOf(err) != "Payment expired" {
		t.Fatalf("expected expired, got %v", err)
	}
	if _, err := f.registry.Cancel(ctx, payer, p.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("cancel after deadline must fail, got %v", err)
	}

	refunded, err := f.registry.Refund(ctx, stranger, p.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("unexpected status %s", refunded.Status)
	}
	if f.ledger.Balance(payer, "USDC").Int64() != 10_000_000 {
		t.Fatal("refund must return the full amount")
	}
}

func TestCancelOnlyByPayer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, 700, common.Hash{})

	if _, err := f.registry.Cancel(ctx, payee, p.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	cancelled, err := f.registry.Cancel(ctx, payer, p.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("unexpected status %s", cancelled.Status)
	}
	if _, err := f.registry.Execute(ctx, payee, p.ID, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("cancelled payment must not execute, got %v", err)
	}
	if f.ledger.Balance(payer, "USDC").Int64() != 10_000_000 {
		t.Fatal("cancel must return the full amount")
	}
}

func TestConditionalExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, 100, proof.Hash([]byte("delivered")))

	_, err := f.registry.Execute(ctx, payee, p.ID, []byte("not delivered"))
	if !errors.Is(err, ErrConditionNotMet) || xerrors.KindOf(err) != xerrors.KindCondition {
		t.Fatalf("expected condition failure, got %v", err)
	}
	if _, err := f.registry.Execute(ctx, payee, p.ID, []byte("delivered")); err != nil {
		t.Fatalf("execute with proof: %v", err)
	}
}

func TestAgentExecutionUsesPermission(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, 400, common.Hash{})

	_, err := f.registry.Execute(ctx, agent, p.ID, nil)
	if xerrors.ReasonOf(err) != permission.ReasonNotActive {
		t.Fatalf("expected inactive permission, got %v", err)
	}

	if _, err := f.guard.Grant(ctx, payer, agent, big.NewInt(300), big.NewInt(1_000), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	_, err = f.registry.Execute(ctx, agent, p.ID, nil)
	if xerrors.ReasonOf(err) != permission.ReasonExceedsOperation {
		t.Fatalf("expected per-operation denial, got %v", err)
	}

	if _, err := f.guard.Grant(ctx, payer, agent, big.NewInt(500), big.NewInt(1_000), 0); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if _, err := f.registry.Execute(ctx, agent, p.ID, nil); err != nil {
		t.Fatalf("agent execute: %v", err)
	}
	perm, _ := f.guard.Get(ctx, payer, agent)
	if perm.SpentToday.Int64() != 400 || perm.OperationCount != 1 {
		t.Fatalf("expected spend to be recorded, got %s / %d", perm.SpentToday, perm.OperationCount)
	}
}

func TestExecuteRollsBackOnTransferFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, 400, common.Hash{})
	if _, err := f.guard.Grant(ctx, payer, agent, big.NewInt(500), big.NewInt(1_000), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	f.ledger.RejectIncoming(payee, errors.New("account frozen"))
	_, err := f.registry.Execute(ctx, agent, p.ID, nil)
	if !errors.Is(err, transfer.ErrTransferFailed) || xerrors.KindOf(err) != xerrors.KindTransfer {
		t.Fatalf("expected transfer failure, got %v", err)
	}

	stored, err := f.registry.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusPending || stored.NetAmount != nil {
		t.Fatalf("payment must be restored to pending, got %+v", stored)
	}
	perm, _ := f.guard.Get(ctx, payer, agent)
	if perm.SpentToday.Sign() != 0 || perm.OperationCount != 0 {
		t.Fatalf("reservation must be released, got %s / %d", perm.SpentToday, perm.OperationCount)
	}
	if f.ledger.Balance(custody, "USDC").Int64() != 400 {
		t.Fatal("funds must stay in custody")
	}

	f.ledger.RejectIncoming(payee, nil)
	if _, err := f.registry.Execute(ctx, agent, p.ID, nil); err != nil {
		t.Fatalf("retry after unfreeze: %v", err)
	}
}

func TestCreateAndExecuteVoidsOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{
		Payee:         payee,
		Asset:         "USDC",
		Amount:        big.NewInt(250),
		Deadline:      f.clock.Now().Add(time.Hour).Unix(),
		ConditionHash: proof.Hash([]byte("expected")),
	}

	_, err := f.registry.CreateAndExecute(ctx, payer, payer, req, []byte("wrong"))
	if !errors.Is(err, ErrConditionNotMet) {
		t.Fatalf("expected condition failure, got %v", err)
	}
	list, _ := f.registry.ListByUser(ctx, payer)
	if len(list) != 1 || list[0].Status != StatusRefunded || list[0].VoidReason == "" {
		t.Fatalf("expected voided payment, got %+v", list)
	}
	if f.ledger.Balance(payer, "USDC").Int64() != 10_000_000 {
		t.Fatal("void must return funds")
	}

	executed, err := f.registry.CreateAndExecute(ctx, payer, payer, req, []byte("expected"))
	if err != nil {
		t.Fatalf("create and execute: %v", err)
	}
	if executed.Status != StatusExecuted {
		t.Fatalf("unexpected status %s", executed.Status)
	}
}

func TestListByUserKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, 1, common.Hash{})
	second := f.create(t, 2, common.Hash{})
	third := f.create(t, 3, common.Hash{})

	for _, user := range []common.Address{payer, payee} {
		list, err := f.registry.ListByUser(ctx, user)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 3 || list[0].ID != first.ID || list[1].ID != second.ID || list[2].ID != third.ID {
			t.Fatalf("unexpected order for %s", user.Hex())
		}
	}
	if first.ID == second.ID {
		t.Fatal("ids must be unique")
	}
	if _, err := f.registry.Get(ctx, "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// secondUpdateFails 让每笔付款的第二次写入失败，即划转后补写回执的那一次。
type secondUpdateFails struct {
	store.Backend
	mu     sync.Mutex
	counts map[string]int
}

func (b *secondUpdateFails) Update(ctx context.Context, kind store.Kind, id string, data []byte) error {
	if kind == store.KindPayment {
		b.mu.Lock()
		b.counts[id]++
		n := b.counts[id]
		b.mu.Unlock()
		if n == 2 {
			return errors.New("connection reset")
		}
	}
	return b.Backend.Update(ctx, kind, id, data)
}

func TestCancelLogsReceiptSaveFailure(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	ledger := transfer.NewLedger()
	ledger.Deposit(payer, "USDC", big.NewInt(1_000))
	calc, err := fee.NewCalculator(0, common.Address{})
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	backend := &secondUpdateFails{Backend: store.NewMemoryBackend(), counts: make(map[string]int)}
	registry := NewRegistry(backend, store.NewMemoryLocker(), ledger, calc, custody,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
	)
	ctx := context.Background()

	p, err := registry.Create(ctx, payer, CreateRequest{
		Payee: payee, Asset: "USDC", Amount: big.NewInt(400), Deadline: clock.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := registry.Cancel(ctx, payer, p.ID)
	if err != nil {
		t.Fatalf("cancel must succeed once funds returned: %v", err)
	}
	if cancelled.Status != StatusCancelled || ledger.Balance(payer, "USDC").Int64() != 1_000 {
		t.Fatalf("unexpected cancel outcome: %s balance=%s", cancelled.Status, ledger.Balance(payer, "USDC"))
	}
	if !strings.Contains(logs.String(), p.ID) {
		t.Fatalf("receipt save failure must be logged: %q", logs.String())
	}
}
