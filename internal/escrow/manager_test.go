package escrow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/fee"
	"OpenMCP-Pay/internal/proof"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
)

var (
	depositor   = common.HexToAddress("0x00000000000000000000000000000000000de905")
	beneficiary = common.HexToAddress("0x0000000000000000000000000000000000000be1")
	arbiter     = common.HexToAddress("0x00000000000000000000000000000000000a4b17")
	stranger    = common.HexToAddress("0x0000000000000000000000000000000000057a9e")
	custody     = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	feeSink     = common.HexToAddress("0x0000000000000000000000000000000000000fee")
)

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

func newManager(t *testing.T) (*Manager, *transfer.Ledger, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	ledger := transfer.NewLedger()
	ledger.Deposit(depositor, "USDC", big.NewInt(1_000_000))
	calc, err := fee.NewCalculator(30, feeSink)
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	m := NewManager(store.NewMemoryBackend(), store.NewMemoryLocker(), ledger, calc, custody, WithClock(clock.Now))
	return m, ledger, clock
}

func TestCreateLocksFunds(t *testing.T) {
	t.Parallel()

	m, ledger, clock := newManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		code xerrors.Code
	}{
		{"zero beneficiary", CreateRequest{Asset: "USDC", Amount: big.NewInt(1)}, CodeInvalidBeneficiary},
		{"zero amount", CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(0)}, CodeInvalidAmount},
		{"past release", CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(1), ReleaseTime: clock.Now().Unix()}, CodeInvalidReleaseTime},
		{"no asset", CreateRequest{Beneficiary: beneficiary, Amount: big.NewInt(1)}, CodeInvalidAsset},
	}
	for _, tc := range cases {
		if _, err := m.Create(ctx, depositor, tc.req); xerrors.CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	e, err := m.Create(ctx, depositor, CreateRequest{Beneficiary: beneficiary, Asset: "usdc", Amount: big.NewInt(10_000)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Status != StatusActive || e.Asset != "USDC" {
		t.Fatalf("unexpected escrow: %+v", e)
	}
	if ledger.Balance(custody, "USDC").Int64() != 10_000 {
		t.Fatal("amount must be locked in custody")
	}

	if _, err := m.Create(ctx, stranger, CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(5)}); !errors.Is(err, transfer.ErrTransferFailed) {
		t.Fatalf("unfunded depositor must fail, got %v", err)
	}
	list, _ := m.ListByUser(ctx, beneficiary)
	if len(list) != 1 {
		t.Fatalf("failed creation must not be indexed, got %d", len(list))
	}
}

func TestReleaseAuthorization(t *testing.T) {
	t.Parallel()

	m, ledger, clock := newManager(t)
	ctx := context.Background()
	e, err := m.Create(ctx, depositor, CreateRequest{
		Beneficiary: beneficiary,
		Asset:       "USDC",
		Amount:      big.NewInt(10_000),
		ReleaseTime: clock.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Release(ctx, stranger, e.ID, nil); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger must wait for release time, got %v", err)
	}
	clock.Advance(time.Hour)
	released, err := m.Release(ctx, stranger, e.ID, nil)
	if err != nil {
		t.Fatalf("release after time: %v", err)
	}
	if released.Status != StatusReleased || released.NetAmount.Int64() != 9_970 || released.Fee.Int64() != 30 {
		t.Fatalf("unexpected release: %+v", released)
	}
	if ledger.Balance(beneficiary, "USDC").Int64() != 9_970 || ledger.Balance(feeSink, "USDC").Int64() != 30 {
		t.Fatal("net and fee must be paid out")
	}
	if ledger.Balance(custody, "USDC").Sign() != 0 {
		t.Fatal("custody must be empty")
	}
	if _, err := m.Release(ctx, depositor, e.ID, nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("released escrow must not release again, got %v", err)
	}
}

func TestReleaseCondition(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	ctx := context.Background()
	condition := proof.Hash([]byte("delivered"))
	newEscrow := func() *Escrow {
		e, err := m.Create(ctx, depositor, CreateRequest{
			Beneficiary:   beneficiary,
			Arbiter:       arbiter,
			Asset:         "USDC",
			Amount:        big.NewInt(1_000),
			ConditionHash: condition,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return e
	}

	first := newEscrow()
	if _, err := m.Release(ctx, depositor, first.ID, []byte("nope")); xerrors.KindOf(err) != xerrors.KindCondition {
		t.Fatalf("expected condition failure, got %v", err)
	}
	if _, err := m.Release(ctx, depositor, first.ID, []byte("delivered")); err != nil {
		t.Fatalf("release with proof: %v", err)
	}

	second := newEscrow()
	if _, err := m.Release(ctx, arbiter, second.ID, nil); err != nil {
		t.Fatalf("arbiter bypasses the condition: %v", err)
	}
}

func TestRefundAndDispute(t *testing.T) {
	t.Parallel()

	m, ledger, _ := newManager(t)
	ctx := context.Background()

	plain, err := m.Create(ctx, depositor, CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(500)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Dispute(ctx, depositor, plain.ID); !errors.Is(err, ErrNoArbiter) {
		t.Fatalf("dispute needs an arbiter, got %v", err)
	}
	if _, err := m.Refund(ctx, depositor, plain.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("depositor cannot refund, got %v", err)
	}
	refunded, err := m.Refund(ctx, beneficiary, plain.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != StatusRefunded || ledger.Balance(depositor, "USDC").Int64() != 1_000_000 {
		t.Fatalf("refund must return the full amount: %+v", refunded)
	}

	arbitrated, err := m.Create(ctx, depositor, CreateRequest{Beneficiary: beneficiary, Arbiter: arbiter, Asset: "USDC", Amount: big.NewInt(700)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Dispute(ctx, arbiter, arbitrated.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("arbiter cannot dispute, got %v", err)
	}
	disputed, err := m.Dispute(ctx, beneficiary, arbitrated.ID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("unexpected status %s", disputed.Status)
	}
	if _, err := m.Release(ctx, arbiter, arbitrated.ID, nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("disputed escrow is terminal, got %v", err)
	}
	if _, err := m.Refund(ctx, arbiter, arbitrated.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("disputed escrow is terminal, got %v", err)
	}
	if ledger.Balance(custody, "USDC").Int64() != 700 {
		t.Fatal("disputed funds stay in custody")
	}
	list, _ := m.ListByUser(ctx, arbiter)
	if len(list) != 1 || list[0].ID != arbitrated.ID {
		t.Fatalf("arbiter must see the escrow, got %d", len(list))
	}
}

func TestReleaseRollsBackOnTransferFailure(t *testing.T) {
	t.Parallel()

	m, ledger, _ := newManager(t)
	ctx := context.Background()
	e, err := m.Create(ctx, depositor, CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(1_000)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ledger.RejectIncoming(beneficiary, errors.New("frozen"))
	if _, err := m.Release(ctx, depositor, e.ID, nil); !errors.Is(err, transfer.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	stored, _ := m.Get(ctx, e.ID)
	if stored.Status != StatusActive {
		t.Fatalf("status must be restored, got %s", stored.Status)
	}
	ledger.RejectIncoming(beneficiary, nil)
	if _, err := m.Release(ctx, depositor, e.ID, nil); err != nil {
		t.Fatalf("retry release: %v", err)
	}
}

func TestMilestoneSumInvariant(t *testing.T) {
	t.Parallel()

	m, ledger, _ := newManager(t)
	ctx := context.Background()
	amounts := []int64{500, 1500, 1500, 500}
	specs := make([]MilestoneSpec, len(amounts))
	for i, a := range amounts {
		specs[i] = MilestoneSpec{Description: "phase", Amount: big.NewInt(a)}
	}

	e, err := m.CreateMilestoneEscrow(ctx, depositor, beneficiary, arbiter, "USDC", specs)
	if err != nil {
		t.Fatalf("create milestone escrow: %v", err)
	}
	if e.TotalAmount.Int64() != 4000 || ledger.Balance(custody, "USDC").Int64() != 4000 {
		t.Fatalf("expected 4000 locked, got %s", e.TotalAmount)
	}

	if _, err := m.ReleaseMilestone(ctx, beneficiary, e.ID, 0); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("incomplete milestone must not release, got %v", err)
	}
	if _, err := m.CompleteMilestone(ctx, beneficiary, e.ID, 0); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("beneficiary cannot complete milestones, got %v", err)
	}
	if _, err := m.CompleteMilestone(ctx, depositor, e.ID, 4); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected invalid index, got %v", err)
	}

	var paid int64
	for i, a := range amounts {
		if _, err := m.CompleteMilestone(ctx, arbiter, e.ID, i); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if _, err := m.CompleteMilestone(ctx, depositor, e.ID, i); !errors.Is(err, ErrAlreadyCompleted) {
			t.Fatalf("completion must be guarded, got %v", err)
		}
		before := ledger.Balance(beneficiary, "USDC").Int64()
		got, err := m.ReleaseMilestone(ctx, beneficiary, e.ID, i)
		if err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		net := a - a*30/10_000
		if delta := ledger.Balance(beneficiary, "USDC").Int64() - before; delta != net {
			t.Fatalf("milestone %d paid %d, want %d", i, delta, net)
		}
		paid += a
		if got.ReleasedAmount.Int64() != paid {
			t.Fatalf("released amount %s, want %d", got.ReleasedAmount, paid)
		}
		wantStatus := StatusActive
		if i == len(amounts)-1 {
			wantStatus = StatusCompleted
		}
		if got.Status != wantStatus {
			t.Fatalf("after release %d status %s, want %s", i, got.Status, wantStatus)
		}
		if _, err := m.ReleaseMilestone(ctx, depositor, e.ID, i); err == nil {
			t.Fatalf("milestone %d released twice", i)
		}
	}
	if ledger.Balance(custody, "USDC").Sign() != 0 {
		t.Fatal("custody must be drained after the last milestone")
	}
}

func TestMilestoneValidation(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.CreateMilestoneEscrow(ctx, depositor, beneficiary, arbiter, "USDC", nil); xerrors.CodeOf(err) != CodeInvalidMilestones {
		t.Fatalf("expected invalid milestones, got %v", err)
	}
	tooMany := make([]MilestoneSpec, MaxMilestones+1)
	for i := range tooMany {
		tooMany[i] = MilestoneSpec{Amount: big.NewInt(1)}
	}
	if _, err := m.CreateMilestoneEscrow(ctx, depositor, beneficiary, arbiter, "USDC", tooMany); xerrors.CodeOf(err) != CodeInvalidMilestones {
		t.Fatalf("expected milestone limit, got %v", err)
	}
	if _, err := m.CreateMilestoneEscrow(ctx, depositor, beneficiary, arbiter, "USDC", []MilestoneSpec{{Amount: big.NewInt(0)}}); xerrors.CodeOf(err) != CodeInvalidMilestones {
		t.Fatalf("expected positive amounts, got %v", err)
	}
}

// failingUpdates 让每条托管记录的第 failOn 次写入失败。
type failingUpdates struct {
	store.Backend
	mu     sync.Mutex
	counts map[string]int
	failOn int
}

func (b *failingUpdates) Update(ctx context.Context, kind store.Kind, id string, data []byte) error {
	if kind == store.KindEscrow {
		b.mu.Lock()
		b.counts[id]++
		fail := b.counts[id] == b.failOn
		b.mu.Unlock()
		if fail {
			return errors.New("connection reset")
		}
	}
	return b.Backend.Update(ctx, kind, id, data)
}

func TestReceiptSaveFailureIsLogged(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	ledger := transfer.NewLedger()
	ledger.Deposit(depositor, "USDC", big.NewInt(1_000_000))
	calc, err := fee.NewCalculator(0, common.Address{})
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	backend := &failingUpdates{Backend: store.NewMemoryBackend(), counts: make(map[string]int), failOn: 2}
	m := NewManager(backend, store.NewMemoryLocker(), ledger, calc, custody,
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	ctx := context.Background()

	released, err := m.Create(ctx, depositor, CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(500)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Release(ctx, depositor, released.ID, nil); err != nil {
		t.Fatalf("release must succeed once funds moved: %v", err)
	}
	refunded, err := m.Create(ctx, depositor, CreateRequest{Beneficiary: beneficiary, Asset: "USDC", Amount: big.NewInt(300)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Refund(ctx, beneficiary, refunded.ID); err != nil {
		t.Fatalf("refund must succeed once funds moved: %v", err)
	}

	if ledger.Balance(beneficiary, "USDC").Int64() != 500 {
		t.Fatalf("beneficiary balance: %s", ledger.Balance(beneficiary, "USDC"))
	}
	for _, id := range []string{released.ID, refunded.ID} {
		if !strings.Contains(logs.String(), id) {
			t.Fatalf("missing receipt failure log for %s: %s", id, logs.String())
		}
	}
}
