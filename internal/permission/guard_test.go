package permission

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/store"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	agent    = common.HexToAddress("0x00000000000000000000000000000000000a6e47")
	merchant = common.HexToAddress("0x000000000000000000000000000000000000beef")
	other    = common.HexToAddress("0x000000000000000000000000000000000000cafe")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGuard(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewGuard(store.NewMemoryBackend(), store.NewMemoryLocker(), WithClock(clock.Now)), clock
}

func TestDailyLimitMonotonicity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, clock := newGuard(t)
	// 5.0 的日额度与 0.5 的单笔上限，以 6 位小数的基础单位表示。
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(500_000), big.NewInt(5_000_000), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(500_000)); err != nil {
			t.Fatalf("spend %d: %v", i+1, err)
		}
		clock.Advance(time.Minute)
	}

	_, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(500_000))
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
	if xerrors.ReasonOf(err) != ReasonExceedsDaily {
		t.Fatalf("unexpected reason %q", xerrors.ReasonOf(err))
	}
	if xerrors.KindOf(err) != xerrors.KindAuthorization {
		t.Fatalf("unexpected kind %s", xerrors.KindOf(err))
	}

	clock.Advance(24 * time.Hour)
	res, err := guard.Authorize(ctx, owner, agent, merchant, big.NewInt(500_000))
	if err != nil || !res.Allowed {
		t.Fatalf("expected lazy reset to allow spend, got %+v %v", res, err)
	}
	before, _ := guard.Get(ctx, owner, agent)
	if before.SpentToday.Int64() != 5_000_000 {
		t.Fatalf("authorize must not commit the reset, spentToday=%s", before.SpentToday)
	}

	if _, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(500_000)); err != nil {
		t.Fatalf("eleventh spend after reset: %v", err)
	}
	p, _ := guard.Get(ctx, owner, agent)
	if p.SpentToday.Int64() != 500_000 {
		t.Fatalf("expected spentToday reset to one spend, got %s", p.SpentToday)
	}
	if p.TotalSpent.Int64() != 5_500_000 || p.OperationCount != 11 {
		t.Fatalf("unexpected totals: %s / %d", p.TotalSpent, p.OperationCount)
	}
	if p.LastResetTime != clock.Now().Unix() {
		t.Fatalf("expected reset time to move to now")
	}
}

func TestAllowlistToggling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, _ := newGuard(t)
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(100), big.NewInt(1000), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	for _, recipient := range []common.Address{merchant, other} {
		res, err := guard.Authorize(ctx, owner, agent, recipient, big.NewInt(10))
		if err != nil || !res.Allowed {
			t.Fatalf("agent without allowlist must pay %s: %+v %v", recipient.Hex(), res, err)
		}
	}

	if err := guard.SetAllowlist(ctx, owner, agent, merchant, true); err != nil {
		t.Fatalf("set allowlist: %v", err)
	}
	res, _ := guard.Authorize(ctx, owner, agent, merchant, big.NewInt(10))
	if !res.Allowed {
		t.Fatalf("allowlisted recipient rejected: %+v", res)
	}
	res, _ = guard.Authorize(ctx, owner, agent, other, big.NewInt(10))
	if res.Allowed || res.Reason != ReasonRecipient {
		t.Fatalf("expected %q, got %+v", ReasonRecipient, res)
	}

	if err := guard.SetAllowlist(ctx, owner, agent, merchant, false); err != nil {
		t.Fatalf("remove allowlist entry: %v", err)
	}
	res, _ = guard.Authorize(ctx, owner, agent, merchant, big.NewInt(10))
	if res.Allowed {
		t.Fatal("allowlist mode must stay enabled after the last entry is removed")
	}
}

func TestGrantRevokeAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, clock := newGuard(t)

	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(0), big.NewInt(10), 0); xerrors.KindOf(err) != xerrors.KindValidation {
		t.Fatalf("expected validation error for zero max, got %v", err)
	}
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(10), big.NewInt(5), 0); xerrors.CodeOf(err) != CodeInvalidLimits {
		t.Fatalf("expected invalid limits, got %v", err)
	}

	res, err := guard.Authorize(ctx, owner, agent, merchant, big.NewInt(1))
	if err != nil || res.Reason != ReasonNotActive {
		t.Fatalf("missing permission must be inactive, got %+v %v", res, err)
	}

	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(10), big.NewInt(100), 3600); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if res, _ := guard.Authorize(ctx, owner, agent, merchant, big.NewInt(11)); res.Reason != ReasonExceedsOperation {
		t.Fatalf("expected per-operation denial, got %+v", res)
	}
	if _, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	clock.Advance(time.Hour)
	if res, _ := guard.Authorize(ctx, owner, agent, merchant, big.NewInt(1)); res.Reason != ReasonExpired {
		t.Fatalf("expected expiry, got %+v", res)
	}

	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(20), big.NewInt(200), 0); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	p, _ := guard.Get(ctx, owner, agent)
	if p.TotalSpent.Int64() != 10 || p.OperationCount != 1 {
		t.Fatalf("re-grant must keep history, got %s / %d", p.TotalSpent, p.OperationCount)
	}
	if p.SpentToday.Sign() != 0 || p.Expiry != 0 {
		t.Fatalf("re-grant must reset daily spend and expiry: %+v", p)
	}

	if err := guard.Revoke(ctx, owner, agent); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, reason, _ := guard.CanSpend(ctx, owner, agent, big.NewInt(1)); ok || reason != ReasonNotActive {
		t.Fatalf("revoked permission must be inactive, got %v %q", ok, reason)
	}
	if err := guard.Revoke(ctx, owner, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	agents, err := guard.ListAgents(ctx, owner)
	if err != nil || len(agents) != 1 {
		t.Fatalf("expected one agent record, got %d %v", len(agents), err)
	}
}

func TestAuthorizeAndRecordBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, _ := newGuard(t)
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(50), big.NewInt(100), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	res, err := guard.AuthorizeAndRecordBatch(ctx, owner, agent, []Spend{
		{Recipient: merchant, Amount: big.NewInt(50)},
		{Recipient: other, Amount: big.NewInt(60)},
	})
	if err != nil || res.Reason != ReasonExceedsOperation {
		t.Fatalf("expected per-operation denial, got %+v %v", res, err)
	}

	res, err = guard.AuthorizeAndRecordBatch(ctx, owner, agent, []Spend{
		{Recipient: merchant, Amount: big.NewInt(50)},
		{Recipient: other, Amount: big.NewInt(40)},
		{Recipient: other, Amount: big.NewInt(20)},
	})
	if err != nil || res.Reason != ReasonExceedsDaily {
		t.Fatalf("expected sum to exceed daily limit, got %+v %v", res, err)
	}
	p, _ := guard.Get(ctx, owner, agent)
	if p.SpentToday.Sign() != 0 {
		t.Fatalf("denied batch must not record spend, got %s", p.SpentToday)
	}

	res, err = guard.AuthorizeAndRecordBatch(ctx, owner, agent, []Spend{
		{Recipient: merchant, Amount: big.NewInt(50)},
		{Recipient: other, Amount: big.NewInt(50)},
	})
	if err != nil || !res.Allowed {
		t.Fatalf("expected batch to pass, got %+v %v", res, err)
	}
	p, _ = guard.Get(ctx, owner, agent)
	if p.SpentToday.Int64() != 100 || p.OperationCount != 2 {
		t.Fatalf("unexpected spend record: %s / %d", p.SpentToday, p.OperationCount)
	}
}

func TestReleaseRestoresSpend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, _ := newGuard(t)
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(50), big.NewInt(50), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	reservation, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(50))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := guard.Release(ctx, reservation); err != nil {
		t.Fatalf("release: %v", err)
	}
	p, _ := guard.Get(ctx, owner, agent)
	if p.SpentToday.Sign() != 0 || p.TotalSpent.Sign() != 0 || p.OperationCount != 0 {
		t.Fatalf("release must undo the reservation: %+v", p)
	}
	if _, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(50)); err != nil {
		t.Fatalf("daily allowance must be available again: %v", err)
	}
}

func TestConcurrentReservationsNeverExceedDailyLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, _ := newGuard(t)
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(500), big.NewInt(5000), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := guard.Reserve(ctx, owner, agent, merchant, big.NewInt(500)); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 10 {
		t.Fatalf("expected exactly 10 reservations, got %d", granted.Load())
	}
}

func TestReserveBatchChecksSumBeforeRecording(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, _ := newGuard(t)
	if _, err := guard.Grant(ctx, owner, agent, big.NewInt(100), big.NewInt(150), 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	_, err := guard.ReserveBatch(ctx, owner, agent, []Spend{
		{Recipient: merchant, Amount: big.NewInt(100)},
		{Recipient: other, Amount: big.NewInt(100)},
	})
	if reason, ok := DeniedReason(err); !ok || reason != ReasonExceedsDaily {
		t.Fatalf("expected daily limit denial, got %v", err)
	}
	p, err := guard.Get(ctx, owner, agent)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.SpentToday.Sign() != 0 || p.OperationCount != 0 {
		t.Fatalf("denied batch must not record spend: %s ops=%d", p.SpentToday, p.OperationCount)
	}

	reservation, err := guard.ReserveBatch(ctx, owner, agent, []Spend{
		{Recipient: merchant, Amount: big.NewInt(100)},
		{Recipient: other, Amount: big.NewInt(50)},
	})
	if err != nil {
		t.Fatalf("reserve batch: %v", err)
	}
	if err := guard.Release(ctx, reservation.Portion(big.NewInt(50), 1)); err != nil {
		t.Fatalf("release portion: %v", err)
	}
	p, _ = guard.Get(ctx, owner, agent)
	if p.SpentToday.Cmp(big.NewInt(100)) != 0 || p.OperationCount != 1 {
		t.Fatalf("unexpected spend after partial release: %s ops=%d", p.SpentToday, p.OperationCount)
	}
}

func TestGrantRejectsOverflowingDuration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard, _ := newGuard(t)
	for _, duration := range []int64{MaxDuration + 1, math.MaxInt64} {
		if _, err := guard.Grant(ctx, owner, agent, big.NewInt(10), big.NewInt(10), duration); xerrors.CodeOf(err) != CodeInvalidLimits {
			t.Fatalf("duration %d: expected invalid limits, got %v", duration, err)
		}
	}
	p, err := guard.Grant(ctx, owner, agent, big.NewInt(10), big.NewInt(10), MaxDuration)
	if err != nil {
		t.Fatalf("grant at max duration: %v", err)
	}
	if p.Expiry <= p.CreatedAt {
		t.Fatalf("expiry must lie in the future: %d", p.Expiry)
	}
}
