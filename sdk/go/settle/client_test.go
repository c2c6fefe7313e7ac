package settle

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Pay/internal/api"
	"OpenMCP-Pay/internal/asset"
	"OpenMCP-Pay/internal/auth"
	"OpenMCP-Pay/internal/escrow"
	"OpenMCP-Pay/internal/fee"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/proof"
	"OpenMCP-Pay/internal/settlement"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
)

// newBackend starts the real API with signature authentication enabled.
func newBackend(t *testing.T, funded ...common.Address) (*httptest.Server, *transfer.Ledger) {
	t.Helper()

	backend := store.NewMemoryBackend()
	locker := store.NewMemoryLocker()
	ledger := transfer.NewLedger()
	for _, account := range funded {
		ledger.Deposit(account, "USDC", big.NewInt(100_000_000))
	}
	catalog, err := asset.NewCatalog(asset.Asset{Symbol: "USDC", Decimals: 6})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	calc, err := fee.NewCalculator(0, common.Address{})
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	guard := permission.NewGuard(backend, locker)
	registry := payment.NewRegistry(backend, locker, ledger, calc,
		common.HexToAddress("0xc057"), payment.WithPermissions(guard), payment.WithAssets(catalog))
	engine := settlement.NewEngine(backend, locker, registry, settlement.WithPermissions(guard))
	escrows := escrow.NewManager(backend, locker, ledger, calc,
		common.HexToAddress("0xe5c0"), escrow.WithAssets(catalog))

	srv := api.NewServer(":0", api.Services{
		Payments:    registry,
		Settlement:  engine,
		Escrows:     escrows,
		Permissions: guard,
		Assets:      catalog,
	}, api.WithAuthenticator(auth.NewAuthenticator()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ledger
}

func newClient(t *testing.T, baseURL string, httpClient *http.Client) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := NewClient(baseURL, key, httpClient)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSignedPaymentRoundTrip(t *testing.T) {
	payer := newClient(t, "", nil)
	payee := newClient(t, "", nil)
	ts, ledger := newBackend(t, payer.Address())
	payer = rebind(t, payer, ts)
	payee = rebind(t, payee, ts)
	ctx := context.Background()

	secret := []byte("delivery-receipt")
	condition := proof.Hash(secret)
	p, err := payer.CreatePayment(ctx, CreatePaymentRequest{
		Payee:           payee.Address(),
		Asset:           "USDC",
		Amount:          "2.5",
		DeadlineSeconds: 600,
		ConditionHash:   &condition,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if p.Amount.Cmp(big.NewInt(2_500_000)) != 0 || p.Status != "pending" {
		t.Fatalf("unexpected payment: %+v", p)
	}

	_, err = payee.ExecutePayment(ctx, p.ID, []byte("forged"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Reason != "Condition not met" {
		t.Fatalf("expected condition rejection, got %v", err)
	}

	executed, err := payee.ExecutePayment(ctx, p.ID, secret)
	if err != nil {
		t.Fatalf("execute payment: %v", err)
	}
	if executed.Status != "executed" || executed.ExecutedBy != payee.Address() {
		t.Fatalf("unexpected executed payment: %+v", executed)
	}
	if got := ledger.Balance(payee.Address(), "USDC"); got.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("payee balance: %s", got)
	}

	list, err := payer.ListPayments(ctx, payer.Address())
	if err != nil || len(list) != 1 {
		t.Fatalf("list payments: %v %+v", err, list)
	}
}

func TestAgentSpendingThroughPermissions(t *testing.T) {
	owner := newClient(t, "", nil)
	agentClient := newClient(t, "", nil)
	merchant := common.HexToAddress("0x00000000000000000000000000000000000e7c4a")
	ts, ledger := newBackend(t, owner.Address())
	owner = rebind(t, owner, ts)
	agentClient = rebind(t, agentClient, ts)
	ctx := context.Background()

	if _, err := owner.GrantPermission(ctx, agentClient.Address(), GrantRequest{
		Asset:           "USDC",
		MaxPerOperation: "10",
		DailyLimit:      "15",
		DurationSeconds: 3600,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	check, err := agentClient.CanSpend(ctx, owner.Address(), agentClient.Address(), "USDC", "11")
	if err != nil || check.Allowed {
		t.Fatalf("expected per-operation denial: %v %+v", err, check)
	}

	tx, err := agentClient.CreateMultiLeg(ctx, []LegRequest{
		{From: owner.Address(), To: merchant, Asset: "USDC", Amount: "4"},
	})
	if err != nil {
		t.Fatalf("create multileg: %v", err)
	}
	tx, err = agentClient.ExecuteMultiLeg(ctx, tx.ID, [][]byte{nil})
	if err != nil {
		t.Fatalf("execute multileg: %v", err)
	}
	if tx.Status != "completed" {
		t.Fatalf("unexpected multileg status: %s", tx.Status)
	}
	if got := ledger.Balance(merchant, "USDC"); got.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("merchant balance: %s", got)
	}

	perm, err := owner.GetPermission(ctx, owner.Address(), agentClient.Address())
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if perm.SpentToday.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("spent today: %s", perm.SpentToday)
	}

	if err := owner.RevokePermission(ctx, agentClient.Address()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := agentClient.CreateMultiLeg(ctx, []LegRequest{
		{From: owner.Address(), To: merchant, Asset: "USDC", Amount: "1"},
	}); err == nil {
		t.Fatalf("expected revoked agent to be rejected")
	}
}

func TestMilestoneEscrowRoundTrip(t *testing.T) {
	client := newClient(t, "", nil)
	ts, ledger := newBackend(t, client.Address())
	client = rebind(t, client, ts)
	beneficiary := common.HexToAddress("0x00000000000000000000000000000000000b3e5f")
	ctx := context.Background()

	e, err := client.CreateMilestoneEscrow(ctx, CreateMilestoneEscrowRequest{
		Beneficiary: beneficiary,
		Asset:       "USDC",
		Milestones: []MilestoneRequest{
			{Description: "design", Amount: "1"},
			{Description: "build", Amount: "2"},
		},
	})
	if err != nil {
		t.Fatalf("create milestone escrow: %v", err)
	}
	if e.TotalAmount.Cmp(big.NewInt(3_000_000)) != 0 {
		t.Fatalf("total amount: %s", e.TotalAmount)
	}
	if _, err := client.ReleaseMilestone(ctx, e.ID, 0); err == nil {
		t.Fatalf("expected release of incomplete milestone to fail")
	}
	for i := range e.Milestones {
		if _, err := client.CompleteMilestone(ctx, e.ID, i); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if e, err = client.ReleaseMilestone(ctx, e.ID, i); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if e.Status != "completed" {
		t.Fatalf("unexpected status: %s", e.Status)
	}
	if got := ledger.Balance(beneficiary, "USDC"); got.Cmp(big.NewInt(3_000_000)) != 0 {
		t.Fatalf("beneficiary balance: %s", got)
	}
}

func TestRejectsUnsignedRequests(t *testing.T) {
	ts, _ := newBackend(t)
	resp, err := ts.Client().Get(ts.URL + "/api/v1/payments/anything")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient("http://localhost", nil, nil); err == nil {
		t.Fatal("expected error without key")
	}
}

// rebind keeps the client's key but points it at the test server.
func rebind(t *testing.T, c *Client, ts *httptest.Server) *Client {
	t.Helper()
	out, err := NewClient(ts.URL, c.key, ts.Client())
	if err != nil {
		t.Fatalf("rebind client: %v", err)
	}
	return out
}
