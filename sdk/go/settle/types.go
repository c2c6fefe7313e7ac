package settle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Amounts in requests are decimal strings. For assets in the server catalogue
// they are scaled by the asset's decimals ("1.5" USDC is 1500000 units);
// otherwise they are integer base units. Amounts in responses are base units.

// CreatePaymentRequest creates a pending payment funded by the caller.
type CreatePaymentRequest struct {
	Payee           common.Address `json:"payee"`
	Asset           string         `json:"asset"`
	Amount          string         `json:"amount"`
	DeadlineSeconds int64          `json:"deadline_seconds"`
	ConditionHash   *common.Hash   `json:"condition_hash,omitempty"`
	// Proof is only used by InstantPayment.
	Proof []byte `json:"-"`
}

// Payment mirrors the server's payment record.
type Payment struct {
	ID            string         `json:"id"`
	Payer         common.Address `json:"payer"`
	Payee         common.Address `json:"payee"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	Deadline      int64          `json:"deadline"`
	ConditionHash common.Hash    `json:"condition_hash"`
	Status        string         `json:"status"`
	NetAmount     *big.Int       `json:"net_amount,omitempty"`
	Fee           *big.Int       `json:"fee,omitempty"`
	ExecutedBy    common.Address `json:"executed_by"`
	VoidReason    string         `json:"void_reason,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// ItemResult is the outcome of one payment inside a batch.
type ItemResult struct {
	PaymentID string `json:"payment_id"`
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Batch groups independent payments executed best-effort.
type Batch struct {
	ID           string         `json:"id"`
	Submitter    common.Address `json:"submitter"`
	PaymentIDs   []string       `json:"payment_ids"`
	Status       string         `json:"status"`
	Results      []ItemResult   `json:"results,omitempty"`
	SuccessCount int            `json:"success_count"`
	FailCount    int            `json:"fail_count"`
	CreatedAt    int64          `json:"created_at"`
	ExecutedAt   int64          `json:"executed_at,omitempty"`
}

// BatchResult summarises a batch execution.
type BatchResult struct {
	BatchID      string       `json:"batch_id"`
	Status       string       `json:"status"`
	SuccessCount int          `json:"success_count"`
	FailCount    int          `json:"fail_count"`
	Results      []ItemResult `json:"results"`
}

// CreateScheduleRequest creates a recurring payment paid by the caller.
// Count zero means unlimited.
type CreateScheduleRequest struct {
	Payee           common.Address `json:"payee"`
	Asset           string         `json:"asset"`
	Amount          string         `json:"amount"`
	IntervalSeconds int64          `json:"interval_seconds"`
	Count           uint64         `json:"count"`
}

// Schedule mirrors the server's recurring schedule.
type Schedule struct {
	ID                  string         `json:"id"`
	Payer               common.Address `json:"payer"`
	Payee               common.Address `json:"payee"`
	Asset               string         `json:"asset"`
	Amount              *big.Int       `json:"amount"`
	Interval            int64          `json:"interval"`
	LastExecution       int64          `json:"last_execution"`
	ExecutionsRemaining uint64         `json:"executions_remaining"`
	Unlimited           bool           `json:"unlimited"`
	Active              bool           `json:"active"`
	Executions          []string       `json:"executions,omitempty"`
	CreatedAt           int64          `json:"created_at"`
	UpdatedAt           int64          `json:"updated_at"`
}

// LegRequest describes one leg of a multi-leg transaction. A zero From means
// the caller.
type LegRequest struct {
	From          common.Address `json:"from,omitzero"`
	To            common.Address `json:"to"`
	Asset         string         `json:"asset"`
	Amount        string         `json:"amount"`
	ConditionHash *common.Hash   `json:"condition_hash,omitempty"`
}

// Leg mirrors a leg stored on the server.
type Leg struct {
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	ConditionHash common.Hash    `json:"condition_hash"`
	PaymentID     string         `json:"payment_id,omitempty"`
	Executed      bool           `json:"executed"`
}

// MultiLegTx mirrors the server's multi-leg transaction.
type MultiLegTx struct {
	ID            string         `json:"id"`
	Submitter     common.Address `json:"submitter"`
	Legs          []Leg          `json:"legs"`
	Status        string         `json:"status"`
	FailedLeg     int            `json:"failed_leg"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// CreateEscrowRequest locks funds from the caller. ReleaseAfterSeconds zero
// disables time-based release.
type CreateEscrowRequest struct {
	Beneficiary         common.Address  `json:"beneficiary"`
	Arbiter             *common.Address `json:"arbiter,omitempty"`
	Asset               string          `json:"asset"`
	Amount              string          `json:"amount"`
	ReleaseAfterSeconds int64           `json:"release_after_seconds,omitempty"`
	ConditionHash       *common.Hash    `json:"condition_hash,omitempty"`
}

// Escrow mirrors the server's escrow record.
type Escrow struct {
	ID            string         `json:"id"`
	Depositor     common.Address `json:"depositor"`
	Beneficiary   common.Address `json:"beneficiary"`
	Arbiter       common.Address `json:"arbiter"`
	Asset         string         `json:"asset"`
	Amount        *big.Int       `json:"amount"`
	ReleaseTime   int64          `json:"release_time"`
	ConditionHash common.Hash    `json:"condition_hash"`
	Status        string         `json:"status"`
	NetAmount     *big.Int       `json:"net_amount,omitempty"`
	Fee           *big.Int       `json:"fee,omitempty"`
	SettledBy     common.Address `json:"settled_by"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// MilestoneRequest is one milestone of a new milestone escrow.
type MilestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// CreateMilestoneEscrowRequest locks the sum of all milestones.
type CreateMilestoneEscrowRequest struct {
	Beneficiary common.Address     `json:"beneficiary"`
	Arbiter     *common.Address    `json:"arbiter,omitempty"`
	Asset       string             `json:"asset"`
	Milestones  []MilestoneRequest `json:"milestones"`
}

// Milestone mirrors a stored milestone.
type Milestone struct {
	Description string   `json:"description"`
	Amount      *big.Int `json:"amount"`
	Completed   bool     `json:"completed"`
	Released    bool     `json:"released"`
	NetAmount   *big.Int `json:"net_amount,omitempty"`
	Fee         *big.Int `json:"fee,omitempty"`
	CompletedAt int64    `json:"completed_at,omitempty"`
	ReleasedAt  int64    `json:"released_at,omitempty"`
}

// MilestoneEscrow mirrors the server's milestone escrow.
type MilestoneEscrow struct {
	ID             string         `json:"id"`
	Depositor      common.Address `json:"depositor"`
	Beneficiary    common.Address `json:"beneficiary"`
	Arbiter        common.Address `json:"arbiter"`
	Asset          string         `json:"asset"`
	TotalAmount    *big.Int       `json:"total_amount"`
	ReleasedAmount *big.Int       `json:"released_amount"`
	Milestones     []Milestone    `json:"milestones"`
	Status         string         `json:"status"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// GrantRequest sets an agent's spending limits. Asset only selects the
// decimals used to parse the limits.
type GrantRequest struct {
	Asset           string `json:"asset,omitempty"`
	MaxPerOperation string `json:"max_per_operation"`
	DailyLimit      string `json:"daily_limit"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// Permission mirrors an owner→agent spending permission.
type Permission struct {
	Owner            common.Address          `json:"owner"`
	Agent            common.Address          `json:"agent"`
	MaxPerOperation  *big.Int                `json:"max_per_operation"`
	DailyLimit       *big.Int                `json:"daily_limit"`
	SpentToday       *big.Int                `json:"spent_today"`
	LastResetTime    int64                   `json:"last_reset_time"`
	TotalSpent       *big.Int                `json:"total_spent"`
	OperationCount   uint64                  `json:"operation_count"`
	Expiry           int64                   `json:"expiry"`
	Active           bool                    `json:"active"`
	AllowlistEnabled bool                    `json:"allowlist_enabled"`
	Allowlist        map[common.Address]bool `json:"allowlist,omitempty"`
}

// SpendCheck is the answer of a read-only spending pre-check.
type SpendCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
