package settle

import (
	"context"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

type proofBody struct {
	Proof string `json:"proof,omitempty"`
}

// CreatePayment locks the amount from the caller into a pending payment.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (Payment, error) {
	var p Payment
	err := c.post(ctx, "/api/v1/payments", req, &p)
	return p, err
}

// InstantPayment creates and immediately executes a payment. The payment is
// voided server-side when execution fails.
func (c *Client) InstantPayment(ctx context.Context, req CreatePaymentRequest) (Payment, error) {
	body := struct {
		CreatePaymentRequest
		Proof string `json:"proof,omitempty"`
	}{CreatePaymentRequest: req, Proof: encodeProof(req.Proof)}
	var p Payment
	err := c.post(ctx, "/api/v1/payments/instant", body, &p)
	return p, err
}

// ExecutePayment settles a pending payment to its payee.
func (c *Client) ExecutePayment(ctx context.Context, id string, proof []byte) (Payment, error) {
	var p Payment
	err := c.post(ctx, "/api/v1/payments/"+url.PathEscape(id)+"/execute", proofBody{Proof: encodeProof(proof)}, &p)
	return p, err
}

// CancelPayment returns the funds of a pending payment to the payer.
func (c *Client) CancelPayment(ctx context.Context, id string) (Payment, error) {
	var p Payment
	err := c.post(ctx, "/api/v1/payments/"+url.PathEscape(id)+"/cancel", nil, &p)
	return p, err
}

// RefundPayment returns the funds of an expired payment to the payer.
func (c *Client) RefundPayment(ctx context.Context, id string) (Payment, error) {
	var p Payment
	err := c.post(ctx, "/api/v1/payments/"+url.PathEscape(id)+"/refund", nil, &p)
	return p, err
}

// GetPayment fetches a payment by identifier.
func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var p Payment
	err := c.get(ctx, "/api/v1/payments/"+url.PathEscape(id), nil, &p)
	return p, err
}

// ListPayments returns the payments where user is payer or payee.
func (c *Client) ListPayments(ctx context.Context, user common.Address) ([]Payment, error) {
	var list []Payment
	err := c.get(ctx, "/api/v1/users/"+user.Hex()+"/payments", nil, &list)
	return list, err
}

// CreateBatch groups pending payments for best-effort execution.
func (c *Client) CreateBatch(ctx context.Context, paymentIDs []string) (Batch, error) {
	var b Batch
	err := c.post(ctx, "/api/v1/batches", map[string][]string{"payment_ids": paymentIDs}, &b)
	return b, err
}

// ExecuteBatch executes every payment of the batch in order.
func (c *Client) ExecuteBatch(ctx context.Context, id string) (BatchResult, error) {
	var res BatchResult
	err := c.post(ctx, "/api/v1/batches/"+url.PathEscape(id)+"/execute", nil, &res)
	return res, err
}

// GetBatch fetches a batch by identifier.
func (c *Client) GetBatch(ctx context.Context, id string) (Batch, error) {
	var b Batch
	err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(id), nil, &b)
	return b, err
}

// CreateSchedule registers a recurring payment.
func (c *Client) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (Schedule, error) {
	var s Schedule
	err := c.post(ctx, "/api/v1/schedules", req, &s)
	return s, err
}

// ExecuteSchedule triggers one due execution and returns the payment it made.
func (c *Client) ExecuteSchedule(ctx context.Context, id string) (Payment, error) {
	var p Payment
	err := c.post(ctx, "/api/v1/schedules/"+url.PathEscape(id)+"/execute", nil, &p)
	return p, err
}

// CancelSchedule deactivates a schedule.
func (c *Client) CancelSchedule(ctx context.Context, id string) (Schedule, error) {
	var s Schedule
	err := c.post(ctx, "/api/v1/schedules/"+url.PathEscape(id)+"/cancel", nil, &s)
	return s, err
}

// GetSchedule fetches a schedule by identifier.
func (c *Client) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var s Schedule
	err := c.get(ctx, "/api/v1/schedules/"+url.PathEscape(id), nil, &s)
	return s, err
}

// CreateMultiLeg registers an all-or-nothing group of payments.
func (c *Client) CreateMultiLeg(ctx context.Context, legs []LegRequest) (MultiLegTx, error) {
	var tx MultiLegTx
	err := c.post(ctx, "/api/v1/multileg", map[string][]LegRequest{"legs": legs}, &tx)
	return tx, err
}

// ExecuteMultiLeg executes every leg with the matching proof.
func (c *Client) ExecuteMultiLeg(ctx context.Context, id string, proofs [][]byte) (MultiLegTx, error) {
	encoded := make([]string, len(proofs))
	for i, p := range proofs {
		encoded[i] = encodeProof(p)
	}
	var tx MultiLegTx
	err := c.post(ctx, "/api/v1/multileg/"+url.PathEscape(id)+"/execute", map[string][]string{"proofs": encoded}, &tx)
	return tx, err
}

// GetMultiLeg fetches a multi-leg transaction by identifier.
func (c *Client) GetMultiLeg(ctx context.Context, id string) (MultiLegTx, error) {
	var tx MultiLegTx
	err := c.get(ctx, "/api/v1/multileg/"+url.PathEscape(id), nil, &tx)
	return tx, err
}
