package settle

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// CreateEscrow locks funds from the caller for a beneficiary.
func (c *Client) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (Escrow, error) {
	var e Escrow
	err := c.post(ctx, "/api/v1/escrows", req, &e)
	return e, err
}

// ReleaseEscrow pays the beneficiary. Non-arbiter callers must supply the
// proof when the escrow carries a condition.
func (c *Client) ReleaseEscrow(ctx context.Context, id string, proof []byte) (Escrow, error) {
	var e Escrow
	err := c.post(ctx, "/api/v1/escrows/"+url.PathEscape(id)+"/release", proofBody{Proof: encodeProof(proof)}, &e)
	return e, err
}

// RefundEscrow returns the funds to the depositor.
func (c *Client) RefundEscrow(ctx context.Context, id string) (Escrow, error) {
	var e Escrow
	err := c.post(ctx, "/api/v1/escrows/"+url.PathEscape(id)+"/refund", nil, &e)
	return e, err
}

// DisputeEscrow freezes the escrow for the arbiter.
func (c *Client) DisputeEscrow(ctx context.Context, id string) (Escrow, error) {
	var e Escrow
	err := c.post(ctx, "/api/v1/escrows/"+url.PathEscape(id)+"/dispute", nil, &e)
	return e, err
}

// GetEscrow fetches an escrow by identifier.
func (c *Client) GetEscrow(ctx context.Context, id string) (Escrow, error) {
	var e Escrow
	err := c.get(ctx, "/api/v1/escrows/"+url.PathEscape(id), nil, &e)
	return e, err
}

// ListEscrows returns the escrows user takes part in.
func (c *Client) ListEscrows(ctx context.Context, user common.Address) ([]Escrow, error) {
	var list []Escrow
	err := c.get(ctx, "/api/v1/users/"+user.Hex()+"/escrows", nil, &list)
	return list, err
}

// CreateMilestoneEscrow locks the sum of all milestones from the caller.
func (c *Client) CreateMilestoneEscrow(ctx context.Context, req CreateMilestoneEscrowRequest) (MilestoneEscrow, error) {
	var e MilestoneEscrow
	err := c.post(ctx, "/api/v1/milestone-escrows", req, &e)
	return e, err
}

// CompleteMilestone marks a milestone as delivered.
func (c *Client) CompleteMilestone(ctx context.Context, id string, index int) (MilestoneEscrow, error) {
	return c.milestoneAction(ctx, id, index, "complete")
}

// ReleaseMilestone pays out a completed milestone.
func (c *Client) ReleaseMilestone(ctx context.Context, id string, index int) (MilestoneEscrow, error) {
	return c.milestoneAction(ctx, id, index, "release")
}

// GetMilestoneEscrow fetches a milestone escrow by identifier.
func (c *Client) GetMilestoneEscrow(ctx context.Context, id string) (MilestoneEscrow, error) {
	var e MilestoneEscrow
	err := c.get(ctx, "/api/v1/milestone-escrows/"+url.PathEscape(id), nil, &e)
	return e, err
}

func (c *Client) milestoneAction(ctx context.Context, id string, index int, action string) (MilestoneEscrow, error) {
	var e MilestoneEscrow
	endpoint := "/api/v1/milestone-escrows/" + url.PathEscape(id) + "/milestones/" + strconv.Itoa(index) + "/" + action
	err := c.post(ctx, endpoint, nil, &e)
	return e, err
}
