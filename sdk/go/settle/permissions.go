package settle

import (
	"context"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

// GrantPermission authorises agent to spend on behalf of the caller.
func (c *Client) GrantPermission(ctx context.Context, agent common.Address, req GrantRequest) (Permission, error) {
	var p Permission
	err := c.put(ctx, "/api/v1/permissions/"+agent.Hex(), req, &p)
	return p, err
}

// RevokePermission deactivates the caller's permission for agent.
func (c *Client) RevokePermission(ctx context.Context, agent common.Address) error {
	return c.delete(ctx, "/api/v1/permissions/"+agent.Hex())
}

// SetAllowlist adds or removes a recipient from the agent's allowlist. The
// first call switches the permission to allowlist mode.
func (c *Client) SetAllowlist(ctx context.Context, agent, recipient common.Address, allowed bool) (Permission, error) {
	body := struct {
		Recipient common.Address `json:"recipient"`
		Allowed   bool           `json:"allowed"`
	}{Recipient: recipient, Allowed: allowed}
	var p Permission
	err := c.put(ctx, "/api/v1/permissions/"+agent.Hex()+"/allowlist", body, &p)
	return p, err
}

// CanSpend asks whether agent may currently spend amount of owner's funds.
// It does not record anything.
func (c *Client) CanSpend(ctx context.Context, owner, agent common.Address, asset, amount string) (SpendCheck, error) {
	query := url.Values{}
	query.Set("owner", owner.Hex())
	query.Set("amount", amount)
	if asset != "" {
		query.Set("asset", asset)
	}
	var res SpendCheck
	err := c.get(ctx, "/api/v1/permissions/"+agent.Hex()+"/can-spend", query, &res)
	return res, err
}

// GetPermission fetches the owner→agent permission.
func (c *Client) GetPermission(ctx context.Context, owner, agent common.Address) (Permission, error) {
	query := url.Values{}
	query.Set("owner", owner.Hex())
	var p Permission
	err := c.get(ctx, "/api/v1/permissions/"+agent.Hex(), query, &p)
	return p, err
}

// ListPermissions returns every permission the caller has granted.
func (c *Client) ListPermissions(ctx context.Context) ([]Permission, error) {
	var list []Permission
	err := c.get(ctx, "/api/v1/permissions", nil, &list)
	return list, err
}
