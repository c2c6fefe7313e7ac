package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Pay/internal/permission"
)

// grantRequest 中的金额在提供 asset 时按该资产精度解析，否则视为基础单位。
type grantRequest struct {
	Asset           string `json:"asset,omitempty"`
	MaxPerOperation string `json:"max_per_operation"`
	DailyLimit      string `json:"daily_limit"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type allowlistRequest struct {
	Recipient string `json:"recipient"`
	Allowed   bool   `json:"allowed"`
}

type canSpendResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ownerParam 返回 ?owner= 指定的授权方，缺省为调用方本人。
func ownerParam(r *http.Request, caller common.Address) (common.Address, error) {
	raw := r.URL.Query().Get("owner")
	if raw == "" {
		return caller, nil
	}
	return parseAddress("owner", raw)
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := parseAddress("agent", r.PathValue("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body grantRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	maxPerOp, err := s.parseAmount(body.Asset, body.MaxPerOperation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	daily, err := s.parseAmount(body.Asset, body.DailyLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Permissions.Grant(r.Context(), caller, agent, maxPerOp, daily, body.DurationSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := parseAddress("agent", r.PathValue("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Permissions.Revoke(r.Context(), caller, agent); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAllowlist(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := parseAddress("agent", r.PathValue("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body allowlistRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	recipient, err := parseAddress("recipient", body.Recipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Permissions.SetAllowlist(r.Context(), caller, agent, recipient, body.Allowed); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Permissions.Get(r.Context(), caller, agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleCanSpend 只读预检，不记账。
func (s *Server) handleCanSpend(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := parseAddress("agent", r.PathValue("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := ownerParam(r, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	amount, err := s.parseAmount(query.Get("asset"), query.Get("amount"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	allowed, reason, err := s.svc.Permissions.CanSpend(r.Context(), owner, agent, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, canSpendResponse{Allowed: allowed, Reason: reason})
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := parseAddress("agent", r.PathValue("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := ownerParam(r, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Permissions.Get(r.Context(), owner, agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := ownerParam(r, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Permissions.ListAgents(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*permission.Permission{}
	}
	writeJSON(w, http.StatusOK, list)
}
