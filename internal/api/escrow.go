package api

import (
	"net/http"

	"OpenMCP-Pay/internal/escrow"
)

type createEscrowRequest struct {
	Beneficiary         string `json:"beneficiary"`
	Arbiter             string `json:"arbiter,omitempty"`
	Asset               string `json:"asset"`
	Amount              string `json:"amount"`
	ReleaseAfterSeconds int64  `json:"release_after_seconds,omitempty"`
	ConditionHash       string `json:"condition_hash,omitempty"`
}

type milestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type createMilestoneEscrowRequest struct {
	Beneficiary string             `json:"beneficiary"`
	Arbiter     string             `json:"arbiter,omitempty"`
	Asset       string             `json:"asset"`
	Milestones  []milestoneRequest `json:"milestones"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createEscrowRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", body.Beneficiary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	arbiter, err := parseOptionalAddress("arbiter", body.Arbiter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.parseAmount(body.Asset, body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	condition, err := parseHash("condition_hash", body.ConditionHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Escrows.Create(r.Context(), caller, escrow.CreateRequest{
		Beneficiary:   beneficiary,
		Arbiter:       arbiter,
		Asset:         body.Asset,
		Amount:        amount,
		ReleaseTime:   s.after(body.ReleaseAfterSeconds),
		ConditionHash: condition,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Escrows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body proofRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	proofData, err := parseProof(body.Proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Escrows.Release(r.Context(), caller, r.PathValue("id"), proofData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Escrows.Refund(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Escrows.Dispute(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Escrows.ListByUser(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateMilestoneEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createMilestoneEscrowRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", body.Beneficiary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	arbiter, err := parseOptionalAddress("arbiter", body.Arbiter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	specs := make([]escrow.MilestoneSpec, 0, len(body.Milestones))
	for _, m := range body.Milestones {
		amount, err := s.parseAmount(body.Asset, m.Amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		specs = append(specs, escrow.MilestoneSpec{Description: m.Description, Amount: amount})
	}
	e, err := s.svc.Escrows.CreateMilestoneEscrow(r.Context(), caller, beneficiary, arbiter, body.Asset, specs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetMilestoneEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Escrows.GetMilestoneEscrow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Escrows.CompleteMilestone(r.Context(), caller, r.PathValue("id"), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Escrows.ReleaseMilestone(r.Context(), caller, r.PathValue("id"), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListMilestoneEscrows(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Escrows.ListMilestoneEscrowsByUser(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*escrow.MilestoneEscrow{}
	}
	writeJSON(w, http.StatusOK, list)
}
