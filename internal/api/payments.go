package api

import (
	"net/http"

	"OpenMCP-Pay/internal/payment"
)

type createPaymentRequest struct {
	Payee           string `json:"payee"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	DeadlineSeconds int64  `json:"deadline_seconds"`
	ConditionHash   string `json:"condition_hash,omitempty"`
	Proof           string `json:"proof,omitempty"`
}

type proofRequest struct {
	Proof string `json:"proof,omitempty"`
}

func (s *Server) paymentRequest(body createPaymentRequest) (payment.CreateRequest, error) {
	payee, err := parseAddress("payee", body.Payee)
	if err != nil {
		return payment.CreateRequest{}, err
	}
	amount, err := s.parseAmount(body.Asset, body.Amount)
	if err != nil {
		return payment.CreateRequest{}, err
	}
	condition, err := parseHash("condition_hash", body.ConditionHash)
	if err != nil {
		return payment.CreateRequest{}, err
	}
	return payment.CreateRequest{
		Payee:         payee,
		Asset:         body.Asset,
		Amount:        amount,
		Deadline:      s.after(body.DeadlineSeconds),
		ConditionHash: condition,
	}, nil
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createPaymentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.paymentRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Payments.Create(r.Context(), caller, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleInstantPayment 创建并立即执行付款，执行失败时付款被作废。
func (s *Server) handleInstantPayment(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createPaymentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.paymentRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	proofData, err := parseProof(body.Proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Payments.CreateAndExecute(r.Context(), caller, caller, req, proofData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Payments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
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
	p, err := s.svc.Payments.Execute(r.Context(), caller, r.PathValue("id"), proofData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Payments.Cancel(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRefundPayment(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Payments.Refund(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Payments.ListByUser(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*payment.Payment{}
	}
	writeJSON(w, http.StatusOK, list)
}
