package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/settlement"
)

type createBatchRequest struct {
	PaymentIDs []string `json:"payment_ids"`
}

type createScheduleRequest struct {
	Payee           string `json:"payee"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Count           uint64 `json:"count"`
}

type legRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	ConditionHash string `json:"condition_hash,omitempty"`
}

type createMultiLegRequest struct {
	Legs []legRequest `json:"legs"`
}

type executeMultiLegRequest struct {
	Proofs []string `json:"proofs"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createBatchRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.svc.Settlement.CreateBatch(r.Context(), caller, body.PaymentIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// handleExecuteBatch 即使部分付款失败也返回 200，逐笔结果在响应体中。
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Settlement.ExecuteBatch(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Settlement.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createScheduleRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	payee, err := parseAddress("payee", body.Payee)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.parseAmount(body.Asset, body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sched, err := s.svc.Settlement.CreateRecurringSchedule(r.Context(), caller, payee, body.Asset, amount, body.IntervalSeconds, body.Count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// handleExecuteSchedule 返回本次执行生成的付款。
func (s *Server) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Settlement.ExecuteRecurringPayment(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sched, err := s.svc.Settlement.CancelRecurringSchedule(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.svc.Settlement.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Settlement.ListSchedulesByUser(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*settlement.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateMultiLeg(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createMultiLegRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	legs := make([]settlement.Leg, 0, len(body.Legs))
	for i, raw := range body.Legs {
		from, err := parseOptionalAddress("from", raw.From)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if from == (common.Address{}) {
			from = caller
		}
		to, err := parseAddress("to", raw.To)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		amount, err := s.parseAmount(raw.Asset, raw.Amount)
		if err != nil {
			s.writeError(w, r, invalid("Leg %d: %s", i, xerrors.ReasonOf(err)))
			return
		}
		condition, err := parseHash("condition_hash", raw.ConditionHash)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		legs = append(legs, settlement.Leg{
			From:          from,
			To:            to,
			Asset:         raw.Asset,
			Amount:        amount,
			ConditionHash: condition,
		})
	}
	tx, err := s.svc.Settlement.CreateMultiLegTx(r.Context(), caller, legs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// handleExecuteMultiLeg 部分失败时返回 502，交易最终状态可通过 GET 查询。
func (s *Server) handleExecuteMultiLeg(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body executeMultiLegRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	proofs := make([][]byte, len(body.Proofs))
	for i, raw := range body.Proofs {
		p, err := parseProof(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		proofs[i] = p
	}
	tx, err := s.svc.Settlement.ExecuteMultiLegTx(r.Context(), caller, r.PathValue("id"), proofs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleGetMultiLeg(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.Settlement.GetMultiLegTx(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
