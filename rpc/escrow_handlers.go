package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowd/identity"
	"escrowd/native/escrow"
)

type conditionParams struct {
	Kind      string   `json:"kind"`
	ReleaseAt int64    `json:"releaseAt,omitempty"`
	Signers   []string `json:"signers,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

type escrowCreateParams struct {
	Beneficiary  string          `json:"beneficiary"`
	Arbitrator   string          `json:"arbitrator,omitempty"`
	Amount       string          `json:"amount"`
	Condition    conditionParams `json:"condition"`
	Deadline     int64           `json:"deadline,omitempty"`
	ExpiresAt    int64           `json:"expiresAt,omitempty"`
	Description  string          `json:"description,omitempty"`
	ServiceID    string          `json:"serviceId,omitempty"`
	ProjectTitle string          `json:"projectTitle,omitempty"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowListParams struct {
	Principal string `json:"principal,omitempty"`
	Role      string `json:"role"`
}

type escrowDisputeParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type escrowResolveParams struct {
	ID         string `json:"id"`
	FavorBuyer bool   `json:"favorBuyer"`
}

type amountParams struct {
	Amount string `json:"amount"`
}

type balanceParams struct {
	Principal string `json:"principal,omitempty"`
}

type listEventsParams struct {
	After uint64 `json:"after,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type conditionJSON struct {
	Kind      string   `json:"kind"`
	ReleaseAt int64    `json:"releaseAt,omitempty"`
	Signers   []string `json:"signers,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

// escrowJSON stringifies the 64-bit fields so the record survives transports
// without 64-bit integers.
type escrowJSON struct {
	ID            string        `json:"id"`
	Depositor     string        `json:"depositor"`
	Beneficiary   string        `json:"beneficiary"`
	Arbitrator    string        `json:"arbitrator,omitempty"`
	Amount        string        `json:"amount"`
	Condition     conditionJSON `json:"condition"`
	Status        string        `json:"status"`
	Approvals     []string      `json:"approvals"`
	CreatedAt     int64         `json:"createdAt"`
	ExpiresAt     int64         `json:"expiresAt,omitempty"`
	Deadline      int64         `json:"deadline,omitempty"`
	DisputeReason string        `json:"disputeReason,omitempty"`
	Description   string        `json:"description,omitempty"`
	ServiceID     string        `json:"serviceId,omitempty"`
	ProjectTitle  string        `json:"projectTitle,omitempty"`
}

type approveResult struct {
	Escrow    escrowJSON `json:"escrow"`
	Completed bool       `json:"completed"`
}

type balanceResult struct {
	Principal string `json:"principal"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type availableResult struct {
	Available string `json:"available"`
}

type sweepResult struct {
	Expired []string `json:"expired"`
}

type feeStatsResult struct {
	TotalFees         string `json:"totalFees"`
	CollectedFees     string `json:"collectedFees"`
	TotalTransactions uint64 `json:"totalTransactions"`
}

func formatEscrow(rec *escrow.Escrow) escrowJSON {
	out := escrowJSON{
		ID:            strconv.FormatUint(rec.ID, 10),
		Depositor:     rec.Depositor,
		Beneficiary:   rec.Beneficiary,
		Arbitrator:    rec.Arbitrator,
		Amount:        rec.Amount.String(),
		Status:        rec.Status.String(),
		Approvals:     append([]string{}, rec.Approvals...),
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		Deadline:      rec.Deadline,
		DisputeReason: rec.DisputeReason,
		Description:   rec.Description,
		ServiceID:     rec.ServiceID,
		ProjectTitle:  rec.ProjectTitle,
	}
	out.Condition = conditionJSON{
		Kind:      rec.Condition.Kind.String(),
		ReleaseAt: rec.Condition.ReleaseAt,
		Signers:   append([]string(nil), rec.Condition.Signers...),
		Reference: rec.Condition.Reference,
	}
	return out
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a decimal string")
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func parseEscrowID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id must be a decimal string")
	}
	return id, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	var params escrowCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	kind, err := escrow.ParseConditionKind(params.Condition.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.engine.Create(escrow.CreateInput{
		Depositor:   caller.Subject,
		Beneficiary: params.Beneficiary,
		Arbitrator:  params.Arbitrator,
		Amount:      amount,
		Condition: escrow.Condition{
			Kind:      kind,
			ReleaseAt: params.Condition.ReleaseAt,
			Signers:   params.Condition.Signers,
			Reference: params.Condition.Reference,
		},
		Deadline:     params.Deadline,
		ExpiresAt:    params.ExpiresAt,
		Description:  params.Description,
		ServiceID:    params.ServiceID,
		ProjectTitle: params.ProjectTitle,
	})
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(rec))
}

func (s *Server) handleGet(w http.ResponseWriter, req *RPCRequest, _ identity.Principal) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.engine.Store().Get(id)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(rec))
}

func (s *Server) handleList(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	var params escrowListParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	role, err := escrow.ParseRole(params.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	principal := strings.TrimSpace(params.Principal)
	if principal == "" {
		principal = caller.Subject
	}
	if principal != caller.Subject && !caller.Admin {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", nil)
		return
	}
	records := s.engine.Store().ListByPrincipal(principal, role)
	out := make([]escrowJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, formatEscrow(rec))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, completed, err := s.engine.Approve(id, caller.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, approveResult{Escrow: formatEscrow(rec), Completed: completed})
}

func (s *Server) handleCancel(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.engine.Cancel(id, caller.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(rec))
}

func (s *Server) handleDispute(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	var params escrowDisputeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.engine.Dispute(id, caller.Subject, params.Reason)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(rec))
}

func (s *Server) handleResolve(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	var params escrowResolveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.engine.Resolve(id, caller.Subject, caller.Admin, params.FavorBuyer)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(rec))
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	s.handleBalanceMutation(w, req, caller, s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	s.handleBalanceMutation(w, req, caller, s.engine.Withdraw)
}

func (s *Server) handleBalanceMutation(w http.ResponseWriter, req *RPCRequest, caller identity.Principal, op func(string, *big.Int) (*big.Int, error)) {
	var params amountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	available, err := op(caller.Subject, amount)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, availableResult{Available: available.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	principal := caller.Subject
	if len(req.Params) == 1 {
		var params balanceParams
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		if requested := strings.TrimSpace(params.Principal); requested != "" {
			if requested != caller.Subject && !caller.Admin {
				writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", nil)
				return
			}
			principal = requested
		}
	}
	balance := s.engine.Ledger().BalanceOf(principal)
	writeResult(w, req.ID, balanceResult{
		Principal: principal,
		Available: balance.Available.String(),
		Locked:    balance.Locked.String(),
	})
}

func (s *Server) handleSweepOverdue(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	if !caller.Admin {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", nil)
		return
	}
	expired := s.engine.Sweep(time.Now().Unix())
	s.metrics.ObserveExpired(len(expired))
	out := make([]string, 0, len(expired))
	for _, id := range expired {
		out = append(out, strconv.FormatUint(id, 10))
	}
	writeResult(w, req.ID, sweepResult{Expired: out})
}

func (s *Server) handleFeeStats(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	if !caller.Admin {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", nil)
		return
	}
	stats := s.engine.Fees().Snapshot()
	writeResult(w, req.ID, feeStatsResult{
		TotalFees:         stats.TotalFees.String(),
		CollectedFees:     stats.CollectedFees.String(),
		TotalTransactions: stats.TotalTransactions,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *RPCRequest, caller identity.Principal) {
	if !caller.Admin {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", nil)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", "journal not configured")
		return
	}
	params := listEventsParams{}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	entries, err := s.journal.List(params.After, params.Limit)
	if err != nil {
		s.writeEngineError(w, req.ID, req.Method, err)
		return
	}
	writeResult(w, req.ID, entries)
}
