package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"reservebank/crypto"
	"reservebank/native/lending"
	"reservebank/observability"
)

const maxBodyBytes = 1 << 16

type bankParamsJSON struct {
	Decimals                uint8  `json:"decimals"`
	MaxLtvBps               uint64 `json:"maxLtvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	CloseFactorBps          uint64 `json:"closeFactorBps"`
	ReserveFactorBps        uint64 `json:"reserveFactorBps"`
	BaseRateBps             uint64 `json:"baseRateBps"`
	Slope1Bps               uint64 `json:"slope1Bps"`
	Slope2Bps               uint64 `json:"slope2Bps"`
	KinkBps                 uint64 `json:"kinkBps"`
}

func (p bankParamsJSON) params() lending.BankParams {
	return lending.BankParams{
		Decimals:                p.Decimals,
		MaxLtvBps:               p.MaxLtvBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBonusBps:     p.LiquidationBonusBps,
		CloseFactorBps:          p.CloseFactorBps,
		ReserveFactorBps:        p.ReserveFactorBps,
		BaseRateBps:             p.BaseRateBps,
		Slope1Bps:               p.Slope1Bps,
		Slope2Bps:               p.Slope2Bps,
		KinkBps:                 p.KinkBps,
	}
}

func paramsJSON(p lending.BankParams) bankParamsJSON {
	return bankParamsJSON{
		Decimals:                p.Decimals,
		MaxLtvBps:               p.MaxLtvBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBonusBps:     p.LiquidationBonusBps,
		CloseFactorBps:          p.CloseFactorBps,
		ReserveFactorBps:        p.ReserveFactorBps,
		BaseRateBps:             p.BaseRateBps,
		Slope1Bps:               p.Slope1Bps,
		Slope2Bps:               p.Slope2Bps,
		KinkBps:                 p.KinkBps,
	}
}

type createBankRequest struct {
	Asset string `json:"asset"`
	bankParamsJSON
}

type amountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type liquidateRequest struct {
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	Amount          string `json:"amount"`
}

type bankView struct {
	Asset              string         `json:"asset"`
	TotalDeposits      string         `json:"totalDeposits"`
	TotalBorrows       string         `json:"totalBorrows"`
	AvailableLiquidity string         `json:"availableLiquidity"`
	TotalDepositShares string         `json:"totalDepositShares"`
	TotalBorrowShares  string         `json:"totalBorrowShares"`
	DepositIndex       string         `json:"depositIndex"`
	BorrowIndex        string         `json:"borrowIndex"`
	Utilisation        string         `json:"utilisation"`
	Reserves           string         `json:"reserves"`
	LastAccrual        time.Time      `json:"lastAccrual"`
	CreatedAt          time.Time      `json:"createdAt"`
	Params             bankParamsJSON `json:"params"`
}

func newBankView(b *lending.Bank) bankView {
	return bankView{
		Asset:              b.Asset,
		TotalDeposits:      b.TotalDeposits().String(),
		TotalBorrows:       b.TotalBorrows().String(),
		AvailableLiquidity: b.AvailableLiquidity().String(),
		TotalDepositShares: b.TotalDepositShares.String(),
		TotalBorrowShares:  b.TotalBorrowShares.String(),
		DepositIndex:       b.DepositIndex.String(),
		BorrowIndex:        b.BorrowIndex.String(),
		Utilisation:        b.Utilisation().FloatString(6),
		Reserves:           b.Reserves.String(),
		LastAccrual:        b.LastAccrual,
		CreatedAt:          b.CreatedAt,
		Params:             paramsJSON(b.Params),
	}
}

type positionView struct {
	Asset         string `json:"asset"`
	DepositShares string `json:"depositShares"`
	BorrowShares  string `json:"borrowShares"`
	Deposit       string `json:"deposit"`
	Debt          string `json:"debt"`
}

type userView struct {
	Address   string         `json:"address"`
	CreatedAt time.Time      `json:"createdAt"`
	Positions []positionView `json:"positions"`
}

type healthView struct {
	Collateral     string `json:"collateral"`
	BorrowingPower string `json:"borrowingPower"`
	Debt           string `json:"debt"`
	HealthFactor   string `json:"healthFactor,omitempty"`
	State          string `json:"state"`
}

type operationResult struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Shares string `json:"shares,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("decode body: %v", err))
		return err
	}
	return nil
}

// parseAmount accepts a base-10 integer that fits in 256 bits.
func parseAmount(raw string) (*big.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", lending.ErrInvalidAmount, raw, err)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", lending.ErrInvalidAmount)
	}
	return value.ToBig(), nil
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "unauthenticated", "caller unknown")
	}
	return caller, ok
}

func (s *Server) charge(w http.ResponseWriter, caller crypto.Address, amount *big.Int) bool {
	if err := s.quota.Charge(caller, amount); err != nil {
		observability.ModuleMetrics().RecordThrottle("lending", quotaReason(err))
		writeProblem(w, http.StatusTooManyRequests, quotaReason(err), err.Error())
		return false
	}
	return true
}

func (s *Server) handleListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.engine.Banks(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]bankView, 0, len(banks))
	for _, bank := range banks {
		out = append(out, newBankView(bank))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBank(w http.ResponseWriter, r *http.Request) {
	bank, err := s.engine.Bank(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBankView(bank))
}

func (s *Server) handleCreateBank(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createBankRequest
	if decodeBody(w, r, &req) != nil {
		return
	}
	bank, err := s.engine.InitBank(r.Context(), caller, req.Asset, req.params())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBankView(bank))
}

func parseAddressParam(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_address", err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.charge(w, caller, nil) {
		return
	}
	acct, err := s.engine.InitUser(r.Context(), caller)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView{Address: acct.Address.String(), CreatedAt: acct.CreatedAt, Positions: []positionView{}})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r)
	if !ok {
		return
	}
	acct, err := s.engine.UserAccount(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view := userView{Address: addr.String(), CreatedAt: acct.CreatedAt, Positions: make([]positionView, 0, len(acct.Assets))}
	for _, asset := range acct.Assets {
		pos, err := s.engine.Position(r.Context(), addr, asset)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		view.Positions = append(view.Positions, positionView{
			Asset:         asset,
			DepositShares: pos.Position.DepositShares.String(),
			BorrowShares:  pos.Position.BorrowShares.String(),
			Deposit:       pos.Deposit.String(),
			Debt:          pos.Debt.String(),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func ratString(v *big.Rat) string {
	if v == nil {
		return ""
	}
	return v.FloatString(6)
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r)
	if !ok {
		return
	}
	report, err := s.engine.Health(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthView{
		Collateral:     ratString(report.Collateral),
		BorrowingPower: ratString(report.BorrowingPower),
		Debt:           ratString(report.Debt),
		HealthFactor:   ratString(report.HealthFactor),
		State:          string(report.State),
	})
}

type positionOp func(r *http.Request, caller crypto.Address, asset string, amount *big.Int) (operationResult, error)

// positionHandler decodes an amount request, charges the caller's quota and
// runs op. A failed op gets its amount back.
func (s *Server) positionHandler(op positionOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.caller(w, r)
		if !ok {
			return
		}
		var req amountRequest
		if decodeBody(w, r, &req) != nil {
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		if !s.charge(w, caller, amount) {
			return
		}
		result, err := op(r, caller, lending.NormalizeAsset(req.Asset), amount)
		if err != nil {
			s.quota.Refund(caller, amount)
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) deposit(r *http.Request, caller crypto.Address, asset string, amount *big.Int) (operationResult, error) {
	minted, err := s.engine.Deposit(r.Context(), caller, asset, amount)
	if err != nil {
		return operationResult{}, err
	}
	return operationResult{Asset: asset, Amount: amount.String(), Shares: minted.String()}, nil
}

func (s *Server) withdraw(r *http.Request, caller crypto.Address, asset string, amount *big.Int) (operationResult, error) {
	burned, err := s.engine.Withdraw(r.Context(), caller, asset, amount)
	if err != nil {
		return operationResult{}, err
	}
	return operationResult{Asset: asset, Amount: amount.String(), Shares: burned.String()}, nil
}

func (s *Server) borrow(r *http.Request, caller crypto.Address, asset string, amount *big.Int) (operationResult, error) {
	minted, err := s.engine.Borrow(r.Context(), caller, asset, amount)
	if err != nil {
		return operationResult{}, err
	}
	return operationResult{Asset: asset, Amount: amount.String(), Shares: minted.String()}, nil
}

// repay reports the amount actually applied, which is capped at the debt.
func (s *Server) repay(r *http.Request, caller crypto.Address, asset string, amount *big.Int) (operationResult, error) {
	applied, err := s.engine.Repay(r.Context(), caller, asset, amount)
	if err != nil {
		return operationResult{}, err
	}
	return operationResult{Asset: asset, Amount: applied.String()}, nil
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if decodeBody(w, r, &req) != nil {
		return
	}
	borrower, err := crypto.DecodeAddress(req.Borrower)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !s.charge(w, caller, amount) {
		return
	}
	repaid, seized, err := s.engine.Liquidate(r.Context(), caller, borrower, req.DebtAsset, req.CollateralAsset, amount)
	if err != nil {
		s.quota.Refund(caller, amount)
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"debtAsset":       lending.NormalizeAsset(req.DebtAsset),
		"collateralAsset": lending.NormalizeAsset(req.CollateralAsset),
		"repaid":          repaid.String(),
		"seized":          seized.String(),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "journal disabled")
		return
	}
	query := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_request", "after must be an unsigned integer")
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeProblem(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := s.journal.List(r.Context(), after, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	seq, head := s.journal.Head()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"head":     head,
		"sequence": seq,
		"entries":  entries,
	})
}
