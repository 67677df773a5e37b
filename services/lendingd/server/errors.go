package server

import (
	"encoding/json"
	"net/http"

	"reservebank/native/lending"
)

type problem struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

var statusByCode = map[string]int{
	"invalid_amount":          http.StatusBadRequest,
	"invalid_parameters":      http.StatusBadRequest,
	"bank_not_found":          http.StatusNotFound,
	"user_not_found":          http.StatusNotFound,
	"already_exists":          http.StatusConflict,
	"unauthorized":            http.StatusForbidden,
	"insufficient_balance":    http.StatusUnprocessableEntity,
	"insufficient_liquidity":  http.StatusUnprocessableEntity,
	"insufficient_collateral": http.StatusUnprocessableEntity,
	"exceeds_ltv":             http.StatusUnprocessableEntity,
	"over_repayment":          http.StatusUnprocessableEntity,
	"no_debt":                 http.StatusUnprocessableEntity,
	"not_liquidatable":        http.StatusUnprocessableEntity,
	"transfer_failed":         http.StatusPaymentRequired,
	"stale_price":             http.StatusServiceUnavailable,
	"oracle_unavailable":      http.StatusServiceUnavailable,
	"paused":                  http.StatusServiceUnavailable,
}

// statusFor maps an engine error onto an HTTP status and stable code.
func statusFor(err error) (int, string) {
	code := lending.ErrorCode(err)
	if status, ok := statusByCode[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	writeJSON(w, status, problem{Code: code, Message: message, Retryable: lending.IsRetryable(err)})
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
