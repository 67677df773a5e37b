package lending

import (
	"errors"
	"fmt"

	"reservebank/core/pricing"
	nativecommon "reservebank/native/common"
)

var (
	ErrInvalidAmount          = errors.New("lending: amount must be positive")
	ErrBankNotFound           = errors.New("lending: bank not found")
	ErrAlreadyExists          = errors.New("lending: already exists")
	ErrUnauthorized           = errors.New("lending: caller lacks administrative capability")
	ErrInsufficientBalance    = errors.New("lending: insufficient balance")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrExceedsLtv             = errors.New("lending: debt would exceed max loan-to-value")
	ErrOverRepayment          = errors.New("lending: repayment exceeds outstanding debt")
	ErrInvalidParameters      = errors.New("lending: invalid parameters")
	ErrNotLiquidatable        = errors.New("lending: borrower not eligible for liquidation")
	ErrTransferFailed         = errors.New("lending: funds transfer failed")
	ErrUserNotFound           = errors.New("lending: user not found")

	// ErrNoDebt is returned when repaying a position without debt.
	ErrNoDebt = fmt.Errorf("%w: no outstanding debt", ErrOverRepayment)

	ErrStalePrice        = pricing.ErrStalePrice
	ErrOracleUnavailable = pricing.ErrOracleUnavailable
	ErrModulePaused      = nativecommon.ErrModulePaused

	errNilState = errors.New("lending engine: state not configured")
	errNilFeed  = fmt.Errorf("%w: price feed not configured", pricing.ErrOracleUnavailable)
)

// IsRetryable reports whether err is a transient oracle condition that may
// succeed when retried later. Solvency and validation failures are permanent
// for the request that produced them.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStalePrice) || errors.Is(err, ErrOracleUnavailable)
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNoDebt, "no_debt"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrBankNotFound, "bank_not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientLiquidity, "insufficient_liquidity"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrExceedsLtv, "exceeds_ltv"},
	{ErrOverRepayment, "over_repayment"},
	{ErrStalePrice, "stale_price"},
	{ErrOracleUnavailable, "oracle_unavailable"},
	{ErrInvalidParameters, "invalid_parameters"},
	{ErrNotLiquidatable, "not_liquidatable"},
	{ErrModulePaused, "paused"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrUserNotFound, "user_not_found"},
}

// ErrorCode maps err onto a stable machine readable code. Unknown errors map
// to "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
