package lending

import "errors"

var (
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral for the requested loan")
	ErrNotLiquidatable        = errors.New("lending: position is not eligible for liquidation")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrTransferFailed         = errors.New("lending: custody transfer failed")
	ErrArithmeticOverflow     = errors.New("lending: arithmetic overflow")
	ErrInvalidAmount          = errors.New("lending: invalid amount")
	ErrPositionNotFound       = errors.New("lending: position not found")
	ErrPositionExists         = errors.New("lending: position already exists")
)

// Error codes reported to API callers. They are stable and safe to match on.
const (
	CodeInsufficientCollateral = "INSUFFICIENT_COLLATERAL"
	CodeNotLiquidatable        = "NOT_LIQUIDATABLE"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeTransferFailed         = "TRANSFER_FAILED"
	CodeArithmeticOverflow     = "ARITHMETIC_OVERFLOW"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodePositionNotFound       = "NOT_FOUND"
	CodePositionExists         = "DUPLICATE_RESOURCE"
	CodeInternal               = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientCollateral, CodeInsufficientCollateral},
	{ErrNotLiquidatable, CodeNotLiquidatable},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrTransferFailed, CodeTransferFailed},
	{ErrArithmeticOverflow, CodeArithmeticOverflow},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrPositionNotFound, CodePositionNotFound},
	{ErrPositionExists, CodePositionExists},
}

// Kind returns the error code for err, or CodeInternal when err does not wrap
// one of the ledger sentinels. A nil error has no kind.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
