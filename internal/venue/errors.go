// Package venue holds the vocabulary shared by every engine component:
// rejection reasons and record identifiers.
package venue

import (
	"errors"

	fpmath "SecuritiesVenue/internal/math"
)

// Precondition violations.
var (
	ErrMarketNotActive   = errors.New("market not active")
	ErrPoolNotActive     = errors.New("pool not active")
	ErrOrderNotActive    = errors.New("order not active")
	ErrOrderExpired      = errors.New("order expired")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadySettled    = errors.New("already settled")
	ErrNotSettleable     = errors.New("settlement date not reached")
)

// Economic-limit violations.
var (
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrSlippageExceeded       = errors.New("slippage tolerance exceeded")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInvalidLeverage        = errors.New("invalid leverage")
	ErrNotLiquidatable        = errors.New("position not liquidatable")
	ErrInvalidFee             = errors.New("invalid fee configuration")
	ErrInvalidParams          = errors.New("invalid parameters")
)

// Addressing.
var (
	ErrMarketNotFound   = errors.New("market not found")
	ErrMarketExists     = errors.New("market already exists")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionExists   = errors.New("position already open")
	ErrOrderNotFound    = errors.New("order not found")
)

// ErrDuplicateRequest is returned when a request id has already been
// applied.
var ErrDuplicateRequest = errors.New("duplicate request")

// ErrMathOverflow is returned when checked LP or swap math cannot be
// represented.
var ErrMathOverflow = errors.New("math overflow")

// ErrHalted is returned for commands issued after the engine was halted
// for shutdown.
var ErrHalted = errors.New("engine halted")

// MathErr maps fixed-point failures onto ErrMathOverflow, leaving other
// errors untouched.
func MathErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fpmath.ErrOverflow) || errors.Is(err, fpmath.ErrDivideByZero) || errors.Is(err, fpmath.ErrNegative) {
		return errors.Join(ErrMathOverflow, err)
	}
	return err
}

// Reason returns a short label for a rejection, used as a metric label.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "internal"
}

var reasons = []struct {
	err   error
	label string
}{
	{ErrMarketNotActive, "market_not_active"},
	{ErrPoolNotActive, "pool_not_active"},
	{ErrOrderNotActive, "order_not_active"},
	{ErrOrderExpired, "order_expired"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrAlreadySettled, "already_settled"},
	{ErrNotSettleable, "not_settleable"},
	{ErrInsufficientLiquidity, "insufficient_liquidity"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrInvalidLeverage, "invalid_leverage"},
	{ErrNotLiquidatable, "not_liquidatable"},
	{ErrInvalidFee, "invalid_fee"},
	{ErrInvalidParams, "invalid_params"},
	{ErrMarketNotFound, "market_not_found"},
	{ErrMarketExists, "market_exists"},
	{ErrPositionNotFound, "position_not_found"},
	{ErrPositionExists, "position_exists"},
	{ErrOrderNotFound, "order_not_found"},
	{ErrMathOverflow, "math_overflow"},
	{ErrDuplicateRequest, "duplicate"},
	{ErrHalted, "halted"},
}
